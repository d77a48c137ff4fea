package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"

	"github.com/davecgh/go-spew/spew"
	"github.com/objstream/objstream"
	"github.com/vmihailenco/msgpack/v5"
)

// catalogEntry is the msgpack form of a class descriptor.
type catalogEntry struct {
	Name        string         `msgpack:"name"`
	Fingerprint uint64         `msgpack:"fingerprint"`
	Capability  string         `msgpack:"capability"`
	Proxy       bool           `msgpack:"proxy,omitempty"`
	Interfaces  []string       `msgpack:"interfaces,omitempty"`
	Fields      []catalogField `msgpack:"fields,omitempty"`
	Super       string         `msgpack:"super,omitempty"`
	Custom      bool           `msgpack:"custom,omitempty"`
}

type catalogField struct {
	Name      string `msgpack:"name"`
	Code      string `msgpack:"code"`
	Signature string `msgpack:"signature,omitempty"`
}

func entryOf(d *objstream.ClassDesc) catalogEntry {
	e := catalogEntry{
		Name:        d.Name(),
		Fingerprint: uint64(d.Fingerprint()),
		Capability:  d.Capability().String(),
		Proxy:       d.IsProxy(),
		Interfaces:  d.Interfaces(),
		Custom:      d.HasWriteMethod(),
	}
	for _, f := range d.Fields() {
		e.Fields = append(e.Fields, catalogField{Name: f.Name(), Code: string(rune(f.TypeCode())), Signature: f.Signature()})
	}
	if s := d.Super(); s != nil {
		e.Super = s.Name()
	}
	return e
}

func process(fname string, b []byte, seen *[]*objstream.ClassDesc) error {
	b, err := objstream.Decompress(b)
	if err != nil {
		return err
	}

	dec := objstream.NewDecoder(bytes.NewReader(b))
	dec.Dynamic = true
	dec.Logger = log.Default()
	dec.ResolveClass = func(_ *objstream.Decoder, d *objstream.ClassDesc) (reflect.Type, error) {
		*seen = append(*seen, d)
		return nil, nil
	}

	for i := 0; ; i++ {
		v, err := dec.ReadObject()
		var od *objstream.ErrOptionalData
		switch {
		case err == io.EOF:
			return nil
		case errors.As(err, &od) && !od.EOF:
			data := make([]byte, od.Length)
			if err := dec.ReadFull(data); err != nil {
				return err
			}
			fmt.Printf("%s: block data\n%s", fname, spew.Sdump(data))
			continue
		case err != nil:
			return fmt.Errorf("object %d: %w", i, err)
		}
		fmt.Printf("%s: object %d\n", fname, i)
		spew.Dump(v)
	}
}

func main() {
	catalog := flag.String("catalog", "", "write the class descriptors seen to this msgpack file")
	flag.Parse()

	var seen []*objstream.ClassDesc
	if flag.NArg() == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		if err := process("stdin", b, &seen); err != nil {
			log.Fatalf("error processing stdin: %s", err)
		}
	}

	for _, arg := range flag.Args() {
		b, err := os.ReadFile(arg)
		if err != nil {
			log.Fatal(err)
		}
		if err := process(arg, b, &seen); err != nil {
			log.Fatalf("error processing %s: %s", arg, err)
		}
	}

	if *catalog == "" {
		return
	}
	entries := make([]catalogEntry, 0, len(seen))
	for _, d := range seen {
		entries = append(entries, entryOf(d))
	}
	out, err := msgpack.Marshal(entries)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*catalog, out, 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %d class descriptors to %s", len(entries), *catalog)
}
