package main

import (
	"bytes"
	crand "crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"

	"github.com/dgryski/go-ddmin"
	"github.com/objstream/objstream"
)

var header = []byte{0xac, 0xed, 0x00, 0x05}

// decodeAll reads every object of doc and reports whether decoding
// panicked.
func decodeAll(doc []byte) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()

	dec := objstream.NewDecoder(bytes.NewReader(doc))
	dec.Dynamic = true
	dec.MaxArrayLength = 1 << 16
	for {
		if _, err := dec.ReadObject(); err != nil {
			return false
		}
	}
}

func main() {
	iterations := flag.Int("n", 0, "number of documents to try, 0 runs forever")
	maxLen := flag.Int("len", 200, "maximum body length")
	flag.Parse()

	for i := 0; *iterations == 0 || i < *iterations; i++ {
		body := make([]byte, mrand.Intn(*maxLen))
		if _, err := crand.Read(body); err != nil {
			log.Fatal(err)
		}
		// bias towards valid type codes
		for j := range body {
			if mrand.Intn(3) == 0 {
				body[j] = 0x70 + byte(mrand.Intn(14))
			}
		}
		doc := append(append([]byte(nil), header...), body...)
		if !decodeAll(doc) {
			continue
		}

		min := ddmin.Minimize(doc, func(d []byte) ddmin.Result {
			if decodeAll(d) {
				return ddmin.Fail
			}
			return ddmin.Pass
		})
		fmt.Printf("panic after %d documents, minimized input:\n%s", i+1, hex.Dump(min))
		return
	}
}
