package objstream

import (
	"reflect"
	"strings"
)

type tagOptions string

func parseTag(tag string) (string, tagOptions) {
	if i := strings.IndexByte(tag, ','); i >= 0 {
		return tag[:i], tagOptions(tag[i+1:])
	}
	return tag, ""
}

func (o tagOptions) Contains(name string) bool {
	s := string(o)
	for s != "" {
		var next string
		if i := strings.IndexByte(s, ','); i >= 0 {
			s, next = s[:i], s[i+1:]
		}
		if s == name {
			return true
		}
		s = next
	}
	return false
}

type tag struct {
	name      string
	index     int
	modifiers int
	super     bool
}

// structTags lists the fields of a struct type with the names and
// modifiers used in descriptors. The first exported embedded struct is
// the ancestor and is flagged super.
func structTags(t reflect.Type) []tag {
	var tags []tag
	haveSuper := false

	l := t.NumField()
	for i := 0; i < l; i++ {
		f := t.Field(i)
		if f.Anonymous && !haveSuper && f.Type.Kind() == reflect.Struct && f.IsExported() {
			haveSuper = true
			tags = append(tags, tag{name: f.Name, index: i, super: true})
			continue
		}

		name, opts := parseTag(f.Tag.Get("ser"))
		mods := 0
		switch {
		case f.PkgPath != "":
			// not exported -- can't be set, never persisted
			mods = ModPrivate | ModTransient
		case name == "-":
			mods = ModPublic | ModTransient
			name = ""
		default:
			mods = ModPublic
		}
		if opts.Contains("final") {
			mods |= ModFinal
		}
		if name == "" || name == "-" {
			name = f.Name
		}
		tags = append(tags, tag{name: name, index: i, modifiers: mods})
	}
	return tags
}
