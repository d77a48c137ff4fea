//go:build gofuzz

package objstream

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func Fuzz(data []byte) int {
	if isEnvelope(data) {
		// ignore compressed data
		return 0
	}

	var m any
	if err := Unmarshal(data, &m); err != nil {
		return 0
	}

	enc, err := Marshal(m)
	if err != nil {
		panic("unable to marshal: " + err.Error())
	}

	var m2 any
	if err := Unmarshal(enc, &m2); err != nil {
		panic("unmarshalling marshalled data: " + err.Error())
	}

	if !cmp.Equal(m, m2, cmpopts.EquateNaNs(), cmpopts.EquateEmpty()) {
		panic("failed to roundtrip")
	}

	return 1
}
