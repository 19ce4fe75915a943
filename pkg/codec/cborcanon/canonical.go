// Package cborcanon provides canonical CBOR encoding for on-disk snapshots
// that must compare byte-identical across a dump/reload round trip, such
// as the settings snapshot persisted to data/settings.cbor.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is a CBOR encoding mode with deterministic key order and
// no float/bignum ambiguity, so the same value always serializes to the
// same bytes.
var CanonicalMode cbor.EncMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// IsCanonical reports whether data is already in this package's canonical
// form, by round-tripping it and comparing bytes.
func IsCanonical(data []byte) bool {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return false
	}
	canonical, err := Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}
