package cborcanon

import (
	"bytes"
	"encoding/hex"
	"testing"
)

var canonicalTestVectors = []struct {
	name     string
	input    interface{}
	expected string // hex-encoded canonical CBOR, empty to skip the exact check
}{
	{
		name:     "simple_map",
		input:    map[string]interface{}{"b": 2, "a": 1},
		expected: "",
	},
	{
		name: "nested_map",
		input: map[string]interface{}{
			"z": 3,
			"a": map[string]interface{}{
				"y": 2,
				"x": 1,
			},
		},
		expected: "",
	},
	{
		name:     "array",
		input:    []interface{}{3, 1, 2},
		expected: "83030102",
	},
	{
		name:     "mixed_types",
		input:    map[string]interface{}{"str": "hello", "num": 42, "bool": true},
		expected: "",
	},
	{
		name:     "empty_map",
		input:    map[string]interface{}{},
		expected: "a0",
	},
	{
		name:     "empty_array",
		input:    []interface{}{},
		expected: "80",
	},
}

func TestCanonicalEncoding(t *testing.T) {
	for _, tv := range canonicalTestVectors {
		t.Run(tv.name, func(t *testing.T) {
			encoded, err := Marshal(tv.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			encodedHex := hex.EncodeToString(encoded)
			if tv.expected != "" && encodedHex != tv.expected {
				t.Errorf("expected %s, got %s", tv.expected, encodedHex)
			}

			var decoded interface{}
			if err := Unmarshal(encoded, &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}

			reencoded, err := Marshal(decoded)
			if err != nil {
				t.Fatalf("re-marshal failed: %v", err)
			}
			if !bytes.Equal(encoded, reencoded) {
				t.Errorf("encoding not deterministic: %x != %x", encoded, reencoded)
			}
		})
	}
}

func TestIsCanonical(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		canonical bool
	}{
		{name: "canonical_map", data: "a2616101616202", canonical: true},
		{name: "non_canonical_map", data: "a2616202616101", canonical: false},
		{name: "canonical_array", data: "83010203", canonical: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := hex.DecodeString(tt.data)
			if err != nil {
				t.Fatalf("invalid hex: %v", err)
			}
			if got := IsCanonical(data); got != tt.canonical {
				t.Errorf("IsCanonical() = %v, want %v", got, tt.canonical)
			}
		})
	}
}

func BenchmarkCanonicalMarshal(b *testing.B) {
	data := map[string]interface{}{
		"client_port":      uint16(1080),
		"disk_limit_bytes": uint64(50 << 30),
		"verify_cache":     true,
		"static_range":     []string{"0a1b", "2c3d", "4e5f"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(data); err != nil {
			b.Fatal(err)
		}
	}
}
