// Package fileid implements the FileId data model of §3: the primary key
// for a cached object, serialized as hash-size-width-height-format.
package fileid

import (
	"fmt"
	"strconv"
	"strings"
)

// Format is one of the image formats the network recognizes. Any other
// tag is rejected by Parse.
type Format string

const (
	JPG Format = "jpg"
	PNG Format = "png"
	GIF Format = "gif"
	WBM Format = "wbm"
)

func validFormat(f Format) bool {
	switch f {
	case JPG, PNG, GIF, WBM:
		return true
	default:
		return false
	}
}

// ContentType returns the MIME type to serve for this format.
func (f Format) ContentType() string {
	switch f {
	case JPG:
		return "image/jpeg"
	case PNG:
		return "image/png"
	case GIF:
		return "image/gif"
	case WBM:
		return "image/vnd.wap.wbmp"
	default:
		return "application/octet-stream"
	}
}

// FileId is the primary key for a cached object. Equality is structural:
// the hash alone is not sufficient because the same bytes can legally only
// exist under one full descriptor.
type FileId struct {
	Hash   string // 40 lowercase hex characters, SHA-1 of the content
	Width  uint
	Height uint
	Size   uint // bytes
	Format Format
}

// String renders the canonical hash-size-width-height-format form.
func (f FileId) String() string {
	return fmt.Sprintf("%s-%d-%d-%d-%s", f.Hash, f.Size, f.Width, f.Height, f.Format)
}

// Equals reports structural equality between two FileIds.
func (f FileId) Equals(other FileId) bool {
	return f == other
}

// HashPrefix returns the first n hex characters of the hash, used for both
// the static-range membership test and the two-level cache directory
// layout.
func (f FileId) HashPrefix(n int) string {
	if n > len(f.Hash) {
		n = len(f.Hash)
	}
	return f.Hash[:n]
}

const hashLen = 40

// Parse parses the hash-size-width-height-format serialized form of a
// FileId. It validates the hash length, numeric fields, and format tag.
func Parse(s string) (FileId, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return FileId{}, fmt.Errorf("fileid: expected 5 '-'-separated fields, got %d in %q", len(parts), s)
	}

	hash := strings.ToLower(parts[0])
	if len(hash) != hashLen {
		return FileId{}, fmt.Errorf("fileid: hash must be %d hex characters, got %d", hashLen, len(hash))
	}
	for _, c := range hash {
		if !isHex(c) {
			return FileId{}, fmt.Errorf("fileid: hash %q is not hex", hash)
		}
	}

	size, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return FileId{}, fmt.Errorf("fileid: invalid size %q: %w", parts[1], err)
	}
	width, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return FileId{}, fmt.Errorf("fileid: invalid width %q: %w", parts[2], err)
	}
	height, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return FileId{}, fmt.Errorf("fileid: invalid height %q: %w", parts[3], err)
	}

	format := Format(strings.ToLower(parts[4]))
	if !validFormat(format) {
		return FileId{}, fmt.Errorf("fileid: unrecognized format %q", parts[4])
	}

	return FileId{
		Hash:   hash,
		Width:  uint(width),
		Height: uint(height),
		Size:   uint(size),
		Format: format,
	}, nil
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
