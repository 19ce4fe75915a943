// Package digest implements the keyed hex digests used to sign URLs and RPC
// bodies, as specified in §4.A. Every signature in the system is the SHA-1
// hex digest of a '-'-joined template string defined at the call site.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
)

// Sum returns the lowercase 40-hex-character SHA-1 digest of s.
func Sum(s []byte) string {
	sum := sha1.Sum(s)
	return hex.EncodeToString(sum[:])
}

// Sign is a convenience wrapper for the common case of signing a UTF-8
// template string, e.g. Sign(fmt.Sprintf("hentai@home-%s-...", action)).
func Sign(template string) string {
	return Sum([]byte(template))
}

// Verify reports whether candidate is the correct signature of template,
// using a constant-time-irrelevant equality check: digests are public hex
// strings, not secrets, so the comparison only needs to be correct, not
// side-channel resistant.
func Verify(template, candidate string) bool {
	return Sign(template) == candidate
}
