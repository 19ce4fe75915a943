// Package tlscell implements the hot-swappable TLS context holder of
// §4.E: a single-writer/multi-reader cell that lets the control loop push
// a freshly rotated certificate into the HTTP server without restarting
// it or disturbing connections already in flight.
package tlscell

import (
	"crypto/tls"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"

	"github.com/hathnode/hathnode/pkg/rpcclient"
)

// aesniCipherOrder prefers AES-GCM, the fast path when the CPU has AES-NI.
var aesniCipherOrder = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// chachaCipherOrder prefers ChaCha20-Poly1305, cheaper without AES-NI.
var chachaCipherOrder = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

// cipherOrder picks the cipher suite preference list for this CPU,
// reordering toward ChaCha20-Poly1305 when AES-NI is unavailable (§4.E).
func cipherOrder() []uint16 {
	if cpuid.CPU.Supports(cpuid.AESNI) {
		return aesniCipherOrder
	}
	return chachaCipherOrder
}

// Cell holds the current *tls.Config behind an atomic pointer. Readers
// (GetConfigForClient, called once per handshake) never block; Swap
// blocks only with respect to other writers, never readers.
type Cell struct {
	current atomic.Pointer[tls.Config]
}

// New builds a Cell with no certificate installed; handshakes fail until
// the first Swap.
func New() *Cell {
	return &Cell{}
}

// Swap builds a new *tls.Config from cert and installs it atomically.
// Connections already accepted under the previous config are unaffected;
// only the next handshake observes the change.
func (c *Cell) Swap(cert rpcclient.Cert) {
	cfg := &tls.Config{
		MinVersion:             tls.VersionTLS12,
		Certificates:           []tls.Certificate{cert.TLSCertificate()},
		CipherSuites:           cipherOrder(),
		Renegotiation:          tls.RenegotiateNever,
		SessionTicketsDisabled: false,
	}
	c.current.Store(cfg)
}

// Config returns a *tls.Config suitable for tls.Listener / http.Server:
// GetConfigForClient reads the current cell contents lock-free on every
// handshake, so a Swap mid-flight is picked up by the very next
// connection without touching ones already accepted.
func (c *Cell) Config() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return c.current.Load(), nil
		},
	}
}

// Loaded reports whether a certificate has been installed yet.
func (c *Cell) Loaded() bool {
	return c.current.Load() != nil
}
