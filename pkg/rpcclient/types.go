// Package rpcclient implements signed RPC calls to the coordinator (§4.C):
// login, certificate issuance, settings, keep-alive, purge lists, and
// shutdown notification, with bounded retry and fatal/transient error
// classification.
package rpcclient

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"
)

// Settings is the coordinator-owned configuration snapshot (§3). Readers
// hold a shared pointer to one of these; updates replace the pointer
// rather than mutating fields in place.
type Settings struct {
	ClientPort           uint16
	DiskLimitBytes       uint64
	StaticRange          []string
	VerifyCache          bool
	RPCServerIPWhitelist []net.IP
	ThrottleBytesPerSec  uint32
}

// Cert is a parsed PKCS#12 identity bundle (§3).
type Cert struct {
	Leaf       *x509.Certificate
	PrivateKey interface{}
	Chain      []*x509.Certificate
	NotAfter   time.Time
}

// TLSCertificate adapts Cert to the shape crypto/tls.Config wants.
func (c Cert) TLSCertificate() tls.Certificate {
	raw := make([][]byte, 0, 1+len(c.Chain))
	raw = append(raw, c.Leaf.Raw)
	for _, ca := range c.Chain {
		raw = append(raw, ca.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Leaf,
	}
}

// LoginResult is returned by Login: the coordinator's clock offset and an
// initial settings snapshot.
type LoginResult struct {
	ClockOffset time.Duration
	ServerList  []string
	Settings    Settings
}
