// Package constants defines cross-cutting defaults for timing, exit codes,
// and protocol framing used throughout the node.
package constants

import "time"

// Control loop timing (§4.G).
const (
	// TickInterval drives the control loop's monotonic counter.
	TickInterval = 10 * time.Second

	// KeepAliveEveryTicks: still_alive() is sent every 11th tick (~110s).
	KeepAliveEveryTicks = 11

	// PurgeSweepEveryTicks: a purge-list sweep runs every 2160th tick (~6h).
	PurgeSweepEveryTicks = 2160

	// KeepAliveDeadline is the coordinator's de-registration window; a
	// still_alive must land at least this often.
	KeepAliveDeadline = 110 * time.Second

	// PurgeSweepWindowSeconds is the "seconds" argument passed to
	// get_purgelist on the periodic 6-hour sweep.
	PurgeSweepWindowSeconds = 43200

	// StartupPurgeWindowSeconds is used for the one-time purge check at boot.
	StartupPurgeWindowSeconds = 259200

	// ShutdownGrace bounds how long in-flight requests get to finish
	// during a graceful shutdown.
	ShutdownGrace = 30 * time.Second
)

// Request authentication (§4.C, §4.F).
const (
	// MaxKeyTimeDrift is the allowed clock drift, in either direction, for
	// any signed request/time/key triple (keystamps, servercmd, RPC calls).
	MaxKeyTimeDrift = 300 * time.Second

	// ClientRequestTimeout bounds how long the HTTP server waits for a
	// client request to complete.
	ClientRequestTimeout = 15 * time.Second
)

// RPC client behavior (§4.C).
const (
	// RPCMaxAttempts is the number of attempts (including the first) made
	// per RPC call before giving up as CoordinatorTransient-exhausted.
	RPCMaxAttempts = 3

	// RPCBackoffBase is the base of the exponential backoff between RPC
	// retry attempts.
	RPCBackoffBase = 500 * time.Millisecond

	// RPCProtocolVersion is sent as clientbuild on every RPC call.
	RPCProtocolVersion = 176

	// RPCAPIVersion is the RPC path version segment ("/15/rpc").
	RPCAPIVersion = "15"
)

// Cache store (§4.B).
const (
	// EvictionWatermark is the fraction of size_limit eviction drains down
	// to once it starts.
	EvictionWatermark = 0.9

	// VerifyConcurrency bounds the startup integrity-walk's concurrency.
	VerifyConcurrency = 4
)

// Source fetch (§4.D).
const (
	// FetchTeeBufferSize is the copy buffer size for the upstream-to-disk
	// copy. FetchTeeBufferCount is not used by any component: the fetcher
	// copies straight to disk with no buffered channel.
	FetchTeeBufferCount = 16
	FetchTeeBufferSize  = 64 * 1024

	// SourceFetchTimeout bounds a single upstream hint attempt.
	SourceFetchTimeout = 60 * time.Second
)

// Speed-test handler (§4.H).
const (
	SpeedTestAttemptTimeout = 60 * time.Second
	SpeedTestMaxRetries     = 3
)

// Client identification sent with every request.
const (
	ClientVersion   = "1.0.0"
	ServerBannerFmt = "Genetic Lifeform and Distributed Open Server %s"
)

// Process exit codes (§6).
const (
	ExitNormal             = 0
	ExitGeneric            = 1
	ExitCredentialMissing  = 2
	ExitCertExpiredOrDrift = 3
	ExitConnectTestFailed  = 4
)
