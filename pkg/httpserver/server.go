// Package httpserver implements the accept loop, router, and response
// shaping described in §4.F: the image-serve and servercmd routes, the
// speed-test responder, connection capping, and per-connection
// throttling.
package httpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/credentials"
	"github.com/hathnode/hathnode/pkg/fetch"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/rpcclient"
	"github.com/hathnode/hathnode/pkg/store"
	"github.com/hathnode/hathnode/pkg/tlscell"
)

// Deps are the components the server dispatches into; it owns none of
// their lifecycles.
type Deps struct {
	Store   *store.Store
	Fetcher *fetch.Fetcher
	RPC     *rpcclient.Client
	Cell    *tlscell.Cell
	Creds   credentials.Credentials
	Log     logging.Logger

	// Commands receives decoded servercmd requests for the control loop
	// to act on (ReloadCert, RefreshSettings, StartDownloader).
	Commands chan<- Command
}

// Server wraps an http.Server bound to a hot-swappable TLS config.
type Server struct {
	deps       Deps
	httpServer *http.Server
	maxConns   int
}

// New builds a Server listening on port once Serve is called. maxConns
// caps concurrent accepted connections (0 = unbounded).
func New(deps Deps, port uint16, maxConns int) *Server {
	if deps.Log == nil {
		deps.Log = logging.Nop{}
	}

	s := &Server{deps: deps, maxConns: maxConns}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router(),
		TLSConfig:    deps.Cell.Config(),
		ReadTimeout:  constants.ClientRequestTimeout,
		WriteTimeout: constants.ClientRequestTimeout,
		IdleTimeout:  constants.ClientRequestTimeout,
	}
	return s
}

// Serve accepts connections until Shutdown is called, returning once the
// underlying listener is closed. It does not watch ctx itself: draining is
// the control loop's job, via Shutdown, so that a single code path owns the
// grace window and in-flight requests are never cut off by a second,
// unsynchronized close.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.httpServer.Addr, err)
	}
	ln = &tcpNoDelayListener{TCPListener: ln.(*net.TCPListener)}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	tlsLn := tls.NewListener(ln, s.httpServer.TLSConfig)

	err = s.httpServer.Serve(tlsLn)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits up to
// constants.ShutdownGrace for in-flight requests to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// tcpNoDelayListener sets TCP_NODELAY on every accepted connection (§4.F).
type tcpNoDelayListener struct {
	*net.TCPListener
}

func (l *tcpNoDelayListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(30 * time.Second)
	return conn, nil
}
