// Package control implements the node's supervisory loop of §4.G: a
// 10-second ticker driving keep-alives and purge sweeps, a command
// channel carrying coordinator-issued actions over from the HTTP layer,
// and the graceful-shutdown sequence.
package control

import (
	"context"
	"time"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/httpserver"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
	"github.com/hathnode/hathnode/pkg/rpcclient"
	"github.com/hathnode/hathnode/pkg/store"
	"github.com/hathnode/hathnode/pkg/tlscell"
)

// Deps are the components the loop coordinates. None of their lifecycles
// are owned here except the loop's own goroutine.
type Deps struct {
	Store    *store.Store
	RPC      *rpcclient.Client
	Cell     *tlscell.Cell
	Server   *httpserver.Server
	Commands <-chan httpserver.Command
	Log      logging.Logger

	// LRUPath is where the LRU index snapshot is flushed on shutdown.
	LRUPath string
}

// Loop runs the control goroutine: ticking, keep-alives, purge sweeps,
// and command dispatch, until ctx is cancelled.
type Loop struct {
	deps Deps
}

func New(deps Deps) *Loop {
	if deps.Log == nil {
		deps.Log = logging.Nop{}
	}
	return &Loop{deps: deps}
}

// Run blocks until ctx is cancelled, then performs the graceful shutdown
// sequence and returns the exit code to use (§6). A fatal coordinator error
// on a tick ends it early with that error's exit code, without running the
// shutdown sequence.
func (l *Loop) Run(ctx context.Context) int {
	ticker := time.NewTicker(constants.TickInterval)
	defer ticker.Stop()

	var tick uint64
	resumed := false

	for {
		select {
		case <-ctx.Done():
			return l.shutdown()

		case cmd, ok := <-l.deps.Commands:
			if !ok {
				continue
			}
			l.dispatch(cmd)

		case <-ticker.C:
			tick++
			if exitCode, fatal := l.onTick(tick, &resumed); fatal {
				return exitCode
			}
		}
	}
}

// onTick runs the keep-alive and purge-sweep schedule for one tick.
// It returns (exitCode, true) only when a fatal coordinator error means
// the process should stop.
func (l *Loop) onTick(tick uint64, resumed *bool) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ClientRequestTimeout)
	defer cancel()

	if tick%constants.KeepAliveEveryTicks == 0 {
		if err := l.deps.RPC.StillAlive(ctx, *resumed); err != nil {
			if code, fatal := fatalExit(err); fatal {
				return code, true
			}
			l.deps.Log.Error("still_alive failed", logging.F("err", err.Error()))
		} else {
			*resumed = false
		}
	}

	if tick%constants.PurgeSweepEveryTicks == constants.PurgeSweepEveryTicks-1 {
		l.runPurgeSweep(ctx, constants.PurgeSweepWindowSeconds)
	}

	return 0, false
}

// runPurgeSweep fetches and applies the coordinator's purge list for the
// trailing window of the given number of seconds.
func (l *Loop) runPurgeSweep(ctx context.Context, windowSeconds int) {
	ids, err := l.deps.RPC.GetPurgeList(ctx, time.Duration(windowSeconds)*time.Second)
	if err != nil {
		l.deps.Log.Error("get_purgelist failed", logging.F("err", err.Error()))
		return
	}
	l.applyPurgeList(ids)
}

func (l *Loop) applyPurgeList(ids []fileid.FileId) {
	for _, id := range ids {
		l.deps.Store.Remove(id)
	}
	if len(ids) > 0 {
		l.deps.Log.Info("applied purge list", logging.F("count", len(ids)))
	}
}

// dispatch acts on one decoded servercmd. still_alive/speed_test are
// already fully handled at the HTTP layer and never reach here.
func (l *Loop) dispatch(cmd httpserver.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ClientRequestTimeout)
	defer cancel()

	switch cmd.Kind {
	case httpserver.CommandRefreshSettings:
		if _, err := l.deps.RPC.RefreshSettings(ctx); err != nil {
			l.deps.Log.Error("refresh_settings failed", logging.F("err", err.Error()))
		}

	case httpserver.CommandRefreshCerts:
		l.refreshCert(ctx)

	case httpserver.CommandStartDownloader:
		// Downloader bootstrap is coordinator-side; the node's only
		// obligation is acknowledging the command, already done by the
		// HTTP handler's "OK" response.

	default:
		l.deps.Log.Debug("unhandled control command", logging.F("additional", cmd.Additional))
	}
}

// refreshCert pulls a fresh certificate from the coordinator and swaps it
// into the hot-reload cell.
func (l *Loop) refreshCert(ctx context.Context) {
	cert, err := l.deps.RPC.GetCert(ctx)
	if err != nil {
		l.deps.Log.Error("get_cert failed", logging.F("err", err.Error()))
		return
	}
	l.deps.Cell.Swap(cert)
	l.deps.Log.Info("certificate rotated", logging.F("not_after", cert.NotAfter.String()))
}

// fatalExit classifies a coordinator error as a required process exit,
// per the CoordinatorFatal → exit-code mapping of §6.
func fatalExit(err error) (code int, fatal bool) {
	if nodeerr.Is(err, nodeerr.CoordinatorFatal) {
		return constants.ExitConnectTestFailed, true
	}
	return 0, false
}

// shutdown runs the graceful-shutdown sequence: stop accepting, flush the
// LRU index, notify the coordinator, and return the normal exit code.
func (l *Loop) shutdown() int {
	l.deps.Log.Info("shutting down")

	if l.deps.Server != nil {
		if err := l.deps.Server.Shutdown(); err != nil {
			l.deps.Log.Error("server shutdown error", logging.F("err", err.Error()))
		}
	}

	if l.deps.Store != nil && l.deps.LRUPath != "" {
		if err := l.deps.Store.Persist(l.deps.LRUPath); err != nil {
			l.deps.Log.Error("lru persist failed", logging.F("err", err.Error()))
		}
		l.deps.Store.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
	defer cancel()
	l.deps.RPC.Shutdown(ctx)

	return constants.ExitNormal
}
