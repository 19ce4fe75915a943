// Command hathnode is a Hentai@Home-compatible cache node: it logs into
// the coordinator, serves cached and proxied image objects over TLS, and
// keeps itself alive with periodic check-ins and purge sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hathnode/hathnode/pkg/config"
	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/control"
	"github.com/hathnode/hathnode/pkg/credentials"
	"github.com/hathnode/hathnode/pkg/dirutil"
	"github.com/hathnode/hathnode/pkg/fetch"
	"github.com/hathnode/hathnode/pkg/httpserver"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
	"github.com/hathnode/hathnode/pkg/rpcclient"
	"github.com/hathnode/hathnode/pkg/store"
	"github.com/hathnode/hathnode/pkg/tlscell"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	devLog := flag.Bool("dev-log", false, "use human-readable console logging instead of JSON")
	flag.Parse()

	log, err := logging.NewZap(*devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hathnode: building logger: %v\n", err)
		return constants.ExitGeneric
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading config", logging.F("err", err.Error()))
		return constants.ExitGeneric
	}

	if err := dirutil.NewDefault().CreateAll(cfg.Dirs()...); err != nil {
		log.Error("creating data directories", logging.F("err", err.Error()))
		return constants.ExitGeneric
	}

	log.Info("hathnode starting", logging.F("version", constants.ClientVersion))

	creds, err := credentials.Load(cfg.DataDir)
	if err != nil {
		log.Error("loading credentials", logging.F("err", err.Error()))
		return constants.ExitCredentialMissing
	}
	log.Info("loaded credentials", logging.F("client", creds.String()))

	rpc := rpcclient.New(cfg.RPCBase, creds, log)

	snapshotPath := rpcclient.SnapshotPath(cfg.DataDir)
	if err := rpc.LoadSettingsSnapshotInto(snapshotPath); err != nil {
		log.Error("loading settings snapshot", logging.F("err", err.Error()))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var settings rpcclient.Settings
	loginResult, err := rpc.Login(ctx)
	if err != nil {
		cached := rpc.Settings()
		if cached.ClientPort == 0 {
			log.Error("login failed", logging.F("err", err.Error()))
			return constants.ExitGeneric
		}
		log.Error("login failed, continuing under last-known settings snapshot", logging.F("err", err.Error()))
		settings = cached
	} else {
		settings = loginResult.Settings
		log.Info("logged in", logging.F("client_port", settings.ClientPort), logging.F("disk_limit_bytes", settings.DiskLimitBytes))

		if err := rpcclient.SaveSettingsSnapshot(snapshotPath, settings); err != nil {
			log.Error("saving settings snapshot", logging.F("err", err.Error()))
		}
	}

	registry := prometheus.NewRegistry()
	metrics := store.NewMetrics(registry)

	staticRange := store.NewStaticRange(settings.StaticRange)
	st, err := store.New(cfg.CacheDir, cfg.TempDir, settings.DiskLimitBytes, staticRange,
		store.WithLogger(log),
		store.WithMetrics(metrics),
	)
	if err != nil {
		log.Error("opening store", logging.F("err", err.Error()))
		return constants.ExitGeneric
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server exited with error", logging.F("err", err.Error()))
			}
		}()
		go func() {
			<-ctx.Done()
			metricsServer.Close()
		}()
	}

	lruPath := filepath.Join(cfg.DataDir, "lru.dat")
	if err := st.LoadPersisted(lruPath); err != nil {
		log.Error("loading persisted lru index", logging.F("err", err.Error()))
	}
	if err := st.RemoveOrphanTemps(); err != nil {
		log.Error("removing orphan temp files", logging.F("err", err.Error()))
	}

	log.Info("verifying cache contents", logging.F("deep", settings.VerifyCache))
	if err := st.Reconcile(store.ReconcileOptions{DeepVerify: settings.VerifyCache, ShowProgress: isTerminal()}); err != nil {
		log.Error("cache reconcile failed", logging.F("err", err.Error()))
	}

	cert, err := rpc.GetCert(ctx)
	if err != nil {
		log.Error("fetching certificate", logging.F("err", err.Error()))
		return constants.ExitGeneric
	}
	if time.Until(cert.NotAfter) < 24*time.Hour {
		driftErr := nodeerr.NewClockDrift("certificate valid until %s, less than a day remains: local clock is likely off", cert.NotAfter)
		log.Error("retrieved certificate is expired or the system clock is off by more than a day", logging.F("err", driftErr.Error()))
		return constants.ExitCertExpiredOrDrift
	}

	cell := tlscell.New()
	cell.Swap(cert)

	fetcher := fetch.New(st, log)
	commands := make(chan httpserver.Command, 1)

	server := httpserver.New(httpserver.Deps{
		Store:    st,
		Fetcher:  fetcher,
		RPC:      rpc,
		Cell:     cell,
		Creds:    creds,
		Log:      log,
		Commands: commands,
	}, settings.ClientPort, cfg.MaxConnections)

	serveErrs := make(chan error, 1)
	go func() {
		serveErrs <- server.Serve(ctx)
	}()

	log.Info("notifying coordinator that startup finished")
	if err := rpc.ConnectCheck(ctx); err != nil {
		log.Error("connect check failed", logging.F("err", err.Error()))
		server.Shutdown()
		cancel()
		<-serveErrs
		return constants.ExitConnectTestFailed
	}

	if _, err := rpc.RefreshSettings(ctx); err != nil {
		log.Error("initial refresh_settings failed", logging.F("err", err.Error()))
	}

	if purged, err := rpc.GetPurgeList(ctx, constants.StartupPurgeWindowSeconds*time.Second); err != nil {
		log.Error("startup get_purgelist failed", logging.F("err", err.Error()))
	} else {
		for _, id := range purged {
			st.Remove(id)
		}
		log.Info("applied startup purge list", logging.F("count", len(purged)))
	}

	log.Info("initialization complete, entering normal operation")

	loop := control.New(control.Deps{
		Store:    st,
		RPC:      rpc,
		Cell:     cell,
		Server:   server,
		Commands: commands,
		Log:      log,
		LRUPath:  lruPath,
	})

	exitCode := loop.Run(ctx)

	select {
	case err := <-serveErrs:
		if err != nil {
			log.Error("http server exited with error", logging.F("err", err.Error()))
		}
	case <-time.After(constants.ShutdownGrace):
		log.Error("timed out waiting for http server to stop")
	}

	return exitCode
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
