// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// prefixd is the FlowSpec control-plane daemon: it ingests
// attack-detection events, turns them into BGP FlowSpec mitigations
// through Components A-F, and serves a Prometheus scrape endpoint for
// the resulting metrics (spec §1). Grounded on the teacher's
// foreground-daemon entrypoints (cmd/flywall-sim/server.go,
// cmd/upgrade.go's RunUpgradeStandby): a signal-driven context plus a
// bounded drain on shutdown rather than the detaching/forking "ctl"
// supervisor used for the interactive CLI commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/prefixd/prefixd/internal/announcer"
	"github.com/prefixd/prefixd/internal/bus"
	"github.com/prefixd/prefixd/internal/config"
	"github.com/prefixd/prefixd/internal/ingest"
	"github.com/prefixd/prefixd/internal/inventory"
	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/obs"
	"github.com/prefixd/prefixd/internal/policy"
	"github.com/prefixd/prefixd/internal/reconcile"
	"github.com/prefixd/prefixd/internal/state"
)

func main() {
	configPath := flag.String("config", "/etc/prefixd/prefixd.hcl", "path to the daemon's HCL config file")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())
	logging.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("prefixd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *logging.Logger) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded", "pop", cfg.POP, "mode", cfg.Mode)

	store, err := state.Open(state.Options{
		DSN:               string(cfg.Store.DSN),
		MaxOpenConns:      cfg.Store.MaxOpenConns,
		BusyTimeoutMillis: cfg.Store.BusyTimeoutMillis,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := seedSafelist(context.Background(), store, cfg.SafelistFile, logger); err != nil {
		return fmt.Errorf("seed safelist: %w", err)
	}

	idx, invWatcher, err := loadInventory(cfg.InventoryFile, logger)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	if invWatcher != nil {
		defer invWatcher.Close()
	}

	playbooks, polWatcher, err := loadPlaybooks(cfg.PlaybookFile, logger)
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}
	if polWatcher != nil {
		defer polWatcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ann, err := announcer.Dial(ctx, announcer.Config{
		Address:               cfg.Speaker.Address,
		ConnectTimeoutSeconds: cfg.Speaker.ConnectTimeoutSeconds,
		RequestTimeoutSeconds: cfg.Speaker.RequestTimeoutSeconds,
		Insecure:              cfg.Speaker.Insecure,
		TLSCertFile:           cfg.Speaker.TLSCertFile,
		TLSKeyFile:            cfg.Speaker.TLSKeyFile,
		TLSCAFile:             cfg.Speaker.TLSCAFile,
		MaxRPS:                cfg.Speaker.MaxRPS,
	}, logger)
	if err != nil {
		return fmt.Errorf("dial bgp speaker: %w", err)
	}
	defer ann.Close()

	metrics := obs.New()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	eventBus := bus.New(logger)

	loop := reconcile.New(reconcile.Config{
		POP:      cfg.POP,
		Interval: time.Duration(cfg.Timers.ReconciliationIntervalSeconds) * time.Second,
	}, store, ann, eventBus, metrics, logger)

	coordinator := ingest.New(idx, playbooks, store, ann, eventBus, metrics, logger, cfg.POP, cfg)

	metricsServer := startMetricsServer(cfg.MetricsAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// The reconciliation loop and the signal wait share one errgroup: a
	// shutdown signal makes the signal goroutine return an error, which
	// cancels gctx, stops the loop and unblocks the wait below. The loop
	// goroutine always returns nil, so its exit cancels nothing.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Start(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal, draining", "signal", sig.String())
			return fmt.Errorf("shutdown requested: %s", sig)
		case <-gctx.Done():
			return nil
		}
	})

	logger.Info("prefixd started", "pop", cfg.POP, "speaker", cfg.Speaker.Address, "metrics_addr", cfg.MetricsAddr)
	_ = coordinator // exposed to the (out-of-scope) detector-facing front end

	// Wait returns once the signal goroutine cancels gctx and the
	// reconciliation loop observes it; the loop never runs concurrently
	// with the shutdown phase below.
	_ = g.Wait()

	drainTimeout := time.Duration(cfg.Timers.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	shutdown(loop, metricsServer, drainTimeout, logger)
	return nil
}

// shutdown stops the reconciliation loop (already stopped by gctx
// cancellation, so this single Stop call returns at once) and the metrics server within a
// bounded window. It never withdraws already-announced FlowSpec rules:
// mitigations in flight at shutdown stay enforced, fail-open toward "keep
// protecting", until the next process picks them back up (spec §5
// "graceful shutdown").
func shutdown(loop *reconcile.Loop, metricsServer *http.Server, timeout time.Duration, logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("reconciliation loop did not stop within drain timeout", "timeout", timeout.String())
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}

	logger.Info("prefixd stopped")
}

// startMetricsServer serves the Prometheus scrape endpoint in the
// background. A blank address disables it.
func startMetricsServer(addr string, logger *logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", addr)
	return srv
}

// loadInventory reads the initial customer inventory and, if the file is
// set, starts a watcher that hot-reloads it on change (spec §4.1,
// §9 "dynamic configuration objects").
func loadInventory(path string, logger *logging.Logger) (*inventory.Index, *inventory.Watcher, error) {
	if path == "" {
		return inventory.NewIndex(nil), nil, nil
	}
	customers, err := inventory.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	idx := inventory.NewIndex(customers)
	watcher, err := inventory.NewWatcher(idx, path, logger)
	if err != nil {
		return nil, nil, err
	}
	return idx, watcher, nil
}

// loadPlaybooks reads the initial playbook ladder and, if the file is
// set, starts a watcher that hot-reloads it on change.
func loadPlaybooks(path string, logger *logging.Logger) (*policy.Holder, *policy.Watcher, error) {
	if path == "" {
		return policy.NewHolder(nil), nil, nil
	}
	playbooks, err := policy.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	holder := policy.NewHolder(playbooks)
	watcher, err := policy.NewWatcher(holder, path, logger)
	if err != nil {
		return nil, nil, err
	}
	return holder, watcher, nil
}

type fileSafelistEntry struct {
	Prefix string `yaml:"prefix"`
	Reason string `yaml:"reason"`
}

type safelistDocument struct {
	Entries []fileSafelistEntry `yaml:"safelist"`
}

// seedSafelist upserts every entry in path into the store. A blank path
// is a no-op; the safelist itself lives in the store (spec §4.4), this
// file only bootstraps it on a fresh database.
func seedSafelist(ctx context.Context, store *state.Store, path string, logger *logging.Logger) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var doc safelistDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for _, e := range doc.Entries {
		prefix, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			return fmt.Errorf("safelist entry %q: %w", e.Prefix, err)
		}
		if err := store.AddSafelistEntry(ctx, mitigation.SafelistEntry{
			Prefix:    prefix,
			Reason:    e.Reason,
			CreatedBy: "bootstrap",
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("seed safelist entry %q: %w", e.Prefix, err)
		}
	}
	logger.Info("safelist seeded", "entries", len(doc.Entries))
	return nil
}
