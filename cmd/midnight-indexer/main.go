// Package main provides midnight-indexer - a Substrate chain indexer for
// the Midnight ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/midnight-ntwrk/midnight-indexer/internal/chainindexer"
	"github.com/midnight-ntwrk/midnight-indexer/internal/config"
	"github.com/midnight-ntwrk/midnight-indexer/internal/eventbus"
	"github.com/midnight-ntwrk/midnight-indexer/internal/indexstore"
	"github.com/midnight-ntwrk/midnight-indexer/internal/metrics"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
	"github.com/midnight-ntwrk/midnight-indexer/internal/objectstore"
	"github.com/midnight-ntwrk/midnight-indexer/internal/walletindexer"
	"github.com/midnight-ntwrk/midnight-indexer/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.midnight-indexer", "Data directory")
		metricsAddr = flag.String("metrics", "127.0.0.1:9100", "Prometheus metrics address")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		println("midnight-indexer " + version + " (commit: " + commit + ")")
		os.Exit(0)
	}

	log := logging.Default()
	logging.SetDefault(log)

	dataPath := config.ExpandPath(*dataDir)
	cfg, err := config.Load(dataPath)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(dataPath), "network", cfg.NetworkID)

	m := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(m.Collectors()...)

	idx, err := indexstore.New(indexstore.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("failed to open index store", "error", err)
	}
	defer idx.Close()

	objects, err := openObjectStore(cfg, idx)
	if err != nil {
		log.Fatal("failed to open object store", "error", err)
	}
	if closer, ok := objects.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	decoderRegistry, err := nodeadapter.NewRegistry(nodeadapter.DecoderV1{})
	if err != nil {
		log.Fatal("failed to build protocol registry", "error", err)
	}

	node := nodeadapter.New(cfg.Node.URL, nodeadapter.ReconnectPolicy{
		MaxAttempts: cfg.Node.ReconnectMaxAttempts,
		MaxDelay:    cfg.Node.ReconnectMaxDelay,
	}, decoderRegistry, m)

	bus := eventbus.New()

	pipeline := chainindexer.New(chainindexer.Deps{
		Node:      node,
		Index:     idx,
		Objects:   objects,
		Bus:       bus,
		Metrics:   m,
		NetworkID: cfg.NetworkID,
	})

	wallets := walletindexer.New(walletindexer.Deps{
		Index:   idx,
		Bus:     bus,
		Metrics: m,
		Config:  cfg.WalletIndexer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		log.Info("metrics listening", "addr", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	go runChainIndexer(ctx, log.Component("chainindexer"), pipeline, m)
	go runWalletIndexer(ctx, log.Component("walletindexer"), wallets)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping metrics server", "error", err)
	}

	log.Info("goodbye")
}

// openObjectStore picks the LedgerState backing store per §4.3: a
// dedicated local file normally, or the relational store's own database
// when storage.cloud_mode shares it.
func openObjectStore(cfg *config.Config, idx *indexstore.Store) (objectstore.ObjectStore, error) {
	if cfg.Storage.CloudMode {
		return objectstore.NewCloudStore(idx.DB())
	}
	return objectstore.Open(cfg.Storage.DataDir)
}

// runChainIndexer restarts the Chain Indexer pipeline whenever Run returns
// an error: the relational transaction and object-store batch for the
// failing block were never committed, so the persisted cursor still
// reflects the last good block and the next Run call reloads it fresh
// (§4.4 step 5, §7 "block re-attempted on reconnect").
func runChainIndexer(ctx context.Context, log *logging.Logger, p *chainindexer.Pipeline, m *metrics.Metrics) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := p.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		m.ReconnectAttempts.Inc()
		log.Error("chain indexer stopped, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runWalletIndexer restarts the Wallet Indexer's emission loop on error,
// mirroring the Chain Indexer's retry policy; a transient database error
// must not permanently stop wallet relevance scanning.
func runWalletIndexer(ctx context.Context, log *logging.Logger, w *walletindexer.WalletIndexer) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		log.Error("wallet indexer stopped, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
