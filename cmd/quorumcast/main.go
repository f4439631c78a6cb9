// Package main — cmd/quorumcast/main.go
//
// quorumcast node entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/quorumcast/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Generate the node identity (ECDSA/P-256 + BLS12-381 key pairs).
//  4. Open the optional delivery ledger.
//  5. Start the Prometheus metrics server (127.0.0.1:9094).
//  6. Bind the router and publisher sockets; start the transport loops.
//  7. Start the broadcast engine, congestion monitors, and batch builder.
//  8. Send PeerDiscovery to every bootstrap router; wait for the roster.
//  9. Optionally feed pacing gossips (-gossip-interval) for soak runs.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Flush any pending responses.
//  3. Close transport sockets and peer channels.
//  4. Close the ledger.
//  5. Flush logger. Exit 0.
//
// On config validation failure: exit 1 immediately.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quorumcast/quorumcast/internal/batch"
	"github.com/quorumcast/quorumcast/internal/broadcast"
	"github.com/quorumcast/quorumcast/internal/config"
	"github.com/quorumcast/quorumcast/internal/congestion"
	"github.com/quorumcast/quorumcast/internal/identity"
	"github.com/quorumcast/quorumcast/internal/message"
	"github.com/quorumcast/quorumcast/internal/observability"
	"github.com/quorumcast/quorumcast/internal/sequencer"
	"github.com/quorumcast/quorumcast/internal/storage"
	"github.com/quorumcast/quorumcast/internal/transport"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/quorumcast/config.yaml", "Path to config.yaml")
	gossipEvery := flag.Duration("gossip-interval", 0,
		"When > 0, feed one pacing gossip per interval (soak testing)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("quorumcast %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	// ── Step 3: Node identity ─────────────────────────────────────────────────
	id, err := identity.New()
	if err != nil {
		log.Fatal("identity generation failed", zap.Error(err))
	}

	log.Info("quorumcast starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", id.NodeID),
		zap.String("router", cfg.Node.RouterBind),
		zap.String("publisher", cfg.Node.PublisherBind),
		zap.String("config", *configPath),
	)

	// ── Root context with cancellation ────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Optional delivery ledger ──────────────────────────────────────
	var ledger *storage.Ledger
	if cfg.Storage.LedgerEnabled {
		ledger, err = storage.Open(cfg.Storage.DBPath)
		if err != nil {
			log.Fatal("ledger open failed", zap.Error(err),
				zap.String("path", cfg.Storage.DBPath))
		}
		defer ledger.Close() //nolint:errcheck
		log.Info("delivery ledger opened", zap.String("path", cfg.Storage.DBPath))
	}

	// ── Step 5: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Transport ─────────────────────────────────────────────────────
	registry := transport.NewRegistry(log)
	tp, err := transport.New(cfg.Node.RouterBind, cfg.Node.PublisherBind, registry, log)
	if err != nil {
		log.Fatal("transport init failed", zap.Error(err))
	}
	defer tp.Close()

	// ── Step 7: Engine, congestion, builder ──────────────────────────────────
	clock := sequencer.NewVectorClock()
	delivered := sequencer.NewDeliveredLog()
	ctrl := congestion.New(cfg.Congestion, cfg.AT2.MaxGossipTimeout, log)
	sampler := broadcast.NewSampler(cfg.AT2.SampleAlgorithm)

	var deliveryLedger broadcast.DeliveryLedger
	if ledger != nil {
		deliveryLedger = ledger
	}
	engine := broadcast.New(cfg.AT2, id, tp, sampler, clock, delivered, ctrl,
		metrics, deliveryLedger, log)
	engine.Start(ctx)
	tp.Start(ctx)
	ctrl.Run(ctx)

	builder := batch.New(id, clock, engine, ctrl, log)
	go builder.Run(ctx)

	// ── Step 8: Peer discovery ────────────────────────────────────────────────
	engine.Discover(cfg.Node.BootstrapRouters, cfg.Node.PublisherBind, cfg.Node.RouterBind)
	go waitForRoster(ctx, registry, len(cfg.Node.BootstrapRouters), log)

	// ── Step 9: Optional pacing feed ──────────────────────────────────────────
	if *gossipEvery > 0 {
		go feedGossips(ctx, builder, *gossipEvery)
		log.Info("pacing gossip feed enabled", zap.Duration("interval", *gossipEvery))
	}

	// ── Step 10: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	engine.FlushPending()
	time.Sleep(500 * time.Millisecond) // let loops observe cancellation

	log.Info("quorumcast shutdown complete",
		zap.Int("delivered", delivered.Len()),
		zap.String("delivered_hash", delivered.Hash()))
}

// waitForRoster logs progress until every bootstrap peer has been
// discovered and dialed.
func waitForRoster(ctx context.Context, reg *transport.Registry, want int, log *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			got := reg.PeerCount()
			if got >= want {
				log.Info("all peers discovered",
					zap.Int("peers", got), zap.Int("channels", reg.ChannelCount()))
				return
			}
			log.Info("waiting for peers", zap.Int("got", got), zap.Int("need", want))
		}
	}
}

// feedGossips submits one timestamped gossip per interval.
func feedGossips(ctx context.Context, b *batch.Builder, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Submit(message.Gossip{
				MessageType: message.TypeGossip,
				Timestamp:   time.Now().Unix(),
			})
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
