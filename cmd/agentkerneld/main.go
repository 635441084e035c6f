// Package main — cmd/agentkerneld/main.go
//
// agentkerneld entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/agentkernel/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the BoltDB audit ledger.
//  4. Prune stale ledger entries.
//  5. Assemble the kernel core (scheduler, memory, quota, syscall,
//     fault, healing, resilience subsystems).
//  6. Start the Prometheus metrics server (127.0.0.1:9091).
//  7. Start the lease-sweeper and predictive-healing background loops.
//  8. Start the operator admin socket (if enabled).
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Stop accepting operator connections.
//  3. Close the audit ledger.
//  4. Flush logger.
//  5. Exit 0.
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

	"github.com/octoreflex/agentkernel/internal/audit"
	"github.com/octoreflex/agentkernel/internal/config"
	"github.com/octoreflex/agentkernel/internal/kernelcore"
	"github.com/octoreflex/agentkernel/internal/operator"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/agentkernel/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("agentkerneld %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("agentkerneld starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB audit ledger ─────────────────────────────
	db, err := audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
	if err != nil {
		log.Fatal("audit ledger open failed", zap.Error(err),
			zap.String("path", cfg.Audit.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("audit ledger opened", zap.String("path", cfg.Audit.DBPath))

	// ── Step 4: Prune stale ledger entries ───────────────────────────
	pruned, err := db.PruneOld()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 5: Assemble kernel core ─────────────────────────────────
	core := kernelcore.New(cfg, db, log)
	log.Info("kernel core assembled",
		zap.Int("cpu_count", core.SMP.CPUCount()),
		zap.Bool("smp_enabled", cfg.SMP.Enabled),
		zap.Bool("ml_client_enabled", cfg.MLClient.Enabled),
	)

	// ── Step 6: Prometheus metrics ────────────────────────────────────
	go func() {
		if err := core.Metrics().ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Background loops ──────────────────────────────────────
	go core.RunLeaseSweeper(ctx, cfg.Memory.LeaseSweepInterval)
	go core.RunHealthChecks(ctx, cfg.Healing.CheckInterval)
	log.Info("background loops started",
		zap.Duration("lease_sweep_interval", cfg.Memory.LeaseSweepInterval),
		zap.Duration("health_check_interval", cfg.Healing.CheckInterval),
	)

	// ── Step 8: Operator admin socket ────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, core, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 9: SIGHUP hot-reload ─────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful",
				zap.Float64("new_healing_failure_threshold", newCfg.Healing.FailureThreshold))
			// The reloaded config is only validated and logged; running
			// subsystems keep the settings they were built with.
			_ = newCfg
		}
	}()

	// ── Step 10: Wait for shutdown signal ─────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(100 * time.Millisecond) // let background loops observe ctx.Done()

	log.Info("agentkerneld shutdown complete")
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
