// Klingnet UTXO index daemon.
//
// Usage:
//
//	indexerd [--api-addr=...] Run the indexer
//	indexerd --help          Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-index/config"
	"github.com/Klingon-tech/klingnet-index/internal/api"
	"github.com/Klingon-tech/klingnet-index/internal/coordinator"
	"github.com/Klingon-tech/klingnet-index/internal/dbmanager"
	"github.com/Klingon-tech/klingnet-index/internal/errs"
	klog "github.com/Klingon-tech/klingnet-index/internal/log"
	"github.com/Klingon-tech/klingnet-index/internal/processor"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/indexerd.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("main")

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("db_dsn_host", dsnHostOnly(cfg.Database.DSN)).
		Msg("Starting Klingnet index daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 3. Database manager (one connect attempt, then background retry) ─
	db := dbmanager.New(dbmanager.Config{
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		BackoffBase:      time.Duration(cfg.Database.BackoffBase) * time.Millisecond,
		BackoffCap:       time.Duration(cfg.Database.BackoffCapMs) * time.Millisecond,
		BackoffMaxTries:  cfg.Database.BackoffMaxTries,
		HealthCheckEvery: time.Duration(cfg.Database.HealthCheckEvery) * time.Second,
	})
	db.Initialize(ctx)
	defer db.Shutdown()

	// ── 4. Coordinator (single-writer mutation queue) ───────────────────
	coord := coordinator.New(256)
	defer coord.Shutdown()

	// ── 5. Error log + processor ─────────────────────────────────────────
	errLog := errs.NewLog(1000)
	proc := processor.New(db, coord, errLog, int64(cfg.Rollback.MaxDepth))

	// ── 6. HTTP API server ───────────────────────────────────────────────
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(api.Config{
			Addr:         fmt.Sprintf("%s:%d", addrHost(cfg.API.Addr), cfg.API.Port),
			AllowedIPs:   cfg.API.AllowedIPs,
			CORSOrigins:  cfg.API.CORSOrigins,
			MaxBodyBytes: int64(cfg.API.MaxBodyKB) * 1024,
		}, proc, db)

		if err := apiServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start API server")
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = apiServer.Stop(shutdownCtx)
		}()
	}

	// ── 7. Startup banner ─────────────────────────────────────────────────
	logger.Info().
		Bool("api_enabled", cfg.API.Enabled).
		Int("rollback_max_depth", cfg.Rollback.MaxDepth).
		Msg("Indexer started successfully")

	// ── 8. Wait for shutdown ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	logger.Info().Msg("Goodbye!")
}

// addrHost returns the wildcard 0.0.0.0 for an empty bind address and the
// address unchanged otherwise; config already validates the port range
// separately.
func addrHost(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}

// dsnHostOnly avoids logging credentials embedded in a DSN.
func dsnHostOnly(dsn string) string {
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '@' {
			return dsn[i+1:]
		}
	}
	return dsn
}
