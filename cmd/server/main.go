// Ledgerlink - conditional-transfer plugin over an escrow-capable ledger
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/ledgerlink/internal/config"
	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/health"
	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/logging"
	"github.com/mbd888/ledgerlink/internal/plugin"
	"github.com/mbd888/ledgerlink/internal/reconciler"
	"github.com/mbd888/ledgerlink/internal/server"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// demoFunding is the balance credited to the session address when the
// built-in ledger is used.
const demoFunding = int64(1_000_000)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ledgerlink",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	bus := events.NewBus(logger)
	reg := health.NewRegistry()

	// Cursor store: Postgres when configured, memory otherwise.
	var cursors reconciler.CursorStore = reconciler.NewMemoryCursorStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		cursors = reconciler.NewPostgresCursorStore(db, cfg.AssetID)
		reg.Register("database", health.DatabaseChecker(db))
		logger.Info("cursor persistence enabled")
	}

	deps := plugin.Deps{
		Cursors: cursors,
		Bus:     bus,
		Logger:  logger,
	}

	if cfg.HTLCContract != "" {
		// The EVM gateway covers contract operations only; reconciliation
		// needs an indexer-backed query client, which this binary does not
		// ship. See internal/gateway for library use against a real chain.
		logger.Error("HTLC_CONTRACT is set but no transaction indexer is configured, " +
			"unset it to run against the built-in ledger")
		os.Exit(1)
	}

	mem := ledger.NewMemory(cfg.AssetID)
	deps.Gateway = mem
	deps.Query = mem
	deps.Balance = mem

	identity, err := session.Resolve(cfg.PrivateKey, cfg.AssetID, session.Info{})
	if err != nil {
		logger.Error("failed to resolve session identity", "error", err)
		os.Exit(1)
	}
	mem.Fund(identity.Address, demoFunding)

	p := plugin.New(plugin.Config{
		PrivateKey: cfg.PrivateKey,
		AssetID:    cfg.AssetID,
		Info: session.Info{
			Prefix:        cfg.LedgerPrefix,
			CurrencyCode:  cfg.CurrencyCode,
			CurrencyScale: cfg.CurrencyScale,
		},
		PollInterval:  cfg.PollInterval,
		ExpiryGrace:   cfg.ExpiryGrace,
		MessageExpiry: cfg.MessageExpiry,
	}, deps)

	if err := p.Connect(ctx); err != nil {
		logger.Error("failed to connect plugin", "error", err)
		os.Exit(1)
	}
	reg.Register("plugin", health.PluginChecker(p))

	hub := events.NewWSHub(bus, logger)
	go hub.Run(ctx)

	srv := server.New(p, hub, reg, logger, cfg.IsProduction())
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := p.Disconnect(shutdownCtx); err != nil {
		logger.Warn("plugin disconnect failed", "error", err)
	}
	logger.Info("stopped")
}
