/*
main.go - Application entry point

PURPOSE:

	Initializes and starts the billing engine server. Handles
	configuration, dependency injection, background payment sync, and
	graceful shutdown.

STARTUP SEQUENCE:
 1. Load configuration (env vars via viper, flag overrides)
 2. Initialize zap logger
 3. Open SQLite store
 4. Wire ledgers, reporter, accounting client, scheduler
 5. Start server with graceful shutdown

CONFIGURATION:

	SERVER_PORT      HTTP server port (default: 8080)
	DATABASE_PATH    SQLite database path (default: billing.db,
	                 ":memory:" for in-memory)
	SYNC_INTERVAL    Payment sync poll interval (default: 15m)
	SYNC_ENABLED     Enable the background payment sync (default: true)
	CORS_ORIGINS     Comma-separated allowed origins
	LOG_LEVEL        zap level: debug, info, warn, error (default: info)

	Flags -port and -db override the corresponding env vars.

GRACEFUL SHUTDOWN:

	On SIGINT/SIGTERM:
	1. Stop the payment sync scheduler
	2. Stop accepting new connections
	3. Wait for active requests to complete (30s timeout)
	4. Close database connection
	5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background payment sync
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/billing-engine/accounting"
	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	cfg := loadConfig()

	logger, err := buildLogger(cfg.GetString("log_level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Store
	store, err := sqlite.New(cfg.GetString("database_path"))
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Accounting integration. The stub stands in for the external
	// accounting system in development; swap for a real client here.
	acct := accounting.NewStubClient()

	// Ledgers
	events := billing.NewEventLedger(store, store, billing.NewFeeCalculator(), store, logger)
	invoices := invoicing.NewInvoiceLedger(store, events, acct, store, store, logger)
	reporter := invoicing.NewReconciliationReporter(store)

	handler := api.NewHandler(store, store, events, invoices, reporter, store, logger)
	router := api.NewRouter(handler, cfg.GetStringSlice("cors_origins"))

	// Background payment sync
	sync := api.NewPaymentSyncScheduler(acct, invoices, logger)
	sync.PollInterval = cfg.GetDuration("sync_interval")
	sync.Enabled = cfg.GetBool("sync_enabled")
	sync.Start()
	defer sync.Stop()

	port := cfg.GetInt("server_port")
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", port),
			zap.String("database", cfg.GetString("database_path")))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("server_port", 8080)
	v.SetDefault("database_path", "billing.db")
	v.SetDefault("sync_interval", 15*time.Minute)
	v.SetDefault("sync_enabled", true)
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("log_level", "info")
	v.AutomaticEnv()

	port := flag.Int("port", 0, "HTTP server port (overrides SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	flag.Parse()

	if *port != 0 {
		v.Set("server_port", *port)
	}
	if *dbPath != "" {
		v.Set("database_path", *dbPath)
	}
	return v
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
