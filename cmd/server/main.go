/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logrus logger
  3. Open the SQL store (SQLite or PostgreSQL) and migrate
  4. Connect the optional Redis catalog cache
  5. Wire processor, idempotency middleware and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      Database DSN or SQLite path (overrides DATABASE_URL)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database and cache connections
  4. Exit

EXAMPLES:
  # Run with a SQLite file
  ./server -db="./data/stock.db"

  # Run against PostgreSQL
  DB_DRIVER=postgres ./server -db="postgres://stock@localhost:5432/stock"

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/cache"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/events"
	"github.com/warp/stock-engine/idempotency"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/store/sqlstore"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dsn := flag.String("db", cfg.DatabaseURL, "database DSN or SQLite path")
	flag.Parse()

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize store
	store, err := sqlstore.Open(cfg.DBDriver, *dsn, cfg.DBMaxOpenConns)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	// Optional catalog cache
	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("catalog cache disabled (redis not ready)")
		} else {
			defer client.Close()
			redisClient = client
		}
	}

	proc := &events.Processor{
		Store:                 store,
		Ledger:                &ledger.Ledger{AllowNegativeStock: cfg.AllowNegativeStock},
		Logger:                logger,
		AppVersion:            cfg.AppVersion,
		ExchangeLiveDirection: cfg.ExchangeLiveDirection,
	}

	idem := idempotency.New(store, logger)
	idem.Header = cfg.IdempotencyHeader
	idem.AllowRetryOnFailed = cfg.IdempotencyRetryFailed

	catalog := cache.New(store, redisClient, cfg.CatalogCacheTTL, logger)
	// Back-office edits made while the server was down must not be served stale.
	if err := catalog.Invalidate(context.Background()); err != nil {
		logger.WithError(err).Warn("catalog cache not cleared at startup")
	}
	handler := api.NewHandler(proc, catalog, idem, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port":    *port,
			"db":      store.Dialect(),
			"cache":   redisClient != nil,
			"version": cfg.AppVersion,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server stopped")
}
