package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trustdesk/govrec/pkg/api"
	"github.com/trustdesk/govrec/pkg/config"
	"github.com/trustdesk/govrec/pkg/lifecycle"
	"github.com/trustdesk/govrec/pkg/seal"
	"github.com/trustdesk/govrec/pkg/store"
)

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("open store failed", "driver", cfg.StoreDriver, "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithSealRegister(seal.NewRegister()),
	}
	if cfg.SchemaDir != "" {
		schemas, err := lifecycle.LoadSchemaDir(cfg.SchemaDir)
		if err != nil {
			logger.Error("load schemas failed", "dir", cfg.SchemaDir, "error", err)
			return 1
		}
		validator, err := lifecycle.NewSchemaValidator(schemas)
		if err != nil {
			logger.Error("compile schemas failed", "error", err)
			return 1
		}
		opts = append(opts, lifecycle.WithValidator(validator))
		logger.Info("schema validation enabled", "modules", len(schemas))
	}

	engine := lifecycle.New(st, opts...)
	server := api.NewServer(engine, logger)
	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "store", cfg.StoreDriver)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return store.OpenPostgres(cfg.PostgresURL)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
