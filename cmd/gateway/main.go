package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/centralmcp/gateway-go/pkg/cache"
	"github.com/centralmcp/gateway-go/pkg/config"
	"github.com/centralmcp/gateway-go/pkg/dispatch"
	"github.com/centralmcp/gateway-go/pkg/gateway"
	"github.com/centralmcp/gateway-go/pkg/guard"
	"github.com/centralmcp/gateway-go/pkg/monitor"
	"github.com/centralmcp/gateway-go/pkg/perf"
	"github.com/centralmcp/gateway-go/pkg/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger := perf.New(logger)

	cacheOpts := &cache.Options{Logger: logger, Recorder: ledger}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, running with the fast tier only",
				"addr", cfg.RedisAddr, "error", err)
		} else {
			cacheOpts.Secondary = cache.NewRedisStore(client, "")
			logger.Info("durable cache tier enabled", "addr", cfg.RedisAddr)
		}
	}

	mon := monitor.New(&monitor.Options{Logger: logger})
	store := cache.New(cacheOpts)
	defer store.Close()
	pool := workerpool.New(cfg.Workers, logger)
	defer pool.Close()

	dispatcher := dispatch.New(&dispatch.Options{
		Cache:         store,
		Ledger:        ledger,
		Monitor:       mon,
		Pool:          pool,
		OffloadTools:  cfg.OffloadTools,
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Logger:        logger,
	})
	defer dispatcher.Close()

	for _, backend := range cfg.Backends {
		if err := dispatcher.RegisterServer(dispatch.ServerInfo{
			ID:      backend.ID,
			BaseURL: backend.BaseURL,
		}); err != nil {
			logger.Error("failed to register backend", "server", backend.ID, "error", err)
			os.Exit(1)
		}
		logger.Info("registered backend", "server", backend.ID, "baseUrl", backend.BaseURL)
	}

	admission := guard.New(&guard.Options{
		DefaultLimit: cfg.RateLimit,
		Logger:       logger,
	})

	gw, err := gateway.New(gateway.Deps{
		Dispatcher: dispatcher,
		Guard:      admission,
		Monitor:    mon,
		Ledger:     ledger,
		Pool:       pool,
		Cache:      store,
	}, &gateway.Options{
		Addr:           cfg.Addr,
		MCPPath:        cfg.MCPPath,
		SyncInterval:   time.Duration(cfg.SyncInterval),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway serving", "addr", cfg.Addr, "mcpPath", cfg.MCPPath,
		"backends", len(cfg.Backends), "workers", cfg.Workers)
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway shut down")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
