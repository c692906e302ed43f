package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/fallback"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/reconcile"
	"github.com/ineyio/creditledger/store/memory"
	"github.com/ineyio/creditledger/store/postgres"
	"github.com/ineyio/creditledger/store/redis"
	"github.com/ineyio/creditledger/txlog"
)

// app is the wired service.
type app struct {
	cfg        serviceConfig
	logger     *slog.Logger
	registry   *prometheus.Registry
	store      *creditledger.VersionedStore
	accounts   creditledger.AccountLister
	cache      *fallback.Cache
	engine     *creditledger.Engine
	reconciler *reconcile.Reconciler
	closers    []func() error
}

// newLogger builds the service logger. When a log file is configured,
// output goes to both stderr and a rotating file; closeFn flushes the file.
func newLogger(cfg logConfig, stderr io.Writer) (logger *slog.Logger, closeFn func() error, err error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	out := stderr
	closeFn = func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(rotating, stderr)
		closeFn = rotating.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(h), closeFn, nil
}

func newApp(ctx context.Context, cfg serviceConfig, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	var (
		backend creditledger.AccountStore
		pgStore *postgres.Store
	)
	switch cfg.Storage.Backend {
	case "redis":
		opt, err := goredis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opt)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "error", err)
		}
		var ropts []redis.Option
		if cfg.Storage.KeyPrefix != "" {
			ropts = append(ropts, redis.WithKeyPrefix(cfg.Storage.KeyPrefix))
		}
		rs := redis.New(client, ropts...)
		backend, a.accounts = rs, rs
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		var popts []postgres.Option
		if cfg.Storage.KeyPrefix != "" {
			popts = append(popts, postgres.WithTablePrefix(cfg.Storage.KeyPrefix))
		}
		pgStore = postgres.New(pool, popts...)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		backend, a.accounts = pgStore, pgStore
	default:
		ms := memory.New()
		backend, a.accounts = ms, ms
	}
	a.store = creditledger.NewLedgerStore(backend, cfg.StoreOptions()...)

	fb := fallback.Backend(fallback.NewMemoryBackend())
	if cfg.Fallback.Path != "" {
		sb, err := fallback.OpenSQLite(cfg.Fallback.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sb.Close)
		fb = sb
	}
	a.cache = fallback.New(fb)

	var txl creditledger.TransactionLog
	switch cfg.TxLog.Backend {
	case "sqlite":
		sl, err := txlog.OpenSQLite(cfg.TxLog.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sl.Close)
		txl = sl
	case "postgres":
		txl = pgStore.Log()
	default:
		txl = txlog.NewMemoryLog()
	}

	m := meter.Multi{meter.NewLogMeter(logger), meter.NewPromMeter(a.registry)}

	opts := append(cfg.EngineOptions(),
		creditledger.WithFallback(a.cache),
		creditledger.WithTransactionLog(txl),
		creditledger.WithMeter(m),
		creditledger.WithLogger(logger),
	)
	a.engine, err = creditledger.NewEngine(a.store, catalog, cfg.CostTable(), opts...)
	if err != nil {
		return nil, err
	}

	ropts := []reconcile.Option{
		reconcile.WithInterval(cfg.Reconcile.Interval),
		reconcile.WithLogger(logger),
		reconcile.WithMeter(m),
		reconcile.WithTransactionLog(txl),
	}
	if cfg.Reconcile.Concurrency > 0 {
		ropts = append(ropts, reconcile.WithConcurrency(cfg.Reconcile.Concurrency))
	}
	if cfg.Reconcile.RateLimit > 0 {
		ropts = append(ropts, reconcile.WithRateLimit(cfg.Reconcile.RateLimit, 1))
	}
	a.reconciler = reconcile.New(a.store, a.cache, ropts...)
	a.engine.Health().OnRecover(a.reconciler.Trigger)

	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
