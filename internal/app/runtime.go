// Package app assembles a runnable intentd runtime from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/intentd/internal/config"
	"github.com/roach88/intentd/internal/lifecycle"
	"github.com/roach88/intentd/internal/materialize"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/observer"
	"github.com/roach88/intentd/internal/outbox"
	"github.com/roach88/intentd/internal/policy"
	"github.com/roach88/intentd/internal/realms"
	"github.com/roach88/intentd/internal/registry"
	"github.com/roach88/intentd/internal/saga"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/wal"
)

// Version is the intentd release reported to telemetry.
const Version = "0.1.0"

// Runtime is a fully wired intentd instance.
type Runtime struct {
	Config       config.Config
	Store        *store.Store
	WAL          *wal.Log
	Sagas        *saga.Coordinator
	Registry     *registry.Registry
	Bus          *observer.Bus
	Materializer *materialize.Materializer
	Relay        *outbox.Relay
	Manager      *lifecycle.Manager
	Clock        model.Clock

	logger  *slog.Logger
	closers []func(context.Context) error
}

// Option adjusts how Open wires the runtime.
type Option func(*openOptions)

type openOptions struct {
	realms    []registry.Realm
	publisher outbox.Publisher
	clock     model.Clock
	ids       model.IDGenerator
}

// WithRealms replaces the built-in realms.
func WithRealms(rs ...registry.Realm) Option {
	return func(o *openOptions) {
		o.realms = rs
	}
}

// WithPublisher replaces the configured outbox publisher.
func WithPublisher(p outbox.Publisher) Option {
	return func(o *openOptions) {
		o.publisher = p
	}
}

// WithClock sets the clock and ID generator, for deterministic runs.
func WithClock(clock model.Clock, ids model.IDGenerator) Option {
	return func(o *openOptions) {
		o.clock = clock
		o.ids = ids
	}
}

// Open wires every component described by cfg. The caller must Close the
// runtime. Open does not run recovery or start any background loop.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *Runtime, err error) {
	o := openOptions{
		realms: []registry.Realm{realms.NewContent()},
		clock:  model.SystemClock{},
		ids:    model.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{Config: cfg, Clock: o.clock, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.Store = st
	rt.onClose(func(context.Context) error { return st.Close() })

	rt.WAL = wal.New(st, o.ids, o.clock, wal.WithLogger(logger))
	rt.Sagas = saga.NewCoordinator(st, o.ids, o.clock, saga.WithJournal(rt.WAL), saga.WithLogger(logger))

	rt.Registry = registry.New()
	for _, r := range o.realms {
		if err := rt.Registry.Register(r); err != nil {
			return nil, fmt.Errorf("register realm: %w", err)
		}
	}
	rt.Registry.Seal()
	rt.onClose(func(context.Context) error { return rt.Registry.Close() })

	if err := rt.wireObservers(ctx); err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = materialize.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		rt.onClose(func(context.Context) error { return redisClient.Close() })
	}
	if err := rt.wireMaterializer(ctx, redisClient); err != nil {
		return nil, err
	}

	pub := o.publisher
	switch {
	case pub != nil:
	case redisClient != nil && cfg.Redis.Stream != "":
		pub = outbox.NewRedisStreamPublisher(redisClient, cfg.Redis.Stream, cfg.Redis.StreamLen)
		logger.Info("publishing events to redis stream", "stream", cfg.Redis.Stream)
	default:
		pub = outbox.NewLogPublisher(logger)
	}
	rt.Relay = outbox.NewRelay(st, pub, o.clock,
		outbox.WithLogger(logger),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithInterval(cfg.Outbox.Interval),
	)

	mgr, err := lifecycle.New(lifecycle.Deps{
		State:        st,
		WAL:          rt.WAL,
		Sagas:        rt.Sagas,
		Registry:     rt.Registry,
		Observers:    rt.Bus,
		Materializer: rt.Materializer,
		Relay:        rt.Relay,
		IDs:          o.ids,
		Clock:        o.clock,
	}, lifecycle.WithLogger(logger), lifecycle.WithWorkers(cfg.Workers))
	if err != nil {
		return nil, err
	}
	rt.Manager = mgr
	return rt, nil
}

// wireObservers registers the session check, CEL rules and telemetry.
func (rt *Runtime) wireObservers(ctx context.Context) error {
	cfg := rt.Config
	rt.Bus = observer.NewBus(observer.WithLogger(rt.logger))
	rt.onClose(rt.Bus.Close)

	if err := rt.Bus.RegisterAuthorizer("session", observer.NewSessionAuthorizer(rt.Store)); err != nil {
		return err
	}
	if cfg.CELRulesFile != "" {
		rules, err := observer.LoadCELRules(cfg.CELRulesFile)
		if err != nil {
			return fmt.Errorf("load CEL rules: %w", err)
		}
		authz, err := observer.NewCELAuthorizer(rules)
		if err != nil {
			return fmt.Errorf("compile CEL rules: %w", err)
		}
		if err := rt.Bus.RegisterAuthorizer("cel", authz); err != nil {
			return err
		}
		rt.logger.Info("CEL authorization rules loaded", "rules", len(rules))
	}

	if err := rt.Bus.RegisterTelemetry("log", observer.NewLogTelemetry(rt.logger)); err != nil {
		return err
	}
	if cfg.OTLP.Endpoint != "" {
		providers, err := observer.NewOTLPProviders(ctx, cfg.OTLP.Endpoint, Version, cfg.OTLP.Insecure)
		if err != nil {
			return fmt.Errorf("otlp: %w", err)
		}
		rt.onClose(providers.Shutdown)
		otel, err := observer.NewOTelTelemetry(providers.Tracer, providers.Meter)
		if err != nil {
			return fmt.Errorf("otel telemetry: %w", err)
		}
		if err := rt.Bus.RegisterTelemetry("otel", otel); err != nil {
			return err
		}
		rt.logger.Info("exporting telemetry", "endpoint", cfg.OTLP.Endpoint)
	}
	return nil
}

// wireMaterializer loads the policy table and picks artifact backends.
func (rt *Runtime) wireMaterializer(ctx context.Context, redisClient *redis.Client) error {
	cfg := rt.Config
	table := DefaultPolicy()
	if cfg.PolicyFile != "" {
		t, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		table = t
	}

	opts := []materialize.Option{materialize.WithLogger(rt.logger)}
	if redisClient != nil {
		opts = append(opts, materialize.WithCacheBackend(materialize.NewRedisCache(redisClient, cfg.Redis.Prefix)))
	}
	if cfg.S3.Bucket != "" {
		s3store, err := materialize.NewS3StoreFromConfig(ctx, materialize.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
		if err != nil {
			return err
		}
		opts = append(opts, materialize.WithPersistBackend(s3store))
	}
	rt.Materializer = materialize.New(table, rt.Clock, opts...)
	return nil
}

// DefaultPolicy is used when no policy file is configured. It covers the
// result types of the built-in realms.
func DefaultPolicy() *policy.Table {
	return &policy.Table{
		DefaultCacheTTL: time.Hour,
		Defaults: map[string]policy.Rule{
			realms.ResultUpload:     {Action: model.ActionPersist},
			realms.ResultParsedText: {Action: model.ActionPersist},
			realms.ResultPreview:    {Action: model.ActionCache, TTL: 15 * time.Minute},
			realms.ResultStats:      {Action: model.ActionCache},
		},
	}
}

// ReloadPolicy re-reads the configured policy file.
func (rt *Runtime) ReloadPolicy() error {
	if rt.Config.PolicyFile == "" {
		return nil
	}
	t, err := policy.LoadFile(rt.Config.PolicyFile)
	if err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	rt.Materializer.SetTable(t)
	rt.logger.Info("policy reloaded", "path", rt.Config.PolicyFile)
	return nil
}

// Sweep prunes WAL partitions past retention and purges expired inline
// artifacts.
func (rt *Runtime) Sweep(ctx context.Context) error {
	now := rt.Clock.Now()
	var errs []error
	if rt.Config.WALRetention > 0 {
		if _, err := rt.WAL.Prune(ctx, now.Add(-rt.Config.WALRetention)); err != nil {
			errs = append(errs, fmt.Errorf("prune wal: %w", err))
		}
	}
	n, err := rt.Store.PurgeExpiredArtifacts(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge artifacts: %w", err))
	} else if n > 0 {
		rt.logger.Info("expired artifacts purged", "count", n)
	}
	return errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx ends.
func (rt *Runtime) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.Sweep(ctx); err != nil {
				rt.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

func (rt *Runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
