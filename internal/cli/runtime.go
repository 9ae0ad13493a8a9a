package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"example.com/buskercal/internal/calendar"
	"example.com/buskercal/internal/config"
	"example.com/buskercal/internal/dispatch"
	"example.com/buskercal/internal/extract"
	"example.com/buskercal/internal/jobs"
	"example.com/buskercal/internal/lock"
	"example.com/buskercal/internal/publish"
	"example.com/buskercal/internal/reconcile"
	"example.com/buskercal/internal/retry"
	"example.com/buskercal/internal/sqliteutil"
	"example.com/buskercal/internal/store"
	"example.com/buskercal/internal/telemetry"
)

const pingTimeout = 5 * time.Second

// runtime is the fully wired job stack.
type runtime struct {
	cfg      config.Config
	store    store.Store
	metrics  *telemetry.Metrics
	executor *jobs.Executor
	temporal client.Client

	closers []func(context.Context) error
}

// openStore connects the configured backend and checks it is reachable.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		st = store.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}))
	case "sqlite":
		db, err := sqliteutil.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		s := store.NewSQLite(db)
		if err := s.Init(ctx); err != nil {
			db.Close()
			return nil, err
		}
		st = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		st.Close()
		return nil, fmt.Errorf("store not reachable: %w", err)
	}
	logger.Info("store connected", "backend", cfg.Store.Backend)
	return st, nil
}

func newRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, logger := opts.cfg, opts.logger
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, metrics: telemetry.NewMetrics()}
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Tracing.ServiceName, opts.Version, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdownTracer)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, func(context.Context) error { return st.Close() })

	cal, err := calendar.NewGoogle(ctx, calendar.GoogleConfig{
		CalendarID:        cfg.Calendar.ID,
		CredentialsPath:   cfg.Calendar.CredentialsPath,
		Timezone:          cfg.Calendar.Timezone,
		RequestsPerSecond: cfg.Calendar.RequestsPerSecond,
	}, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      retry.DefaultPolicy().Jitter,
	}
	clk := clock.New()
	locks := lock.NewManager(st, clk)
	publisher := publish.NewPublisher(st, cal, clk, publish.PublisherConfig{
		Policy:        policy,
		EventTTL:      cfg.Publish.EventTTL,
		TitleSuffix:   cfg.Calendar.TitleSuffix,
		AdoptExisting: cfg.Publish.AdoptExisting,
	}, logger)
	orch := publish.NewOrchestrator(
		locks,
		extract.NewHTTPFeed(cfg.Feed.URL, cfg.Feed.AccessKey, cfg.Feed.Timeout),
		st, publisher, clk,
		publish.OrchestratorConfig{LockTTL: cfg.Publish.LockTTL, Policy: policy},
		rt.metrics, logger,
	)
	rec := reconcile.New(locks, st, cal, publisher, clk, reconcile.Config{
		LockTTL:       cfg.Reconcile.LockTTL,
		WindowDays:    cfg.Reconcile.WindowDays,
		DeleteOrphans: cfg.Reconcile.DeleteOrphans,
		Location:      loc,
		Policy:        policy,
	}, rt.metrics, logger)
	rt.executor = jobs.NewExecutor(orch, rec)
	return rt, nil
}

// dialTemporal connects to the configured Temporal frontend.
func (rt *runtime) dialTemporal(logger *slog.Logger) (client.Client, error) {
	if rt.temporal != nil {
		return rt.temporal, nil
	}
	c, err := client.Dial(client.Options{
		HostPort:  rt.cfg.Temporal.Address,
		Namespace: rt.cfg.Temporal.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	rt.temporal = c
	rt.closers = append(rt.closers, func(context.Context) error { c.Close(); return nil })
	return c, nil
}

// dispatcher picks Temporal when enabled, otherwise runs jobs in-process.
func (rt *runtime) dispatcher(logger *slog.Logger) (jobs.Dispatcher, error) {
	if !rt.cfg.Temporal.Enabled {
		return dispatch.NewLocal(rt.executor, logger), nil
	}
	c, err := rt.dialTemporal(logger)
	if err != nil {
		return nil, err
	}
	return dispatch.NewTemporal(c, rt.cfg.Temporal.TaskQueue, logger), nil
}

// Close runs the closers in reverse order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
