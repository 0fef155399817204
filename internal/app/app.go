// Package app wires the messaging layer from configuration: transport,
// dedupe store, client decorators, correlation registry, dispatcher and the
// metrics and tracing that observe them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bus/internal/bus"
	"bus/internal/bus/client"
	"bus/internal/bus/correlation"
	"bus/internal/bus/dispatcher"
	"bus/internal/bus/gateway"
	"bus/internal/bus/metrics"
	"bus/internal/bus/publisher"
	"bus/internal/bus/tracing"
	"bus/internal/config"
	"bus/internal/couchbase"
	"bus/internal/dedupe"
	"bus/internal/events"
	cblog "bus/internal/transport/couchbase"
	"bus/internal/transport/kafka"
	"bus/internal/transport/memory"
)

const (
	dedupeCleanupInterval = time.Minute
	inboxPurgeInterval    = time.Hour
	connectAttempts       = 5
	connectBackoff        = 2 * time.Second
)

type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	instance string

	metrics *metrics.Registry
	server  *metrics.Server
	tracer  *tracing.Tracer

	transport  bus.Transport
	deadLetter bus.DeadLetter
	client     bus.Client
	registry   *correlation.Registry
	dispatcher *dispatcher.Dispatcher
	publisher  *publisher.Publisher

	// runners live as long as Run; closers run in reverse order on Close.
	runners []func(context.Context) error
	closers []func(context.Context) error
}

type Option func(*App)

// WithTransport uses t instead of building one from config. The caller keeps
// ownership of t.
func WithTransport(t bus.Transport) Option {
	return func(a *App) { a.transport = t }
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		instance: cfg.Instance,
	}
	for _, opt := range opts {
		opt(a)
	}
	generated := a.instance == ""
	if generated {
		a.instance = uuid.NewString()[:8]
	}
	a.logger = a.logger.With(zap.String("service", cfg.Service), zap.String("instance", a.instance))
	if generated {
		a.logger.Info("no INSTANCE_ID set, reply group is new on every start")
	}

	if err := a.build(ctx); err != nil {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			a.logger.Error("failed to release partially built app", zap.Error(closeErr))
		}
		return nil, err
	}

	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.metrics = metrics.NewRegistry()
	a.metrics.SetSystemInfo(a.cfg.Service, a.cfg.Version)
	a.server = metrics.NewServer(a.cfg.Metrics, a.cfg.Service, a.metrics, a.logger)

	tracer, cleanup, err := tracing.NewTracer(a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tracer
	a.closers = append(a.closers, cleanup)

	if a.transport == nil {
		t, err := a.newTransport()
		if err != nil {
			return err
		}
		a.transport = t
		a.closers = append(a.closers, func(context.Context) error { return t.Close() })
	}

	deduper, err := a.newDeduper(ctx)
	if err != nil {
		return err
	}

	clientOpts := []client.Option{
		client.WithDeduper(dedupe.NewMetricsDeduper(deduper, a.cfg.Dedupe, a.metrics)),
		client.WithTracer(a.tracer),
	}
	dispatcherOpts := []dispatcher.Option{
		dispatcher.WithMetrics(a.metrics),
	}
	if a.cfg.Bus.DeadLetter {
		a.deadLetter = client.NewTopicDeadLetter(a.transport, a.metrics)
		clientOpts = append(clientOpts, client.WithDeadLetter(a.deadLetter))
	}

	base, err := client.New(a.transport, events.NewCodec(), a.cfg.Service, a.logger, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	a.client = client.NewTracedClient(client.NewMetricsClient(base, a.metrics), a.tracer)

	sweep := a.cfg.Bus.SweepInterval
	if sweep == 0 {
		sweep = correlation.DefaultSweepInterval(a.cfg.Bus.CallTimeout)
	}
	a.registry, err = correlation.New(sweep, a.logger, correlation.WithObserver(a.metrics))
	if err != nil {
		return fmt.Errorf("failed to create correlation registry: %w", err)
	}
	a.runners = append(a.runners, a.registry.Run)
	a.closers = append(a.closers, func(context.Context) error {
		a.registry.Close()
		return nil
	})

	a.dispatcher, err = dispatcher.New(a.client, a.logger, dispatcherOpts...)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	a.publisher, err = publisher.New(a.client, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	return nil
}

func (a *App) newTransport() (bus.Transport, error) {
	switch a.cfg.Transport {
	case config.TransportKafka:
		return kafka.New(a.cfg.Kafka, a.logger, kafka.WithReplyGroups(gateway.IsReplyGroup)), nil

	case config.TransportCouchbase:
		cluster, bucket, err := couchbase.Connect(a.cfg.Couchbase.ConnConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to couchbase: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return cluster.Close(nil) })

		store, err := cblog.NewStore(cluster, bucket, a.cfg.Couchbase.Scope, a.cfg.Couchbase.Log.MessageTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create couchbase log: %w", err)
		}
		log := cblog.NewTracedLog(cblog.NewMetricsLog(store, a.metrics), a.tracer)

		t, err := cblog.New(log, a.cfg.Couchbase.Log, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create couchbase transport: %w", err)
		}

		return t, nil

	default:
		return memory.New(a.logger, memory.WithPartitions(a.cfg.Memory.Partitions)), nil
	}
}

func (a *App) newDeduper(ctx context.Context) (bus.Deduper, error) {
	switch a.cfg.Dedupe {
	case config.DedupeRedis:
		rc, err := dedupe.NewRedisClient(ctx, a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rc.Close() })

		return dedupe.NewRedis(rc, a.cfg.Redis.TTL), nil

	case config.DedupePostgres:
		var pool *pgxpool.Pool
		err := a.retry(ctx, "postgres", func() error {
			p, err := dedupe.NewPool(ctx, a.cfg.Postgres.DSN)
			if err == nil {
				pool = p
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})

		inbox := dedupe.NewPostgres(pool)
		if err := inbox.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.runners = append(a.runners, func(ctx context.Context) error {
			return a.purgeInbox(ctx, inbox)
		})

		return inbox, nil

	default:
		m := dedupe.NewMemory(a.cfg.Bus.DedupeTTL)
		a.runners = append(a.runners, func(ctx context.Context) error {
			return m.Run(ctx, dedupeCleanupInterval)
		})

		return m, nil
	}
}

func (a *App) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for i := range connectAttempts {
		if err = fn(); err == nil {
			return nil
		}
		a.logger.Warn("connection attempt failed",
			zap.String("target", what),
			zap.Int("attempt", i+1),
			zap.Int("of", connectAttempts),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
	}

	return err
}

func (a *App) purgeInbox(ctx context.Context, inbox *dedupe.Postgres) error {
	ticker := time.NewTicker(inboxPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := inbox.Purge(ctx, a.cfg.Postgres.Retention)
			if err != nil {
				a.logger.Warn("failed to purge inbox", zap.Error(err))
				continue
			}
			a.logger.Debug("purged inbox", zap.Int64("count", n))
		}
	}
}

// Gateway returns a gateway that receives responses on replyTopic, and binds
// the given response types on the app's dispatcher under this instance's own
// reply group.
func (a *App) Gateway(replyTopic string, responseTypes ...string) (*gateway.Gateway, error) {
	g, err := gateway.New(a.client, a.registry, replyTopic, a.logger, gateway.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	group := gateway.ReplyGroup(a.cfg.Service, a.instance)
	if err := g.Bind(a.dispatcher, group, a.cfg.Bus.ReplyWorkers, responseTypes...); err != nil {
		return nil, fmt.Errorf("failed to bind gateway: %w", err)
	}

	return g, nil
}

// Run serves metrics and consumes every dispatcher subscription until ctx is
// done or something fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(gctx)
	})
	for _, run := range a.runners {
		g.Go(func() error {
			return run(gctx)
		})
	}
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})

	a.server.MarkReady()
	a.logger.Info("app running", zap.String("transport", a.cfg.Transport), zap.String("dedupe", a.cfg.Dedupe))

	return g.Wait()
}

// Close settles pending calls and releases everything New opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Logger() *zap.Logger { return a.logger }
func (a *App) Instance() string { return a.instance }
func (a *App) Client() bus.Client { return a.client }
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }
func (a *App) Publisher() *publisher.Publisher { return a.publisher }
func (a *App) Registry() *correlation.Registry { return a.registry }
func (a *App) Metrics() *metrics.Registry { return a.metrics }
func (a *App) Server() *metrics.Server { return a.server }
