// Package dispatcher routes decoded deliveries to one handler per event type.
// Each subscription bounds how many handlers run at once, and a delivery is
// acknowledged to the transport only when its handler returns nil.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"bus/internal/bus"
	"bus/internal/bus/metrics"
	"bus/internal/validator"
)

var (
	ErrHandlerExists = errors.New("handler already registered for event type")
	ErrRunning       = errors.New("dispatcher already running")
)

const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusPanic     = "panic"
	StatusUnhandled = "unhandled"
)

type HandlerFunc func(ctx context.Context, msg bus.Message) error

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

type subscription struct {
	topic   string
	group   string
	workers int
}

type Dispatcher struct {
	client   bus.Client
	logger   *zap.Logger
	registry *metrics.Registry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	subs     []subscription
	running  bool
}

type Option func(*Dispatcher)

// WithMetrics records every dispatch on registry.
func WithMetrics(registry *metrics.Registry) Option {
	return func(disp *Dispatcher) { disp.registry = registry }
}

func New(client bus.Client, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	d := Dispatcher{
		client:   client,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}

	if err := validator.Validate("dispatcher", d.client, d.logger); err != nil {
		return nil, fmt.Errorf("failed to validate dispatcher deps: %w", err)
	}

	for _, opt := range opts {
		opt(&d)
	}
	d.logger = d.logger.Named("dispatcher")

	return &d, nil
}

// On registers h as the only handler for eventType.
func (d *Dispatcher) On(eventType string, h HandlerFunc) error {
	if eventType == "" || h == nil {
		return errors.New("on: event type and handler are required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, eventType)
	}
	d.handlers[eventType] = h

	return nil
}

// Handle registers fn for the variant T, asserting the decoded event to T so
// handlers never see the sum type.
func Handle[T bus.Event](d *Dispatcher, fn func(ctx context.Context, evt T) error) error {
	var zero T
	return d.On(zero.Type(), func(ctx context.Context, msg bus.Message) error {
		evt, ok := msg.Event.(T)
		if !ok {
			return fmt.Errorf("event %s decoded as %T, want %T", msg.Envelope.ID, msg.Event, zero)
		}
		return fn(ctx, evt)
	})
}

// Subscribe adds topic to the set Run consumes, as member of group, with at
// most workers handlers in flight.
func (d *Dispatcher) Subscribe(topic, group string, workers int) error {
	if topic == "" || group == "" {
		return errors.New("subscribe: topic and group are required")
	}
	if workers < 1 {
		return fmt.Errorf("subscribe %s: workers must be positive, got %d", topic, workers)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrRunning
	}
	d.subs = append(d.subs, subscription{topic: topic, group: group, workers: workers})

	return nil
}

// Run consumes every subscription until ctx is done or one of them fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrRunning
	}
	if len(d.subs) == 0 {
		d.mu.Unlock()
		return errors.New("run: no subscriptions")
	}
	d.running = true
	subs := append([]subscription(nil), d.subs...)
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			return d.consume(gctx, sub)
		})
	}

	return g.Wait()
}

// consume runs one subscription. Every partition the transport delivers waits
// for a worker slot before its handler runs, so a full pool stops the
// subscription from pulling more records and a partition's records are
// handled one after another.
func (d *Dispatcher) consume(ctx context.Context, sub subscription) error {
	logger := d.logger.With(
		zap.String("topic", sub.topic),
		zap.String("group", sub.group),
		zap.Int("workers", sub.workers),
	)
	logger.Info("starting subscription")

	pool := semaphore.NewWeighted(int64(sub.workers))

	err := d.client.Subscribe(ctx, sub.topic, sub.group, func(ctx context.Context, msg bus.Message) error {
		if err := pool.Acquire(ctx, 1); err != nil {
			return err
		}
		defer pool.Release(1)

		return d.dispatch(ctx, logger, msg)
	})

	logger.Info("subscription stopped")

	if err != nil {
		const errMsg = "subscription failed"
		logger.Error(errMsg, zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	}

	return nil
}

// dispatch runs the handler for msg. A failure or panic is logged and returned
// so the transport leaves the record uncommitted; this layer never retries.
func (d *Dispatcher) dispatch(ctx context.Context, logger *zap.Logger, msg bus.Message) error {
	typ := msg.Envelope.Type

	d.mu.RLock()
	h, ok := d.handlers[typ]
	d.mu.RUnlock()

	fields := []zap.Field{
		zap.String("eventId", msg.Envelope.ID),
		zap.String("eventType", typ),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}
	if msg.Envelope.CorrelationID != "" {
		fields = append(fields, zap.String("correlationId", msg.Envelope.CorrelationID))
	}

	if !ok {
		logger.Debug("no handler for event type, dropping", fields...)
		d.record(msg, StatusUnhandled, 0)
		return nil
	}

	start := time.Now()
	err := invoke(ctx, h, msg)
	elapsed := time.Since(start)

	var pe *PanicError
	switch {
	case err == nil:
		d.record(msg, StatusSuccess, elapsed)
		return nil
	case ctx.Err() != nil:
		// shutting down; the record is redelivered on the next start
		d.record(msg, StatusError, elapsed)
	case errors.As(err, &pe):
		logger.Error("handler panicked", append(fields, zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))...)
		d.record(msg, StatusPanic, elapsed)
	default:
		logger.Error("handler failed", append(fields, zap.Error(err))...)
		d.record(msg, StatusError, elapsed)
	}

	return err
}

func invoke(ctx context.Context, h HandlerFunc, msg bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	return h(ctx, msg)
}

func (d *Dispatcher) record(msg bus.Message, status string, elapsed time.Duration) {
	if d.registry != nil {
		d.registry.RecordDispatch(msg.Topic, msg.Envelope.Type, status, elapsed)
	}
}
