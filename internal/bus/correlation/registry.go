// Package correlation tracks in-flight request/reply calls by correlation id.
//
// Entries live in a sync.Map and each one carries its own atomic state, so
// registration, resolution, cancellation and the deadline sweep for different
// ids never contend, and a response racing the sweep for the same id settles
// the entry exactly once.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bus/internal/bus"
)

const (
	OutcomeResponse     = "response"
	OutcomeTypeMismatch = "type_mismatch"
	OutcomeTimeout      = "timeout"
	OutcomeCancelled    = "cancelled"
	OutcomeClosed       = "closed"
)

const minSweepInterval = 10 * time.Millisecond

// DefaultSweepInterval returns one tenth of the shortest configured timeout,
// never less than 10ms.
func DefaultSweepInterval(minTimeout time.Duration) time.Duration {
	d := minTimeout / 10
	if d < minSweepInterval {
		return minSweepInterval
	}
	return d
}

// Observer receives registry lifecycle signals. metrics.Registry implements it.
type Observer interface {
	SetCorrelationPending(n int)
	RecordCorrelationOutcome(outcome string)
	RecordCorrelationOrphan()
}

type Option func(*Registry)

// WithObserver reports pending counts and outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the lifecycle-scoped store of pending calls. Create one per
// process and hand it to the gateway and the dispatcher binding.
type Registry struct {
	entries  sync.Map // correlation id -> *Pending
	size     atomic.Int64
	closed   atomic.Bool
	interval time.Duration

	now      func() time.Time
	logger   *zap.Logger
	observer Observer
}

// New returns a registry whose sweeper ticks every sweepInterval.
func New(sweepInterval time.Duration, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if sweepInterval <= 0 {
		return nil, fmt.Errorf("correlation registry: sweep interval must be positive, got %s", sweepInterval)
	}
	if logger == nil {
		return nil, errors.New("correlation registry: logger is required")
	}

	r := &Registry{
		interval: sweepInterval,
		now:      time.Now,
		logger:   logger.Named("correlation"),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// SweepInterval bounds how far past its deadline an entry can stay pending.
func (r *Registry) SweepInterval() time.Duration { return r.interval }

// Len reports the number of live entries.
func (r *Registry) Len() int { return int(r.size.Load()) }

// Register creates the pending entry for id. It must be called before the
// request is published so that a fast response always finds its entry.
func (r *Registry) Register(id, expectedType string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		return nil, bus.ErrInvalidTimeout
	}
	if r.closed.Load() {
		return nil, bus.ErrRegistryClosed
	}

	p := newPending(id, expectedType, r.now(), timeout)
	if _, loaded := r.entries.LoadOrStore(id, p); loaded {
		err := &bus.DuplicateCorrelationError{CorrelationID: id}
		r.logger.Error("correlation id already pending, id generator is broken",
			zap.String("correlationId", id),
			zap.String("expectedType", expectedType),
		)
		return nil, err
	}
	r.changed(1)

	// Close may have ranged over the map before this entry was stored
	if r.closed.Load() {
		r.settle(p, Outcome{Err: bus.ErrRegistryClosed}, OutcomeClosed)
		return nil, bus.ErrRegistryClosed
	}

	r.logger.Debug("registered pending call",
		zap.String("correlationId", id),
		zap.String("expectedType", expectedType),
		zap.Duration("timeout", timeout),
	)

	return p, nil
}

// Resolve settles the entry matching resp's correlation id. A response with no
// live entry is a duplicate or a late arrival: it is logged and dropped, and
// Resolve returns false.
func (r *Registry) Resolve(resp bus.Correlated) bool {
	id := resp.CorrelationID()

	v, ok := r.entries.Load(id)
	if !ok {
		r.orphan(resp)
		return false
	}
	p := v.(*Pending)

	o := Outcome{Response: resp}
	outcome := OutcomeResponse
	if resp.Type() != p.expectedType {
		o = Outcome{Err: &bus.TypeMismatchError{CorrelationID: id, Expected: p.expectedType, Got: resp.Type()}}
		outcome = OutcomeTypeMismatch
	}

	if !r.settle(p, o, outcome) {
		r.orphan(resp)
		return false
	}

	if outcome == OutcomeTypeMismatch {
		r.logger.Warn("response type does not match request",
			zap.String("correlationId", id),
			zap.String("expected", p.expectedType),
			zap.String("got", resp.Type()),
			zap.String("eventId", resp.ID()),
		)
	}

	return true
}

// Cancel settles the entry with bus.ErrCancelled and removes it. It returns
// false when the entry was already settled, in which case the caller should
// read the outcome from Done instead.
func (r *Registry) Cancel(id string) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}

	return r.settle(v.(*Pending), Outcome{Err: bus.ErrCancelled}, OutcomeCancelled)
}

// Expire settles the entry with a timeout if its deadline has passed.
func (r *Registry) Expire(id string) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	p := v.(*Pending)
	if !p.expired(r.now()) {
		return false
	}

	return r.timeout(p)
}

// TimeOut settles the entry with a timeout whatever the registry's clock says.
// Callers use it once they have measured the deadline themselves.
func (r *Registry) TimeOut(id string) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}

	return r.timeout(v.(*Pending))
}

// Sweep times out every entry whose deadline is at or before now and returns
// how many it settled.
func (r *Registry) Sweep(now time.Time) int {
	n := 0
	r.entries.Range(func(_, v any) bool {
		p := v.(*Pending)
		if p.expired(now) && r.timeout(p) {
			n++
		}
		return true
	})

	return n
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("sweeper started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug("swept expired calls", zap.Int("count", n))
			}
		}
	}
}

// Close rejects new registrations and settles every live entry with
// bus.ErrRegistryClosed.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	r.entries.Range(func(_, v any) bool {
		r.settle(v.(*Pending), Outcome{Err: bus.ErrRegistryClosed}, OutcomeClosed)
		return true
	})
}

func (r *Registry) timeout(p *Pending) bool {
	err := &bus.TimeoutError{CorrelationID: p.correlationID, Timeout: p.timeout}
	if !r.settle(p, Outcome{Err: err}, OutcomeTimeout) {
		return false
	}

	r.logger.Debug("pending call timed out",
		zap.String("correlationId", p.correlationID),
		zap.String("expectedType", p.expectedType),
		zap.Duration("timeout", p.timeout),
	)

	return true
}

// settle wins the entry's state, removes it from the map, then delivers o.
// Removal happens before delivery so that a caller woken by o never observes
// its own entry still registered.
func (r *Registry) settle(p *Pending, o Outcome, outcome string) bool {
	if !p.state.CompareAndSwap(statePending, stateSettled) {
		return false
	}
	if r.entries.CompareAndDelete(p.correlationID, p) {
		r.changed(-1)
	}
	p.done <- o

	if r.observer != nil {
		r.observer.RecordCorrelationOutcome(outcome)
	}

	return true
}

func (r *Registry) changed(delta int64) {
	n := r.size.Add(delta)
	if r.observer != nil {
		r.observer.SetCorrelationPending(int(n))
	}
}

func (r *Registry) orphan(resp bus.Correlated) {
	r.logger.Debug("discarding response without pending call",
		zap.String("correlationId", resp.CorrelationID()),
		zap.String("eventId", resp.ID()),
		zap.String("eventType", resp.Type()),
	)
	if r.observer != nil {
		r.observer.RecordCorrelationOrphan()
	}
}
