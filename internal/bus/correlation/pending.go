package correlation

import (
	"sync/atomic"
	"time"

	"bus/internal/bus"
)

const (
	statePending int32 = iota
	stateSettled
)

// Outcome is the single resolution of a pending call: exactly one of Response
// or Err is set.
type Outcome struct {
	Response bus.Event
	Err      error
}

// Pending is an in-flight call owned by the Registry until it settles.
type Pending struct {
	correlationID string
	expectedType  string
	createdAt     time.Time
	deadline      time.Time
	timeout       time.Duration

	state atomic.Int32
	done  chan Outcome
}

func newPending(id, expectedType string, now time.Time, timeout time.Duration) *Pending {
	return &Pending{
		correlationID: id,
		expectedType:  expectedType,
		createdAt:     now,
		deadline:      now.Add(timeout),
		timeout:       timeout,
		done:          make(chan Outcome, 1),
	}
}

func (p *Pending) CorrelationID() string { return p.correlationID }
func (p *Pending) ExpectedType() string  { return p.expectedType }
func (p *Pending) CreatedAt() time.Time  { return p.createdAt }
func (p *Pending) Deadline() time.Time   { return p.deadline }

// Done delivers the outcome once. The channel is buffered so settling never
// blocks on an absent reader.
func (p *Pending) Done() <-chan Outcome { return p.done }

// Settled reports whether the entry has already been resolved.
func (p *Pending) Settled() bool { return p.state.Load() == stateSettled }

func (p *Pending) expired(now time.Time) bool {
	return !now.Before(p.deadline)
}
