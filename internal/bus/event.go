package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event is the immutable unit exchanged over the bus. Concrete variants live in
// the events package; each one embeds Meta and reports a fixed type tag.
type Event interface {
	// ID is globally unique and assigned when the event is created.
	ID() string
	// Time is the creation timestamp.
	Time() time.Time
	// Type is the tag identifying the concrete variant, e.g. "restaurant.updated".
	Type() string
}

// DomainEvent is a fire-and-forget lifecycle event. It is partitioned by its
// aggregate so that events about the same aggregate stay ordered.
type DomainEvent interface {
	Event
	Topic() string
	AggregateID() string
}

// Request is an event that expects exactly one Response of ResponseType,
// delivered to ReplyTo and carrying the same correlation id.
type Request interface {
	Event
	Topic() string
	ResponseType() string
	CorrelationID() string
	ReplyTo() string
	// WithCorrelation returns a copy of the request bound to c.
	WithCorrelation(c Correlation) Request
}

// Response answers a Request.
type Response interface {
	Event
	CorrelationID() string
	// WithCorrelation returns a copy of the response bound to c.
	WithCorrelation(c Correlation) Response
}

// Correlated is implemented by every request and response variant.
type Correlated interface {
	Event
	CorrelationID() string
}

// Versioned lets a variant declare a schema version other than 1.
type Versioned interface {
	Version() int
}

// Meta holds the envelope identity of an event. Its fields are unexported so
// that a variant cannot change its identity after creation.
type Meta struct {
	id string
	at time.Time
}

// NewMeta returns identity for a freshly created event.
func NewMeta() Meta {
	return Meta{id: uuid.NewString(), at: time.Now().UTC()}
}

// ID implements Event.ID.
func (m Meta) ID() string { return m.id }

// Time implements Event.Time.
func (m Meta) Time() time.Time { return m.at }

func (m *Meta) restoreMeta(id string, at time.Time) {
	m.id = id
	m.at = at
}

// Correlation binds a request or response to one in-flight call.
type Correlation struct {
	correlationID string
	replyTo       string
}

// NewCorrelation returns a correlation for id whose response is expected on replyTo.
// Responses carry an empty replyTo.
func NewCorrelation(id, replyTo string) Correlation {
	return Correlation{correlationID: id, replyTo: replyTo}
}

// CorrelationID returns the id shared by a request and its response.
func (c Correlation) CorrelationID() string { return c.correlationID }

// ReplyTo returns the topic the response must be published to.
func (c Correlation) ReplyTo() string { return c.replyTo }

func (c *Correlation) restoreCorrelation(id, replyTo string) {
	c.correlationID = id
	c.replyTo = replyTo
}

// metaRestorer and correlationRestorer are satisfied only by types embedding
// Meta and Correlation, which lets the codec rebuild identity on decode.
type metaRestorer interface {
	restoreMeta(id string, at time.Time)
}

type correlationRestorer interface {
	restoreCorrelation(id, replyTo string)
}
