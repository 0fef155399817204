package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownType is returned by Codec.Decode for an event type that was never registered.
var ErrUnknownType = errors.New("unknown event type")

// ErrUnsupportedVersion is returned by Codec.Decode when the envelope is newer than
// the registered variant.
var ErrUnsupportedVersion = errors.New("unsupported event version")

// Envelope is the wire form of an event. Payload holds the variant's own fields.
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Version       int               `json:"version"`
	Time          time.Time         `json:"time"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Producer      string            `json:"producer,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

type decoder struct {
	version int
	decode  func(env Envelope) (Event, error)
}

// Codec round-trips events through Envelope JSON. Variants must be registered
// before they can be decoded; dispatch downstream switches on the type tag.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]decoder
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]decoder)}
}

// Register adds the variant T to c. T must embed Meta (and Correlation when it
// is a request or response) and be registered once.
func Register[T Event](c *Codec) error {
	var zero T
	typ := zero.Type()
	if typ == "" {
		return fmt.Errorf("register %T: empty event type", zero)
	}
	if _, ok := any(&zero).(metaRestorer); !ok {
		return fmt.Errorf("register %s: %T does not embed bus.Meta", typ, zero)
	}

	d := decoder{
		version: versionOf(zero),
		decode: func(env Envelope) (Event, error) {
			var v T
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &v); err != nil {
					return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
				}
			}
			any(&v).(metaRestorer).restoreMeta(env.ID, env.Time)
			if r, ok := any(&v).(correlationRestorer); ok {
				r.restoreCorrelation(env.CorrelationID, env.ReplyTo)
			}
			return v, nil
		},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.decoders[typ]; ok {
		return fmt.Errorf("register %s: already registered", typ)
	}
	c.decoders[typ] = d

	return nil
}

// MustRegister is Register that panics, for package-level catalogues.
func MustRegister[T Event](c *Codec) {
	if err := Register[T](c); err != nil {
		panic(err)
	}
}

// Known reports whether typ has been registered.
func (c *Codec) Known(typ string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.decoders[typ]
	return ok
}

// Encode wraps evt in an envelope and serialises it.
func (c *Codec) Encode(evt Event, producer string, headers map[string]string) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.Type(), err)
	}

	env := Envelope{
		ID:       evt.ID(),
		Type:     evt.Type(),
		Version:  versionOf(evt),
		Time:     evt.Time(),
		Producer: producer,
		Headers:  headers,
		Payload:  payload,
	}
	if cr, ok := evt.(Correlated); ok {
		env.CorrelationID = cr.CorrelationID()
	}
	if rq, ok := evt.(Request); ok {
		env.ReplyTo = rq.ReplyTo()
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", evt.Type(), err)
	}

	return b, nil
}

// Decode parses data into its envelope and registered variant. The envelope is
// returned even when the variant cannot be built so callers can log context.
func (c *Codec) Decode(data []byte) (Event, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version == 0 {
		env.Version = 1
	}

	c.mu.RLock()
	d, ok := c.decoders[env.Type]
	c.mu.RUnlock()

	if !ok {
		return nil, env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Version > d.version {
		return nil, env, fmt.Errorf("%w: %s v%d (know v%d)", ErrUnsupportedVersion, env.Type, env.Version, d.version)
	}

	evt, err := d.decode(env)
	if err != nil {
		return nil, env, err
	}

	return evt, env, nil
}

func versionOf(evt any) int {
	if v, ok := evt.(Versioned); ok && v.Version() > 0 {
		return v.Version()
	}
	return 1
}
