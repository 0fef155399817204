// Package gateway turns a request event and its correlated response into a
// single blocking call, and provides the responder half for the serving side.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bus/internal/bus"
	"bus/internal/bus/correlation"
	"bus/internal/bus/metrics"
	"bus/internal/validator"
)

const OutcomeTransportError = "transport_error"

type Gateway struct {
	client     bus.Client
	registry   *correlation.Registry
	replyTopic string
	logger     *zap.Logger
	metrics    *metrics.Registry
}

type Option func(*Gateway)

// WithMetrics records call latency by outcome.
func WithMetrics(registry *metrics.Registry) Option {
	return func(g *Gateway) { g.metrics = registry }
}

// New returns a gateway whose requests ask for responses on replyTopic.
func New(client bus.Client, registry *correlation.Registry, replyTopic string, logger *zap.Logger, opts ...Option) (*Gateway, error) {
	g := Gateway{
		client:     client,
		registry:   registry,
		replyTopic: replyTopic,
		logger:     logger,
	}

	if err := validator.Validate("gateway", g.client, g.registry, g.replyTopic, g.logger); err != nil {
		return nil, fmt.Errorf("failed to validate gateway deps: %w", err)
	}

	for _, opt := range opts {
		opt(&g)
	}
	g.logger = g.logger.Named("gateway")

	return &g, nil
}

// ReplyTopic is where this gateway's responses arrive.
func (g *Gateway) ReplyTopic() string { return g.replyTopic }

// Call publishes req under a fresh correlation id and waits for its response.
// It returns *bus.TimeoutError if nothing arrives within timeout,
// *bus.TypeMismatchError for a response of the wrong type, *bus.TransportError
// if the request could not be sent, or ctx's error if ctx ends first.
func (g *Gateway) Call(ctx context.Context, req bus.Request, timeout time.Duration) (bus.Event, error) {
	if timeout <= 0 {
		return nil, bus.ErrInvalidTimeout
	}

	start := time.Now()
	id := uuid.NewString()
	bound := req.WithCorrelation(bus.NewCorrelation(id, g.replyTopic))

	logger := g.logger.With(
		zap.String("correlationId", id),
		zap.String("requestType", bound.Type()),
		zap.String("topic", bound.Topic()),
	)

	// register before publishing so that a fast response always finds its entry
	p, err := g.registry.Register(id, bound.ResponseType(), timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to register call: %w", err)
	}

	if err := g.client.Publish(ctx, bound.Topic(), id, bound); err != nil {
		g.registry.Cancel(id)
		g.record(bound, OutcomeTransportError, start)
		logger.Warn("failed to publish request", zap.Error(err))
		return nil, err
	}

	logger.Debug("request published, awaiting response", zap.Duration("timeout", timeout))

	// the sweeper normally settles a late call; the backstop covers a
	// registry whose sweeper is not running
	backstop := time.NewTimer(timeout + g.registry.SweepInterval())
	defer backstop.Stop()

	var o correlation.Outcome
	select {
	case o = <-p.Done():
	case <-ctx.Done():
		if g.registry.Cancel(id) {
			g.record(bound, correlation.OutcomeCancelled, start)
			logger.Debug("call abandoned by caller", zap.Error(ctx.Err()))
			return nil, ctx.Err()
		}
		o = <-p.Done()
	case <-backstop.C:
		// if TimeOut loses, another outcome is already on its way
		g.registry.TimeOut(id)
		o = <-p.Done()
	}

	return g.finish(logger, bound, o, start)
}

func (g *Gateway) finish(logger *zap.Logger, req bus.Request, o correlation.Outcome, start time.Time) (bus.Event, error) {
	if o.Err == nil {
		g.record(req, correlation.OutcomeResponse, start)
		logger.Debug("response received", zap.String("responseId", o.Response.ID()), zap.Duration("elapsed", time.Since(start)))
		return o.Response, nil
	}

	switch {
	case errors.Is(o.Err, bus.ErrTimeout):
		g.record(req, correlation.OutcomeTimeout, start)
		logger.Warn("call timed out", zap.Error(o.Err))
	case errors.Is(o.Err, bus.ErrTypeMismatch):
		g.record(req, correlation.OutcomeTypeMismatch, start)
		logger.Error("call answered with the wrong response type", zap.Error(o.Err))
	case errors.Is(o.Err, bus.ErrRegistryClosed):
		g.record(req, correlation.OutcomeClosed, start)
	default:
		g.record(req, correlation.OutcomeCancelled, start)
	}

	return nil, o.Err
}

func (g *Gateway) record(req bus.Request, outcome string, start time.Time) {
	if g.metrics != nil {
		g.metrics.RecordCall(req.Type(), outcome, time.Since(start))
	}
}

// CallAs is Call for callers that know the concrete response variant.
func CallAs[R bus.Event](ctx context.Context, g *Gateway, req bus.Request, timeout time.Duration) (R, error) {
	var zero R

	resp, err := g.Call(ctx, req, timeout)
	if err != nil {
		return zero, err
	}

	r, ok := resp.(R)
	if !ok {
		var id string
		if cr, ok := resp.(bus.Correlated); ok {
			id = cr.CorrelationID()
		}
		return zero, &bus.TypeMismatchError{CorrelationID: id, Expected: fmt.Sprintf("%T", zero), Got: fmt.Sprintf("%T", resp)}
	}

	return r, nil
}
