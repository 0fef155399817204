package gateway

import (
	"context"
	"fmt"
	"strings"

	"bus/internal/bus"
	"bus/internal/bus/dispatcher"
)

// ReplyGroup names the consumer group an instance uses on its reply topic.
// Every instance needs its own group so that it sees the responses to its
// own calls; the ones it did not issue are dropped as orphans.
func ReplyGroup(service, instance string) string {
	return service + ".replies." + instance
}

// IsReplyGroup reports whether group was named by ReplyGroup.
func IsReplyGroup(group string) bool {
	return strings.Contains(group, ".replies.")
}

// Bind routes the given response types from d to the gateway's registry and
// subscribes d to the reply topic as group.
func (g *Gateway) Bind(d *dispatcher.Dispatcher, group string, workers int, responseTypes ...string) error {
	for _, typ := range responseTypes {
		err := d.On(typ, func(_ context.Context, msg bus.Message) error {
			resp, ok := msg.Event.(bus.Correlated)
			if !ok {
				return fmt.Errorf("event %s of type %s carries no correlation id", msg.Envelope.ID, typ)
			}
			g.registry.Resolve(resp)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to bind %s: %w", typ, err)
		}
	}

	return d.Subscribe(g.replyTopic, group, workers)
}

// Serve registers fn as the handler for requests of type Req. The response is
// published to the request's reply topic, keyed and correlated by the
// request's correlation id. When fn fails nothing is sent and the request is
// left uncommitted for the transport to redeliver; a reply produced after the
// caller's deadline is dropped on the caller's side as an orphan.
func Serve[Req bus.Request](d *dispatcher.Dispatcher, client bus.Client, fn func(ctx context.Context, req Req) (bus.Response, error)) error {
	return dispatcher.Handle(d, func(ctx context.Context, req Req) error {
		id := req.CorrelationID()
		if id == "" || req.ReplyTo() == "" {
			return fmt.Errorf("request %s has no correlation id or reply topic", req.ID())
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to serve %s %s: %w", req.Type(), id, err)
		}

		resp = resp.WithCorrelation(bus.NewCorrelation(id, ""))
		if err := client.Publish(ctx, req.ReplyTo(), id, resp); err != nil {
			return fmt.Errorf("failed to reply to %s: %w", id, err)
		}

		return nil
	})
}
