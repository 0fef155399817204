// Package bus defines the event model, wire envelope, and the interfaces that
// the messaging layer is built from.
//
// Components, leaves first:
//
//   - Event variants (package events) embed Meta and, for request/response
//     pairs, Correlation.
//   - Transport moves opaque Records; implementations live under internal/transport.
//   - Client (package client) encodes events and filters duplicate deliveries.
//   - Dispatcher (package dispatcher) routes deliveries by type tag on bounded pools.
//   - Registry (package correlation) tracks in-flight calls by correlation id.
//   - Gateway (package gateway) turns a request/response pair into a single call.
//   - Publisher (package publisher) sends domain events without expecting a reply.
package bus
