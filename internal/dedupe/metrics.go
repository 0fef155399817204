package dedupe

import (
	"context"

	"bus/internal/bus"
	"bus/internal/bus/metrics"
)

// MetricsDeduper wraps a bus.Deduper with metrics collection
type MetricsDeduper struct {
	deduper  bus.Deduper
	backend  string
	registry *metrics.Registry
}

// NewMetricsDeduper creates a new instrumented deduper
func NewMetricsDeduper(deduper bus.Deduper, backend string, registry *metrics.Registry) bus.Deduper {
	return &MetricsDeduper{
		deduper:  deduper,
		backend:  backend,
		registry: registry,
	}
}

// Claim implements bus.Deduper.Claim with metrics collection
func (d *MetricsDeduper) Claim(ctx context.Context, group, eventID string) (bool, error) {
	first, err := d.deduper.Claim(ctx, group, eventID)

	d.registry.RecordDedupe(d.backend, first, err)

	return first, err
}

func (d *MetricsDeduper) Release(ctx context.Context, group, eventID string) error {
	err := d.deduper.Release(ctx, group, eventID)

	d.registry.RecordDedupeRelease(d.backend, err)

	return err
}
