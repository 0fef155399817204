// Package dedupe implements bus.Deduper: idempotency claims keyed by consumer
// group and event id, in memory, in Redis, or in a Postgres inbox table.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Memory remembers claims for ttl. It only protects a single process.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (m *Memory) Claim(_ context.Context, group, eventID string) (bool, error) {
	k := key(group, eventID)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.seen[k]; ok && now.Sub(at) < m.ttl {
		return false, nil
	}
	m.seen[k] = now

	return true, nil
}

func (m *Memory) Release(_ context.Context, group, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key(group, eventID))
	return nil
}

// Len reports how many claims are held, expired ones included until the next
// cleanup.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Cleanup drops claims older than ttl.
func (m *Memory) Cleanup() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, k)
			n++
		}
	}

	return n
}

// Run calls Cleanup every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

func key(group, eventID string) string {
	return "dedupe:" + group + ":" + eventID
}
