package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createInbox = `
		CREATE TABLE IF NOT EXISTS inbox_events (
			consumer     TEXT        NOT NULL,
			event_id     TEXT        NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (consumer, event_id)
		)
	`

	claimInbox = `
		INSERT INTO inbox_events (consumer, event_id, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (consumer, event_id) DO NOTHING
	`

	releaseInbox = `
		DELETE FROM inbox_events
		WHERE consumer = $1 AND event_id = $2
	`

	purgeInbox = `
		DELETE FROM inbox_events
		WHERE processed_at < NOW() - make_interval(secs => $1)
	`
)

// Execer is the slice of *pgxpool.Pool (or pgx.Tx) used for claims.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres records claims in an inbox table keyed by (consumer, event_id).
type Postgres struct {
	db Execer
}

func NewPostgres(db Execer) *Postgres {
	return &Postgres{db: db}
}

// NewPool connects to dsn and pings the server.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return pool, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createInbox); err != nil {
		return fmt.Errorf("create inbox table: %w", err)
	}
	return nil
}

// Claim returns true if the event was inserted, false if the group already had it.
func (p *Postgres) Claim(ctx context.Context, group, eventID string) (bool, error) {
	tag, err := p.db.Exec(ctx, claimInbox, group, eventID)
	if err != nil {
		return false, fmt.Errorf("insert inbox event: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Release(ctx context.Context, group, eventID string) error {
	if _, err := p.db.Exec(ctx, releaseInbox, group, eventID); err != nil {
		return fmt.Errorf("delete inbox event: %w", err)
	}

	return nil
}

// Purge deletes claims older than retention and returns how many it removed.
func (p *Postgres) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := p.db.Exec(ctx, purgeInbox, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge inbox events: %w", err)
	}

	return tag.RowsAffected(), nil
}
