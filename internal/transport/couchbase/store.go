package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	store "bus/internal/couchbase"
	"bus/internal/validator"
)

const loadMessages = "SELECT RAW m FROM `%s`.`%s`.`%s` m " +
	"WHERE m.topic = $1 AND m.shard = $2 AND m.`offset` >= $3 " +
	"ORDER BY m.`offset` ASC LIMIT $4"

// Store implements Log on Couchbase collections named messages, cursors,
// leases and offsets.
type Store struct {
	messages     *store.Couchbase[Message]
	cursors      *store.Couchbase[Cursor]
	leases       *store.Couchbase[Lease]
	offsets      *store.Couchbase[counter]
	transactions *store.Transactions
	messageTTL   time.Duration
	query        string
}

func NewStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string, messageTTL time.Duration) (*Store, error) {
	messages, err := newStore[Message](cluster, bucket, scope, "messages")
	if err != nil {
		return nil, err
	}
	cursors, err := newStore[Cursor](cluster, bucket, scope, "cursors")
	if err != nil {
		return nil, err
	}
	leases, err := newStore[Lease](cluster, bucket, scope, "leases")
	if err != nil {
		return nil, err
	}
	offsets, err := newStore[counter](cluster, bucket, scope, "offsets")
	if err != nil {
		return nil, err
	}
	transactions, err := store.NewTransactions(cluster)
	if err != nil {
		return nil, err
	}

	s := Store{
		messages:     messages,
		cursors:      cursors,
		leases:       leases,
		offsets:      offsets,
		transactions: transactions,
		messageTTL:   messageTTL,
		query:        fmt.Sprintf(loadMessages, bucket.Name(), scope, "messages"),
	}

	if err := validator.Validate("couchbase log", s.messageTTL); err != nil {
		return nil, fmt.Errorf("failed to validate couchbase log deps: %w", err)
	}

	return &s, nil
}

func (s *Store) NextOffset(ctx context.Context, topic string, shard int) (uint64, error) {
	n, err := s.offsets.Increment(ctx, OffsetKey(topic, shard))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate offset for topic %s shard %d: %w", topic, shard, err)
	}

	return n, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	err := s.messages.Insert(ctx, msg.ID, msg, &gocb.InsertOptions{Expiry: s.messageTTL})
	if err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

func (s *Store) LoadMessages(ctx context.Context, topic string, shard int, from uint64, limit int) ([]Message, error) {
	msgs, err := s.messages.Query(ctx, s.query, topic, shard, from, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	return msgs, nil
}

func (s *Store) GetCursor(ctx context.Context, topic, group string, shard int) (uint64, error) {
	cur, err := s.cursors.Get(ctx, CursorKey(topic, group, shard), nil)
	switch {
	case err == nil:
		return cur.Offset, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
}

// CommitCursor advances the cursor inside a transaction so that concurrent
// members of the group can only move it forward.
func (s *Store) CommitCursor(ctx context.Context, topic, group string, shard int, next uint64) error {
	key := CursorKey(topic, group, shard)

	err := s.transactions.Run(ctx, func(tx store.Tx) error {
		var cursor Cursor
		found, err := tx.Get(s.cursors, key, &cursor)
		if err != nil {
			return err
		}
		if found && next <= cursor.Offset {
			return nil
		}
		if !found {
			cursor = Cursor{ID: key, Topic: topic, Group: group, Shard: shard}
		}

		cursor.Offset = next
		return tx.Put(s.cursors, key, cursor)
	})
	if err != nil {
		return fmt.Errorf("failed to commit cursor for topic %s group %s shard %d: %w", topic, group, shard, err)
	}

	return nil
}

func (s *Store) InsertLease(ctx context.Context, group string, msg Message, ttl time.Duration) error {
	key := LeaseKey(group, msg.ID)

	lease := Lease{
		ID:        key,
		Group:     group,
		MessageID: msg.ID,
		Offset:    msg.Offset,
		Expires:   time.Now().UTC().Add(ttl),
	}

	err := s.leases.Insert(ctx, key, lease, &gocb.InsertOptions{Expiry: ttl})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentExists):
		return ErrLeased
	default:
		return fmt.Errorf("failed to insert lease: %w", err)
	}
}

func (s *Store) DeleteLease(ctx context.Context, group, msgID string) error {
	if err := s.leases.Remove(ctx, LeaseKey(group, msgID), nil); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}

	return nil
}
