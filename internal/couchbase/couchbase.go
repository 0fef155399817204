// Package couchbase wraps the gocb SDK with typed document stores, atomic
// counters and distributed transactions.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// ConnConfig holds the cluster connection settings.
type ConnConfig struct {
	ConnectionString string `env:"CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username         string `env:"USERNAME" envDefault:"Administrator"`
	Password         string `env:"PASSWORD" envDefault:"password"`
	Bucket           string `env:"BUCKET" envDefault:"bus"`
	Scope            string `env:"SCOPE" envDefault:"_default"`
}

// Connect opens the cluster and waits for the bucket to become ready.
func Connect(cfg ConnConfig) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(cfg.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}

// Couchbase is a typed store over one collection.
type Couchbase[T any] struct {
	cluster    *gocb.Cluster
	collection *gocb.Collection
}

func NewCouchbase[T any](cluster *gocb.Cluster, collection *gocb.Collection) (*Couchbase[T], error) {
	if cluster == nil || collection == nil {
		return nil, errors.New("invalid Couchbase parameters: cluster and collection must not be nil")
	}

	return &Couchbase[T]{
		cluster:    cluster,
		collection: collection,
	}, nil
}

// Insert creates a new document. It fails with gocb.ErrDocumentExists if key
// is taken.
func (c *Couchbase[T]) Insert(ctx context.Context, key string, value T, opts *gocb.InsertOptions) error {
	if opts == nil {
		opts = new(gocb.InsertOptions)
	}
	opts.Context = ctx

	if _, err := c.collection.Insert(key, value, opts); err != nil {
		return fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	return nil
}

// Get loads the document at key, stamping its CAS if T embeds Cas.
func (c *Couchbase[T]) Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error) {
	if opts == nil {
		opts = new(gocb.GetOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Get(key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document content for key %s: %w", key, err)
	}

	if s, ok := any(&v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return &v, nil
}

// Remove deletes the document at key. A missing document is not an error.
func (c *Couchbase[T]) Remove(ctx context.Context, key string, opts *gocb.RemoveOptions) error {
	if opts == nil {
		opts = new(gocb.RemoveOptions)
	}
	opts.Context = ctx

	_, err := c.collection.Remove(key, opts)
	if err != nil && !errors.Is(err, gocb.ErrDocumentNotFound) {
		return fmt.Errorf("failed to remove document with key %s: %w", key, err)
	}

	return nil
}

// Increment atomically bumps the counter at key and returns the new value.
// The first call creates the counter at 0.
func (c *Couchbase[T]) Increment(ctx context.Context, key string) (uint64, error) {
	res, err := c.collection.Binary().Increment(key, &gocb.IncrementOptions{
		Initial: 0,
		Delta:   1,
		Context: ctx,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	return res.Content(), nil
}

// Query runs a SQL++ statement with positional parameters and decodes every
// row into T.
func (c *Couchbase[T]) Query(ctx context.Context, statement string, args ...any) ([]T, error) {
	result, err := c.cluster.Query(statement, &gocb.QueryOptions{
		Context:              ctx,
		PositionalParameters: args,
		ScanConsistency:      gocb.QueryScanConsistencyRequestPlus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer result.Close()

	var items []T
	for result.Next() {
		var item T
		if err := result.Row(&item); err != nil {
			return nil, fmt.Errorf("failed to parse query row: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query rows: %w", err)
	}

	return items, nil
}

// Collection returns the underlying collection.
func (c *Couchbase[T]) Collection() *gocb.Collection {
	return c.collection
}
