package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

const defaultTxTimeout = 10 * time.Second

// Collection is satisfied by *Couchbase[T].
type Collection interface {
	Collection() *gocb.Collection
}

// Tx is what a transaction body sees of one attempt. The SDK may run the body
// more than once, so it must not have side effects outside Tx.
type Tx interface {
	// Get reads key into v and reports whether the document exists.
	Get(c Collection, key string, v any) (bool, error)
	// Put replaces key if this attempt read it with Get, and inserts it otherwise.
	Put(c Collection, key string, v any) error
}

// Transactions runs bodies inside Couchbase distributed transactions.
type Transactions struct {
	cluster *gocb.Cluster
}

func NewTransactions(cluster *gocb.Cluster) (*Transactions, error) {
	if cluster == nil {
		return nil, errors.New("couchbase cluster cannot be nil")
	}

	return &Transactions{cluster: cluster}, nil
}

// Run executes fn in a transaction bounded by ctx's deadline, or by ten
// seconds when ctx has none.
func (t *Transactions) Run(ctx context.Context, fn func(tx Tx) error) error {
	timeout := defaultTxTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         timeout,
	}

	_, err := t.cluster.Transactions().Run(func(actx *gocb.TransactionAttemptContext) error {
		return fn(&attempt{actx: actx, read: make(map[string]*gocb.TransactionGetResult)})
	}, &opts)
	if err != nil {
		return fmt.Errorf("failed to run transaction: %w", err)
	}

	return nil
}

type attempt struct {
	actx *gocb.TransactionAttemptContext
	// read holds documents fetched in this attempt, for Put to replace.
	read map[string]*gocb.TransactionGetResult
}

func docID(c Collection, key string) string {
	col := c.Collection()
	return col.ScopeName() + "." + col.Name() + "/" + key
}

func (a *attempt) Get(c Collection, key string, v any) (bool, error) {
	res, err := a.actx.Get(c.Collection(), key)
	switch {
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := res.Content(v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	a.read[docID(c, key)] = res

	return true, nil
}

func (a *attempt) Put(c Collection, key string, v any) error {
	if doc, ok := a.read[docID(c, key)]; ok {
		if _, err := a.actx.Replace(doc, v); err != nil {
			return fmt.Errorf("failed to replace %s: %w", key, err)
		}
		return nil
	}

	if _, err := a.actx.Insert(c.Collection(), key, v); err != nil {
		return fmt.Errorf("failed to insert %s: %w", key, err)
	}

	return nil
}
