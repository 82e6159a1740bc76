package boltstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/epokhe/segidx/kv"
)

type table struct {
	store  *Store
	bucket []byte
}

func (t *table) withBucket(writable bool, fn func(b *bbolt.Bucket) error) error {
	t.store.mu.Lock()
	tx := t.store.activeTx
	t.store.mu.Unlock()

	if tx != nil {
		return fn(tx.Bucket(t.bucket))
	}

	run := t.store.db.View
	if writable {
		run = t.store.db.Update
	}
	return run(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(t.bucket))
	})
}

func (t *table) Put(key, val []byte) error {
	return t.withBucket(true, func(b *bbolt.Bucket) error {
		return b.Put(key, val)
	})
}

func (t *table) Get(key []byte) ([]byte, error) {
	var out []byte
	err := t.withBucket(false, func(b *bbolt.Bucket) error {
		v := b.Get(key)
		if v == nil {
			return kv.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) Delete(key []byte) error {
	return t.withBucket(true, func(b *bbolt.Bucket) error {
		if b.Get(key) == nil {
			return kv.ErrNotFound
		}
		return b.Delete(key)
	})
}

// Cursor reuses the store's active transaction when one is in progress,
// the same way withBucket does, so a cursor opened mid-transaction
// observes that transaction's own uncommitted writes rather than a
// separate snapshot that predates them.
func (t *table) Cursor() (kv.Cursor, error) {
	t.store.mu.Lock()
	tx := t.store.activeTx
	t.store.mu.Unlock()

	if tx != nil {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil, fmt.Errorf("boltstore: bucket %q missing", t.bucket)
		}
		return &cursor{tx: tx, c: b.Cursor()}, nil
	}

	owned, err := t.store.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("boltstore: begin read tx: %w", err)
	}
	b := owned.Bucket(t.bucket)
	if b == nil {
		_ = owned.Rollback()
		return nil, fmt.Errorf("boltstore: bucket %q missing", t.bucket)
	}
	return &cursor{tx: owned, c: b.Cursor(), owns: true}, nil
}
