// Package boltstore is a kv.Backend over go.etcd.io/bbolt, grounded on the
// bolt-family postings stores seen elsewhere in the pack
// (other_examples' clark4working-tindex, Giulio2002-gdbx). It demonstrates
// that engine.Database is not tied to the memlog backend.
package boltstore

import (
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/epokhe/segidx/kv"
)

// Store is a kv.Backend backed by a single bbolt database file; each table
// is a top-level bucket.
type Store struct {
	db *bbolt.DB

	mu       sync.Mutex
	activeTx *bbolt.Tx // non-nil between StartTransaction and Commit/Backout
}

var errTxAlreadyActive = errors.New("boltstore: transaction already active")
var errNoActiveTx = errors.New("boltstore: no active transaction")

// Open opens (creating if necessary) a bolt-backed store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Table(name string) (kv.Table, error) {
	bucket := []byte(name)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: create bucket %q: %w", name, err)
	}
	return &table{store: s, bucket: bucket}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartTransaction, Commit, and Backout implement kv.Txn, forwarding to
// the underlying bbolt transaction. While a transaction is active, every
// Table obtained from this Store reuses it instead of opening its own.
func (s *Store) StartTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTx != nil {
		return errTxAlreadyActive
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return fmt.Errorf("boltstore: begin tx: %w", err)
	}
	s.activeTx = tx
	return nil
}

func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTx == nil {
		return errNoActiveTx
	}
	err := s.activeTx.Commit()
	s.activeTx = nil
	return err
}

func (s *Store) Backout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTx == nil {
		return errNoActiveTx
	}
	err := s.activeTx.Rollback()
	s.activeTx = nil
	return err
}
