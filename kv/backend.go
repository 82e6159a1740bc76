// Package kv defines the ordered key/value store interface the index engine
// is built on, treated as an external collaborator rather than part of
// the engine itself; concrete implementations live in kv/memlog and
// kv/boltstore.
package kv

import "errors"

// ErrNotFound is returned by Table.Get and Table.Delete for an absent key.
var ErrNotFound = errors.New("kv: key not found")

// Backend is a namespace of independently ordered tables backed by a single
// storage handle (one directory, one file, one connection...).
type Backend interface {
	// Table opens (creating if necessary) the named table.
	Table(name string) (Table, error)

	// Close releases every resource held by the backend, including all
	// tables obtained from it.
	Close() error
}

// Table is a single ordered byte-keyed map with cursor support.
type Table interface {
	Put(key, val []byte) error
	Get(key []byte) ([]byte, error) // ErrNotFound if absent
	Delete(key []byte) error        // ErrNotFound if absent

	// Cursor returns a new ordered cursor over the table. The cursor must
	// be closed by the caller. Cursors observe the table as of the moment
	// each positioning call is made, not a frozen snapshot.
	Cursor() (Cursor, error)
}

// Cursor walks a Table in key order. A fresh cursor is unpositioned: First,
// Last, or Seek must be called before Key/Value are valid.
type Cursor interface {
	First() bool
	Last() bool
	Next() bool
	Prev() bool

	// Seek positions on the first key >= target, or returns false if none.
	Seek(target []byte) bool

	// SeekExact positions on target itself, or returns false (leaving the
	// cursor's position unspecified) if target is absent.
	SeekExact(target []byte) bool

	Key() []byte
	Value() []byte

	Close() error
}

// Txn is implemented by backends that can bracket a sequence of Table
// mutations in a single all-or-nothing unit. Backends without native
// transaction support simply don't implement this interface; engine.Database
// treats transactions against such a backend as silent no-ops.
type Txn interface {
	StartTransaction() error
	Commit() error
	Backout() error
}
