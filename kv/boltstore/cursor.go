package boltstore

import (
	"bytes"

	"go.etcd.io/bbolt"
)

type cursor struct {
	tx  *bbolt.Tx
	c   *bbolt.Cursor
	key []byte
	val []byte

	// owns is true when tx was opened by Cursor itself (no transaction
	// was active), so Close must roll it back. A cursor sharing the
	// store's active transaction must leave it alone; Commit/Backout
	// own its lifetime instead.
	owns bool
}

func (c *cursor) set(k, v []byte) bool {
	c.key, c.val = k, v
	return k != nil
}

func (c *cursor) First() bool { return c.set(c.c.First()) }
func (c *cursor) Last() bool  { return c.set(c.c.Last()) }
func (c *cursor) Next() bool  { return c.set(c.c.Next()) }
func (c *cursor) Prev() bool  { return c.set(c.c.Prev()) }

func (c *cursor) Seek(target []byte) bool {
	return c.set(c.c.Seek(target))
}

func (c *cursor) SeekExact(target []byte) bool {
	k, v := c.c.Seek(target)
	if k != nil && bytes.Equal(k, target) {
		c.key, c.val = k, v
		return true
	}
	return false
}

func (c *cursor) Key() []byte   { return c.key }
func (c *cursor) Value() []byte { return c.val }

func (c *cursor) Close() error {
	if !c.owns {
		return nil
	}
	return c.tx.Rollback()
}
