package memlog

import (
	"bytes"
	"fmt"
	"sort"
)

type cursor struct {
	entries []entry
	pos     int // -1 before first, len(entries) after last
}

func (c *cursor) First() bool {
	if len(c.entries) == 0 {
		c.pos = 0
		return false
	}
	c.pos = 0
	return true
}

func (c *cursor) Last() bool {
	if len(c.entries) == 0 {
		c.pos = 0
		return false
	}
	c.pos = len(c.entries) - 1
	return true
}

func (c *cursor) Next() bool {
	if c.pos < len(c.entries) {
		c.pos++
	}
	return c.pos >= 0 && c.pos < len(c.entries)
}

func (c *cursor) Prev() bool {
	if c.pos >= 0 {
		c.pos--
	}
	return c.pos >= 0 && c.pos < len(c.entries)
}

func (c *cursor) Seek(target []byte) bool {
	i := sort.Search(len(c.entries), func(i int) bool {
		return bytes.Compare(c.entries[i].key, target) >= 0
	})
	c.pos = i
	return i < len(c.entries)
}

func (c *cursor) SeekExact(target []byte) bool {
	i := sort.Search(len(c.entries), func(i int) bool {
		return bytes.Compare(c.entries[i].key, target) >= 0
	})
	if i < len(c.entries) && bytes.Equal(c.entries[i].key, target) {
		c.pos = i
		return true
	}
	return false
}

func (c *cursor) Key() []byte {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil
	}
	return c.entries[c.pos].key
}

func (c *cursor) Value() []byte {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil
	}
	loc := c.entries[c.pos].loc
	val, err := loc.seg.readValueAt(loc.offset)
	if err != nil {
		// Cursor.Value has no error return in the kv.Cursor contract,
		// so a read failure here panics with the location and cause.
		panic(fmt.Sprintf("memlog: read value at %+v: %v", loc, err))
	}
	return val
}

func (c *cursor) Close() error { return nil }
