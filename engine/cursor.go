package engine

import (
	"bytes"

	"github.com/epokhe/segidx/kv"
)

// Cursor is the ordered traversal over one IndexTable's rows, producing
// (value, absolute-record-number) pairs, optionally restricted to values
// sharing a prefix. It holds one open kv.Cursor for its lifetime; Close
// releases it.
type Cursor struct {
	db      *Database
	ix      *IndexTable
	partial []byte

	kc kv.Cursor

	positioned bool
	curValue   []byte
	curSeg     uint32
	seg        *Segment
	offset     uint16

	steps int
}

// NewCursor opens a fresh cursor over ix, restricted to values with
// prefix partial (nil for an unrestricted scan).
func NewCursor(db *Database, ix *IndexTable, partial []byte) (*Cursor, error) {
	kc, err := ix.Cursor()
	if err != nil {
		return nil, wrapBackend(opContext{File: ix.file, Field: ix.field, Segment: -1, Record: -1}, err)
	}
	return &Cursor{db: db, ix: ix, partial: partial, kc: kc}, nil
}

// Close releases the underlying kv.Cursor.
func (c *Cursor) Close() error { return c.kc.Close() }

func (c *Cursor) matchesPartial(value []byte) bool {
	return c.partial == nil || bytes.HasPrefix(value, c.partial)
}

func (c *Cursor) resetFresh() {
	c.positioned = false
	c.curValue = nil
	c.seg = nil
}

func (c *Cursor) maybeHousekeep() {
	if c.db == nil {
		return
	}
	c.steps++
	if step := c.db.HousekeepingStep(); step > 0 && c.steps%step == 0 {
		c.db.Housekeeping()
	}
}

// prefixUpperBound returns the smallest key that is strictly greater than
// every key starting with prefix, or nil if prefix is all 0xFF bytes (no
// finite upper bound exists, short of exhausting the keyspace).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Value returns the current row's value bytes, valid only after a
// positioning call returned true.
func (c *Cursor) Value() []byte { return c.curValue }

// Record returns the current absolute record number, valid only after a
// positioning call returned true.
func (c *Cursor) Record() uint64 {
	return uint64(c.curSeg)*uint64(c.ix.s) + uint64(c.offset)
}

func (c *Cursor) decodeRow(segNum uint32, raw []byte) (*Segment, error) {
	form, count, ref, err := decodeIndexRow(raw)
	if err != nil {
		return nil, err
	}
	return loadSegmentByRef(c.ix, form, count, ref, segNum)
}

func (c *Cursor) sync(ok bool, atLast bool) (bool, error) {
	if !ok {
		c.resetFresh()
		return false, nil
	}
	value, segNum := decodeIndexKey(c.kc.Key())
	if !c.matchesPartial(value) {
		c.resetFresh()
		return false, nil
	}
	seg, err := c.decodeRow(segNum, c.kc.Value())
	if err != nil {
		c.resetFresh()
		return false, err
	}

	c.curValue = value
	c.curSeg = segNum
	c.seg = seg
	c.positioned = true
	if atLast {
		off, _ := seg.Last()
		c.offset = off
	} else {
		off, _ := seg.First()
		c.offset = off
	}
	return true, nil
}

// First positions on the first row (respecting partial); the row's
// smallest member becomes the current record.
func (c *Cursor) First() (bool, error) {
	var ok bool
	if c.partial == nil {
		ok = c.kc.First()
	} else {
		ok = c.kc.Seek(c.partial)
	}
	return c.sync(ok, false)
}

// Last positions on the last row (respecting partial); the row's largest
// member becomes the current record.
func (c *Cursor) Last() (bool, error) {
	var ok bool
	switch {
	case c.partial == nil:
		ok = c.kc.Last()
	default:
		if upper := prefixUpperBound(c.partial); upper != nil && c.kc.Seek(upper) {
			ok = c.kc.Prev()
		} else {
			ok = c.kc.Last()
		}
	}
	return c.sync(ok, true)
}

// Next advances to the next (value, record) pair in ascending order,
// crossing segment and row boundaries as needed.
func (c *Cursor) Next() (bool, error) {
	if !c.positioned {
		return c.First()
	}
	if off, ok := c.seg.Next(c.offset); ok {
		c.offset = off
		c.maybeHousekeep()
		return true, nil
	}
	ok := c.kc.Next()
	c.maybeHousekeep()
	return c.sync(ok, false)
}

// Prev retreats to the previous (value, record) pair in descending order.
func (c *Cursor) Prev() (bool, error) {
	if !c.positioned {
		return c.Last()
	}
	if off, ok := c.seg.Prev(c.offset); ok {
		c.offset = off
		c.maybeHousekeep()
		return true, nil
	}
	ok := c.kc.Prev()
	c.maybeHousekeep()
	return c.sync(ok, true)
}

// Nearest positions on the first row with value >= v (respecting
// partial); offset becomes the row's smallest member.
func (c *Cursor) Nearest(v []byte) (bool, error) {
	ok := c.kc.Seek(v)
	return c.sync(ok, false)
}

// SetAt positions the cursor at exactly (value, record). If record is
// absent — the value exists but that particular record-number isn't a
// member of its segment, or the row itself doesn't exist — SetAt returns
// false but leaves the cursor positioned so a following Next/Prev
// continues in the correct order.
func (c *Cursor) SetAt(value []byte, record uint64) (bool, error) {
	segNum := uint32(record / uint64(c.ix.s))
	offset := uint16(record % uint64(c.ix.s))
	key := encodeIndexKey(value, segNum)

	if ok := c.kc.SeekExact(key); ok {
		found, err := c.sync(true, false)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		if c.seg.Contains(offset) {
			c.offset = offset
			return true, nil
		}
		// value/segment row exists but record isn't a member: stay on
		// this row, pivoted at the requested (absent) offset so
		// Next/Prev resume correctly.
		c.offset = offset
		return false, nil
	}

	// No exact row; seek to the nearest following row so the cursor is
	// at least positioned nearby.
	ok := c.kc.Seek(key)
	if _, err := c.sync(ok, false); err != nil {
		return false, err
	}
	return false, nil
}

// CountRecords sums count across every row matching partial (or every
// row, unrestricted), without decoding any segment's payload.
func (c *Cursor) CountRecords() (uint64, error) {
	kc, err := c.ix.Cursor()
	if err != nil {
		return 0, wrapBackend(opContext{File: c.ix.file, Field: c.ix.field, Segment: -1, Record: -1}, err)
	}
	defer kc.Close()

	var total uint64
	var ok bool
	if c.partial == nil {
		ok = kc.First()
	} else {
		ok = kc.Seek(c.partial)
	}

	steps := 0
	for ok {
		value, _ := decodeIndexKey(kc.Key())
		if !c.matchesPartial(value) {
			break
		}
		_, count, _, err := decodeIndexRow(kc.Value())
		if err != nil {
			return 0, err
		}
		total += uint64(count)

		steps++
		if c.db != nil {
			if step := c.db.HousekeepingStep(); step > 0 && steps%step == 0 {
				c.db.Housekeeping()
			}
		}
		ok = kc.Next()
	}
	return total, nil
}

// PositionOf returns the ordinal of (value, record) within this cursor's
// sequence (0-based), or *NotFoundError if it is not a member.
func (c *Cursor) PositionOf(value []byte, record uint64) (int64, error) {
	segNum := uint32(record / uint64(c.ix.s))
	offset := uint16(record % uint64(c.ix.s))

	kc, err := c.ix.Cursor()
	if err != nil {
		return 0, wrapBackend(opContext{File: c.ix.file, Field: c.ix.field, Segment: -1, Record: -1}, err)
	}
	defer kc.Close()

	var pos int64
	var ok bool
	if c.partial == nil {
		ok = kc.First()
	} else {
		ok = kc.Seek(c.partial)
	}

	for ok {
		v, sn := decodeIndexKey(kc.Key())
		if !c.matchesPartial(v) {
			break
		}
		form, count, ref, err := decodeIndexRow(kc.Value())
		if err != nil {
			return 0, err
		}

		if bytes.Equal(v, value) && sn == segNum {
			seg, err := loadSegmentByRef(c.ix, form, count, ref, sn)
			if err != nil {
				return 0, err
			}
			rank, found := seg.RankOf(offset)
			if !found {
				return 0, &NotFoundError{ctx: recordOnly(c.ix.file, int64(record))}
			}
			return pos + int64(rank), nil
		}

		pos += int64(count)
		c.maybeHousekeep()
		ok = kc.Next()
	}
	return 0, &NotFoundError{ctx: recordOnly(c.ix.file, int64(record))}
}

// RecordAtPosition returns the (value, record) pair at ordinal p within
// this cursor's sequence. Negative p counts from the end (-1 is the last
// pair).
func (c *Cursor) RecordAtPosition(p int64) ([]byte, uint64, error) {
	total, err := c.CountRecords()
	if err != nil {
		return nil, 0, err
	}
	if p < 0 {
		p += int64(total)
	}
	if p < 0 || uint64(p) >= total {
		return nil, 0, &NotFoundError{ctx: opContext{File: c.ix.file, Field: c.ix.field, Segment: -1, Record: p}}
	}

	kc, err := c.ix.Cursor()
	if err != nil {
		return nil, 0, wrapBackend(opContext{File: c.ix.file, Field: c.ix.field, Segment: -1, Record: -1}, err)
	}
	defer kc.Close()

	var consumed int64
	var ok bool
	if c.partial == nil {
		ok = kc.First()
	} else {
		ok = kc.Seek(c.partial)
	}

	for ok {
		v, sn := decodeIndexKey(kc.Key())
		if !c.matchesPartial(v) {
			break
		}
		form, count, ref, err := decodeIndexRow(kc.Value())
		if err != nil {
			return nil, 0, err
		}

		if consumed+int64(count) > p {
			seg, err := loadSegmentByRef(c.ix, form, count, ref, sn)
			if err != nil {
				return nil, 0, err
			}
			off, found := seg.MemberAtRank(int(p - consumed))
			if !found {
				return nil, 0, &NotFoundError{ctx: opContext{File: c.ix.file, Field: c.ix.field, Segment: -1, Record: p}}
			}
			return v, uint64(sn)*uint64(c.ix.s) + uint64(off), nil
		}
		consumed += int64(count)
		c.maybeHousekeep()
		ok = kc.Next()
	}
	return nil, 0, &NotFoundError{ctx: opContext{File: c.ix.file, Field: c.ix.field, Segment: -1, Record: p}}
}
