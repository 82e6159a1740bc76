package engine

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/epokhe/segidx/kv"
)

// Pool selects which free-page stack a page belongs to: List-form payloads
// and Bits-form payloads are never reused across each other because their
// natural sizes differ, so the caller picks the pool from the payload's
// form.
type Pool uint8

const (
	PoolList Pool = iota
	PoolBits
)

// pageControlKey is reserved (page id 0 can never be allocated) the same
// way the EBM reserves key 0 for its control row.
const pageControlKey = 0

// PageStore is the segment table: a page-id -> payload map with
// append-with-reuse semantics and two persisted free-id stacks (spec
// §4.2).
type PageStore struct {
	tbl kv.Table

	mu       sync.Mutex
	nextID   uint64
	freeList []uint64
	freeBits []uint64
}

// OpenPageStore loads (or initializes) the page store backed by tbl.
func OpenPageStore(tbl kv.Table) (*PageStore, error) {
	ps := &PageStore{tbl: tbl, nextID: 1}

	raw, err := tbl.Get(pageKey(pageControlKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ps, nil
		}
		return nil, wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}
	if err := ps.decodeControl(raw); err != nil {
		return nil, err
	}
	return ps, nil
}

func pageKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func (ps *PageStore) decodeControl(raw []byte) error {
	if len(raw) < 8 {
		return &CorruptSegmentError{Len: len(raw)}
	}
	ps.nextID = binary.BigEndian.Uint64(raw[:8])
	rest := raw[8:]

	readStack := func() ([]uint64, error) {
		if len(rest) < 4 {
			return nil, &CorruptSegmentError{Len: len(rest)}
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if len(rest) < int(n)*8 {
			return nil, &CorruptSegmentError{Len: len(rest)}
		}
		out := make([]uint64, n)
		for i := range out {
			out[i] = binary.BigEndian.Uint64(rest[:8])
			rest = rest[8:]
		}
		return out, nil
	}

	var err error
	if ps.freeList, err = readStack(); err != nil {
		return err
	}
	if ps.freeBits, err = readStack(); err != nil {
		return err
	}
	return nil
}

func (ps *PageStore) encodeControl() []byte {
	size := 8 + 4 + 8*len(ps.freeList) + 4 + 8*len(ps.freeBits)
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[:8], ps.nextID)
	off := 8

	writeStack := func(s []uint64) {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(s)))
		off += 4
		for _, v := range s {
			binary.BigEndian.PutUint64(buf[off:off+8], v)
			off += 8
		}
	}
	writeStack(ps.freeList)
	writeStack(ps.freeBits)
	return buf
}

func (ps *PageStore) persistControl() error {
	return wrapBackend(opContext{Segment: -1, Record: -1}, ps.tbl.Put(pageKey(pageControlKey), ps.encodeControl()))
}

func (ps *PageStore) stackFor(pool Pool) *[]uint64 {
	if pool == PoolList {
		return &ps.freeList
	}
	return &ps.freeBits
}

// Append writes data as a new page, preferring a popped free id from pool
// over growing the high-water counter, and returns the assigned page id.
func (ps *PageStore) Append(pool Pool, data []byte) (uint64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	stack := ps.stackFor(pool)

	var id uint64
	if len(*stack) > 0 {
		id = (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
	} else {
		id = ps.nextID
		ps.nextID++
	}

	if err := ps.tbl.Put(pageKey(id), data); err != nil {
		return 0, wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}
	if err := ps.persistControl(); err != nil {
		return 0, err
	}
	return id, nil
}

// Put overwrites an existing page's payload in place (used when a
// segment's form/content changes but it keeps the same page id).
func (ps *PageStore) Put(id uint64, data []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return wrapBackend(opContext{Segment: -1, Record: -1}, ps.tbl.Put(pageKey(id), data))
}

// Get returns a page's payload, or MissingSegmentPageError if id isn't
// present.
func (ps *PageStore) Get(id uint64) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	raw, err := ps.tbl.Get(pageKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, &MissingSegmentPageError{PageID: id}
		}
		return nil, wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}
	return raw, nil
}

// Delete removes the page and pushes its id onto pool's free stack for
// reuse.
func (ps *PageStore) Delete(id uint64, pool Pool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := ps.tbl.Delete(pageKey(id)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}

	stack := ps.stackFor(pool)
	*stack = append(*stack, id)
	return ps.persistControl()
}

// FreeCounts reports the depth of each pool's free stack; used by the
// CLI's stats command and by tests.
func (ps *PageStore) FreeCounts() (listFree, bitsFree int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.freeList), len(ps.freeBits)
}

// FreePageIDs returns a copy of both free-page stacks merged, for
// consistency checking against the live index rows.
func (ps *PageStore) FreePageIDs() []uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := make([]uint64, 0, len(ps.freeList)+len(ps.freeBits))
	out = append(out, ps.freeList...)
	out = append(out, ps.freeBits...)
	return out
}
