package engine

import (
	"errors"

	"github.com/epokhe/segidx/kv"
)

// IndexTable is the per-(file, field) posting-list store: rows keyed
// (value, segment-number), carrying either an inline Int offset or a
// page-id into pages.
type IndexTable struct {
	tbl   kv.Table
	pages *PageStore

	file, field string

	s, listMax, demoteAt uint32
}

// OpenIndexTable wraps tbl (one ordered kv.Table per field) with pages,
// the segment (page) table belonging to the same (file, field).
func OpenIndexTable(tbl kv.Table, pages *PageStore, file, field string, s, listMax, demoteAt uint32) *IndexTable {
	return &IndexTable{tbl: tbl, pages: pages, file: file, field: field, s: s, listMax: listMax, demoteAt: demoteAt}
}

// Pages returns the field's shared segment (page) table, e.g. for
// reporting free-pool statistics.
func (ix *IndexTable) Pages() *PageStore { return ix.pages }

func poolForForm(f Form) Pool {
	if f == FormBits {
		return PoolBits
	}
	return PoolList
}

func (ix *IndexTable) ctx(value []byte, segNum uint32) opContext {
	return opContext{File: ix.file, Field: ix.field, Value: value, Segment: int64(segNum), Record: -1}
}

// loadRow fetches the row at (value, segNum) and decodes it into a
// Segment, fetching its page from the segment table if it's List/Bits.
// ok is false if no row exists.
func (ix *IndexTable) loadRow(value []byte, segNum uint32) (seg *Segment, ref uint64, ok bool, err error) {
	raw, err := ix.tbl.Get(encodeIndexKey(value, segNum))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, wrapBackend(ix.ctx(value, segNum), err)
	}

	form, count, ref, err := decodeIndexRow(raw)
	if err != nil {
		return nil, 0, false, err
	}

	if form == FormInt {
		seg, err = DecodeSegment(FormInt, nil, segNum, ix.s, ix.listMax, ix.demoteAt, uint16(ref))
		return seg, ref, true, err
	}

	payload, err := ix.pages.Get(ref)
	if err != nil {
		return nil, 0, false, err
	}
	seg, err = DecodeSegment(form, payload, segNum, ix.s, ix.listMax, ix.demoteAt, 0)
	if err != nil {
		return nil, 0, false, err
	}
	if seg.Count() != count {
		return nil, 0, false, &CorruptSegmentError{ctx: ix.ctx(value, segNum), Len: len(payload)}
	}
	return seg, ref, true, nil
}

// storeRow persists seg at (value, segNum), given the row's previous
// form/reference (prevOK false if there was no prior row), allocating,
// reusing, or freeing segment-table pages as the form changes.
func (ix *IndexTable) storeRow(value []byte, segNum uint32, seg *Segment, prevForm Form, prevRef uint64, prevOK bool) error {
	key := encodeIndexKey(value, segNum)
	form := seg.Form()

	var ref uint64
	switch form {
	case FormInt:
		ref = uint64(seg.IntOffset())
		if prevOK && prevForm != FormInt {
			if err := ix.pages.Delete(prevRef, poolForForm(prevForm)); err != nil {
				return err
			}
		}
	default:
		payload := seg.Encode()
		switch {
		case prevOK && prevForm == form:
			ref = prevRef
			if err := ix.pages.Put(ref, payload); err != nil {
				return err
			}
		default:
			id, err := ix.pages.Append(poolForForm(form), payload)
			if err != nil {
				return err
			}
			ref = id
			if prevOK && prevForm != FormInt {
				if err := ix.pages.Delete(prevRef, poolForForm(prevForm)); err != nil {
					return err
				}
			}
		}
	}

	return wrapBackend(ix.ctx(value, segNum), ix.tbl.Put(key, encodeIndexRow(form, seg.Count(), ref)))
}

func (ix *IndexTable) deleteRow(value []byte, segNum uint32, prevForm Form, prevRef uint64) error {
	key := encodeIndexKey(value, segNum)
	if err := wrapBackend(ix.ctx(value, segNum), ix.tbl.Delete(key)); err != nil {
		return err
	}
	if prevForm != FormInt {
		return ix.pages.Delete(prevRef, poolForForm(prevForm))
	}
	return nil
}

// AddPosting records that record belongs to (value), promoting the
// segment's form if needed.
func (ix *IndexTable) AddPosting(value []byte, record uint64) error {
	segNum := uint32(record / uint64(ix.s))
	offset := uint16(record % uint64(ix.s))

	seg, ref, ok, err := ix.loadRow(value, segNum)
	if err != nil {
		return err
	}
	prevForm := FormInt
	if ok {
		prevForm = seg.Form()
	} else {
		seg = NewEmptySegment(segNum, ix.s, ix.listMax, ix.demoteAt)
	}

	if !seg.Insert(offset) {
		return nil
	}
	return ix.storeRow(value, segNum, seg, prevForm, ref, ok)
}

// RemovePosting is the inverse of AddPosting; removing the last member of
// a segment deletes its row and frees its page. Removing from a
// nonexistent row is a silent no-op (mirrors the codec's idempotence).
func (ix *IndexTable) RemovePosting(value []byte, record uint64) error {
	segNum := uint32(record / uint64(ix.s))
	offset := uint16(record % uint64(ix.s))

	seg, ref, ok, err := ix.loadRow(value, segNum)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	prevForm := seg.Form()

	if !seg.Remove(offset) {
		return nil
	}
	if seg.Count() == 0 {
		return ix.deleteRow(value, segNum, prevForm, ref)
	}
	return ix.storeRow(value, segNum, seg, prevForm, ref, true)
}

// AddSegmentRow writes seg's members into the row at (value,
// seg.SegmentNumber()), unioning with whatever is already stored there.
// A resumed deferred load can land mid-segment against postings a prior
// session already committed, so this mirrors AddPosting's load-then-store
// rather than assuming the row is unoccupied.
func (ix *IndexTable) AddSegmentRow(value []byte, seg *Segment) error {
	segNum := seg.SegmentNumber()
	existing, ref, ok, err := ix.loadRow(value, segNum)
	if err != nil {
		return err
	}
	prevForm := FormInt
	if ok {
		prevForm = existing.Form()
		seg = Union(existing, seg)
	}
	return ix.storeRow(value, segNum, seg, prevForm, ref, ok)
}

// LookupSegment returns the decoded segment at (value, segNum), or
// ok=false if no row exists there.
func (ix *IndexTable) LookupSegment(value []byte, segNum uint32) (seg *Segment, ok bool, err error) {
	seg, _, ok, err = ix.loadRow(value, segNum)
	return seg, ok, err
}

// Cursor opens a raw ordered cursor over this field's rows, for use by
// the engine cursor and recordset constructors.
func (ix *IndexTable) Cursor() (kv.Cursor, error) {
	return ix.tbl.Cursor()
}
