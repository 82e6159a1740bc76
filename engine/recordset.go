package engine

import (
	"bytes"
	"sort"
)

// Recordset is an in-memory, segment-sparse set of record numbers for a
// single file: a map from segment-number to the Segment of local offsets
// present in that segment. It remembers the database handle that
// produced it so combining operations can refuse to mix recordsets from
// different handles.
type Recordset struct {
	db   *Database
	s    uint32
	segs map[uint32]*Segment
}

func newRecordset(db *Database) *Recordset {
	return &Recordset{db: db, s: db.segmentSize(), segs: make(map[uint32]*Segment)}
}

// NewRecordsetFromRecord builds a one-member recordset.
func NewRecordsetFromRecord(db *Database, record uint64) *Recordset {
	rs := newRecordset(db)
	s := rs.s
	segNum := uint32(record / uint64(s))
	offset := uint16(record % uint64(s))
	seg := NewEmptySegment(segNum, s, db.listMax(), db.demoteAt())
	seg.Insert(offset)
	rs.segs[segNum] = seg
	return rs
}

// NewRecordsetFromEBM builds a recordset containing every currently-live
// record number in the file.
func NewRecordsetFromEBM(db *Database, ebm *ExistenceBitmap) (*Recordset, error) {
	rs := newRecordset(db)
	hw := ebm.HighWater()
	if hw == 0 {
		return rs, nil
	}
	lastSeg := uint32((hw - 1) / uint64(rs.s))
	for segNum := uint32(0); segNum <= lastSeg; segNum++ {
		raw, err := ebm.SegmentBitmap(segNum)
		if err != nil {
			return nil, err
		}
		if segAllZero(raw) {
			continue
		}
		seg, err := DecodeSegment(FormBits, raw, segNum, rs.s, db.listMax(), db.demoteAt(), 0)
		if err != nil {
			return nil, err
		}
		rs.segs[segNum] = normalizeForm(seg)
	}
	return rs, nil
}

// normalizeForm re-expresses a segment decoded straight off the EBM's raw
// bitmap (always Bits on disk) in its minimal form, since Recordset
// segments participate in the same form-minimal algebra as index postings.
func normalizeForm(seg *Segment) *Segment {
	var members []uint16
	for off, ok := seg.First(); ok; off, ok = seg.Next(off) {
		members = append(members, off)
	}
	return fromMembers(members, seg.s, seg.listMax, seg.demoteAt, seg.segNum)
}

// rowMatcher decides, per index row value, whether to fold it into the
// recordset (include) and whether iteration should stop after this row
// (stop, used once rows have moved past a bounded range).
type rowMatcher func(value []byte) (include, stop bool)

func collectFromIndex(db *Database, ix *IndexTable, match rowMatcher) (*Recordset, error) {
	rs := newRecordset(db)

	cur, err := ix.Cursor()
	if err != nil {
		return nil, wrapBackend(opContext{File: ix.file, Field: ix.field, Segment: -1, Record: -1}, err)
	}
	defer cur.Close()

	for ok := cur.First(); ok; ok = cur.Next() {
		value, segNum := decodeIndexKey(cur.Key())
		include, stop := match(value)
		if !include {
			if stop {
				break
			}
			continue
		}

		form, count, ref, err := decodeIndexRow(cur.Value())
		if err != nil {
			return nil, err
		}
		seg, err := loadSegmentByRef(ix, form, count, ref, segNum)
		if err != nil {
			return nil, err
		}

		if existing, ok := rs.segs[segNum]; ok {
			rs.segs[segNum] = Union(existing, seg)
		} else {
			rs.segs[segNum] = seg
		}

		if stop {
			break
		}
	}
	return rs, nil
}

func loadSegmentByRef(ix *IndexTable, form Form, count uint32, ref uint64, segNum uint32) (*Segment, error) {
	if form == FormInt {
		return DecodeSegment(FormInt, nil, segNum, ix.s, ix.listMax, ix.demoteAt, uint16(ref))
	}
	payload, err := ix.pages.Get(ref)
	if err != nil {
		return nil, err
	}
	seg, err := DecodeSegment(form, payload, segNum, ix.s, ix.listMax, ix.demoteAt, 0)
	if err != nil {
		return nil, err
	}
	if seg.Count() != count {
		return nil, &CorruptSegmentError{ctx: ix.ctx(nil, segNum), Len: len(payload)}
	}
	return seg, nil
}

// NewRecordsetFromPostings builds a recordset from every posting of
// exactly (field, value), i.e. a single-value equality query.
func NewRecordsetFromPostings(db *Database, ix *IndexTable, value []byte) (*Recordset, error) {
	return collectFromIndex(db, ix, func(v []byte) (bool, bool) {
		c := bytes.Compare(v, value)
		if c == 0 {
			return true, false
		}
		return false, c > 0
	})
}

// NewRecordsetFromPrefix builds a recordset from every posting whose value
// starts with prefix.
func NewRecordsetFromPrefix(db *Database, ix *IndexTable, prefix []byte) (*Recordset, error) {
	return collectFromIndex(db, ix, func(v []byte) (bool, bool) {
		if bytes.HasPrefix(v, prefix) {
			return true, false
		}
		return false, bytes.Compare(v, prefix) > 0
	})
}

// NewRecordsetFromRange builds a recordset from every posting whose value
// falls in [from, to) (either bound nil means unbounded on that side).
func NewRecordsetFromRange(db *Database, ix *IndexTable, from, to []byte) (*Recordset, error) {
	return collectFromIndex(db, ix, func(v []byte) (bool, bool) {
		if from != nil && bytes.Compare(v, from) < 0 {
			return false, false
		}
		if to != nil && bytes.Compare(v, to) >= 0 {
			return false, true
		}
		return true, false
	})
}

// Place adds record to the set if it is currently live in the EBM,
// reporting whether it was added. A dead record number is refused.
func (rs *Recordset) Place(ebm *ExistenceBitmap, record uint64) (bool, error) {
	live, err := ebm.Contains(record)
	if err != nil {
		return false, err
	}
	if !live {
		return false, nil
	}

	segNum := uint32(record / uint64(rs.s))
	offset := uint16(record % uint64(rs.s))
	seg, ok := rs.segs[segNum]
	if !ok {
		seg = NewEmptySegment(segNum, rs.s, rs.db.listMax(), rs.db.demoteAt())
		rs.segs[segNum] = seg
	}
	return seg.Insert(offset), nil
}

// Remove discards record from the set, reporting whether it was present.
func (rs *Recordset) Remove(record uint64) bool {
	segNum := uint32(record / uint64(rs.s))
	offset := uint16(record % uint64(rs.s))
	seg, ok := rs.segs[segNum]
	if !ok {
		return false
	}
	changed := seg.Remove(offset)
	if changed && seg.Count() == 0 {
		delete(rs.segs, segNum)
	}
	return changed
}

// Count returns the total number of record numbers across all segments.
func (rs *Recordset) Count() uint64 {
	var n uint64
	for _, seg := range rs.segs {
		n += uint64(seg.Count())
	}
	return n
}

// Segments returns the recordset's segment numbers in ascending order.
func (rs *Recordset) Segments() []uint32 {
	out := make([]uint32, 0, len(rs.segs))
	for n := range rs.segs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Segment returns the Segment at segNum, if present.
func (rs *Recordset) Segment(segNum uint32) (*Segment, bool) {
	seg, ok := rs.segs[segNum]
	return seg, ok
}

func checkSameDB(a, b *Recordset) error {
	if a.db != b.db {
		return &CrossDatabaseError{}
	}
	return nil
}

func combineSets(a, b *Recordset, both func(x, y *Segment) *Segment, dropEmpty bool) (*Recordset, error) {
	if err := checkSameDB(a, b); err != nil {
		return nil, err
	}
	rs := &Recordset{db: a.db, s: a.s, segs: make(map[uint32]*Segment)}

	segNums := make(map[uint32]struct{}, len(a.segs)+len(b.segs))
	for n := range a.segs {
		segNums[n] = struct{}{}
	}
	for n := range b.segs {
		segNums[n] = struct{}{}
	}

	for n := range segNums {
		sa, inA := a.segs[n]
		sb, inB := b.segs[n]
		switch {
		case inA && inB:
			res := both(sa, sb)
			if !dropEmpty || res.Count() > 0 {
				rs.segs[n] = res
			}
		case inA:
			rs.segs[n] = sa
		case inB:
			res := both(nil, sb)
			if !dropEmpty || res.Count() > 0 {
				rs.segs[n] = res
			}
		}
	}
	return rs, nil
}

// RecordsetUnion returns a | b.
func RecordsetUnion(a, b *Recordset) (*Recordset, error) {
	return combineSets(a, b, Union, false)
}

// RecordsetIntersection returns a & b; segments present in only one
// operand are dropped.
func RecordsetIntersection(a, b *Recordset) (*Recordset, error) {
	if err := checkSameDB(a, b); err != nil {
		return nil, err
	}
	rs := &Recordset{db: a.db, s: a.s, segs: make(map[uint32]*Segment)}
	for n, sa := range a.segs {
		sb, ok := b.segs[n]
		if !ok {
			continue
		}
		res := Intersection(sa, sb)
		if res.Count() > 0 {
			rs.segs[n] = res
		}
	}
	return rs, nil
}

// RecordsetDifference returns a - b.
func RecordsetDifference(a, b *Recordset) (*Recordset, error) {
	return combineSets(a, b, Difference, true)
}

// RecordsetSymmetricDifference returns a ^ b.
func RecordsetSymmetricDifference(a, b *Recordset) (*Recordset, error) {
	return combineSets(a, b, SymmetricDifference, true)
}
