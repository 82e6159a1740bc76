package engine

import (
	"testing"

	"github.com/epokhe/segidx/kv/memlog"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	st, err := memlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	db, err := Open(st, WithSegmentSize(128), WithListThreshold(6))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func populateScenario1(t *testing.T, db *Database) (*FileHandle, *IndexTable) {
	t.Helper()
	fh, err := db.File("f")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	ix, err := db.Field("f", "F")
	if err != nil {
		t.Fatalf("field: %v", err)
	}

	values := map[uint64]string{0: "a", 1: "a", 2: "b", 5: "a", 130: "a"}
	for r, v := range values {
		if err := fh.ebm.Set(r); err != nil {
			t.Fatalf("ebm set: %v", err)
		}
		if err := ix.AddPosting([]byte(v), r); err != nil {
			t.Fatalf("add posting: %v", err)
		}
	}
	return fh, ix
}

func TestScenario1IndexRowsAndPostings(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	seg, ok, err := ix.LookupSegment([]byte("a"), 0)
	if err != nil || !ok {
		t.Fatalf("lookup a/0: ok=%v err=%v", ok, err)
	}
	if seg.Count() != 3 || seg.Form() != FormList {
		t.Fatalf("expected List/3 for a/segment0, got %v/%d", seg.Form(), seg.Count())
	}

	seg, ok, err = ix.LookupSegment([]byte("a"), 1)
	if err != nil || !ok || seg.Form() != FormInt || seg.Count() != 1 {
		t.Fatalf("expected Int/1 for a/segment1, got ok=%v form=%v count=%d err=%v", ok, seg.Form(), seg.Count(), err)
	}

	seg, ok, err = ix.LookupSegment([]byte("b"), 0)
	if err != nil || !ok || seg.Form() != FormInt || seg.Count() != 1 {
		t.Fatalf("expected Int/1 for b/segment0, got ok=%v form=%v count=%d err=%v", ok, seg.Form(), seg.Count(), err)
	}
}

func TestScenario4RecordsetAlgebra(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	a, err := NewRecordsetFromPostings(db, ix, []byte("a"))
	if err != nil {
		t.Fatalf("recordset a: %v", err)
	}
	b, err := NewRecordsetFromPostings(db, ix, []byte("b"))
	if err != nil {
		t.Fatalf("recordset b: %v", err)
	}

	inter, err := RecordsetIntersection(a, b)
	if err != nil {
		t.Fatalf("intersection: %v", err)
	}
	if inter.Count() != 0 {
		t.Fatalf("expected empty intersection, got %d", inter.Count())
	}

	union, err := RecordsetUnion(a, b)
	if err != nil {
		t.Fatalf("union: %v", err)
	}
	wantUnion := map[uint32][]uint16{0: {0, 1, 2, 5}, 1: {2}}
	assertRecordsetMembers(t, union, wantUnion)

	diff, err := RecordsetDifference(a, b)
	if err != nil {
		t.Fatalf("difference: %v", err)
	}
	wantDiff := map[uint32][]uint16{0: {0, 1, 5}, 1: {2}}
	assertRecordsetMembers(t, diff, wantDiff)
}

func assertRecordsetMembers(t *testing.T, rs *Recordset, want map[uint32][]uint16) {
	t.Helper()
	if len(rs.Segments()) != len(want) {
		t.Fatalf("expected %d segments, got %d (%v)", len(want), len(rs.Segments()), rs.Segments())
	}
	for segNum, members := range want {
		seg, ok := rs.Segment(segNum)
		if !ok {
			t.Fatalf("missing segment %d", segNum)
		}
		if int(seg.Count()) != len(members) {
			t.Fatalf("segment %d: count %d, want %d", segNum, seg.Count(), len(members))
		}
		for _, m := range members {
			if !seg.Contains(m) {
				t.Fatalf("segment %d missing member %d", segNum, m)
			}
		}
	}
}

func TestRecordsetAlgebraLaws(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	a, _ := NewRecordsetFromPostings(db, ix, []byte("a"))
	empty := newRecordset(db)

	selfDiff, err := RecordsetDifference(a, a)
	if err != nil {
		t.Fatalf("a-a: %v", err)
	}
	if selfDiff.Count() != 0 {
		t.Fatalf("expected A-A = empty, got %d", selfDiff.Count())
	}

	unionWithEmpty, err := RecordsetUnion(a, empty)
	if err != nil {
		t.Fatalf("a|empty: %v", err)
	}
	if unionWithEmpty.Count() != a.Count() {
		t.Fatalf("expected A|empty = A, got %d want %d", unionWithEmpty.Count(), a.Count())
	}

	b, _ := NewRecordsetFromPostings(db, ix, []byte("b"))
	symdiff, err := RecordsetSymmetricDifference(a, b)
	if err != nil {
		t.Fatalf("symdiff: %v", err)
	}
	union, _ := RecordsetUnion(a, b)
	inter, _ := RecordsetIntersection(a, b)
	derivedSymdiff, err := RecordsetDifference(union, inter)
	if err != nil {
		t.Fatalf("union-inter: %v", err)
	}
	if symdiff.Count() != derivedSymdiff.Count() {
		t.Fatalf("expected A^B == (A|B)-(A&B): %d vs %d", symdiff.Count(), derivedSymdiff.Count())
	}
}

func TestRecordsetCrossDatabaseRejected(t *testing.T) {
	db1 := newTestDB(t)
	db2 := newTestDB(t)

	a := NewRecordsetFromRecord(db1, 5)
	b := NewRecordsetFromRecord(db2, 5)

	if _, err := RecordsetUnion(a, b); err == nil {
		t.Fatalf("expected CrossDatabaseError")
	} else if _, ok := err.(*CrossDatabaseError); !ok {
		t.Fatalf("expected *CrossDatabaseError, got %T: %v", err, err)
	}
}

func TestRecordsetPlaceRefusesDeadRecord(t *testing.T) {
	db := newTestDB(t)
	fh, err := db.File("f")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if err := fh.ebm.Set(3); err != nil {
		t.Fatalf("ebm set: %v", err)
	}

	rs := newRecordset(db)
	placed, err := rs.Place(fh.ebm, 3)
	if err != nil || !placed {
		t.Fatalf("expected live record to be placed: placed=%v err=%v", placed, err)
	}

	placed, err = rs.Place(fh.ebm, 4)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed {
		t.Fatalf("expected dead record to be refused")
	}
}

func TestNewRecordsetFromEBM(t *testing.T) {
	db := newTestDB(t)
	fh, err := db.File("f")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	for _, r := range []uint64{0, 1, 130} {
		if err := fh.ebm.Set(r); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	rs, err := NewRecordsetFromEBM(db, fh.ebm)
	if err != nil {
		t.Fatalf("from ebm: %v", err)
	}
	if rs.Count() != 3 {
		t.Fatalf("expected 3 live records, got %d", rs.Count())
	}
}
