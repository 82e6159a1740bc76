package engine

import (
	"bytes"
	"testing"
)

func TestCursorScenario1OrderOverSingleValue(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	cur, err := NewCursor(db, ix, []byte("a"))
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	defer cur.Close()

	var got []uint64
	for ok, err := cur.First(); ok; ok, err = cur.Next() {
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !bytes.Equal(cur.Value(), []byte("a")) {
			t.Fatalf("expected value 'a', got %q", cur.Value())
		}
		got = append(got, cur.Record())
	}

	want := []uint64{0, 1, 5, 130}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCursorReverseMatchesForward(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	cur, err := NewCursor(db, ix, []byte("a"))
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	defer cur.Close()

	var forward []uint64
	for ok, _ := cur.First(); ok; ok, _ = cur.Next() {
		forward = append(forward, cur.Record())
	}

	var backward []uint64
	for ok, _ := cur.Last(); ok; ok, _ = cur.Prev() {
		backward = append(backward, cur.Record())
	}

	if len(forward) != len(backward) {
		t.Fatalf("forward %v, backward %v", forward, backward)
	}
	for i := range forward {
		if forward[i] != backward[len(backward)-1-i] {
			t.Fatalf("reverse mismatch: forward %v backward %v", forward, backward)
		}
	}
}

func TestCursorUnrestrictedVisitsEveryPair(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	cur, err := NewCursor(db, ix, nil)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	defer cur.Close()

	type pair struct {
		value  string
		record uint64
	}
	var got []pair
	for ok, _ := cur.First(); ok; ok, _ = cur.Next() {
		got = append(got, pair{string(cur.Value()), cur.Record()})
	}

	want := []pair{
		{"a", 0}, {"a", 1}, {"a", 5}, {"a", 130},
		{"b", 2},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	count, err := cur.CountRecords()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != uint64(len(want)) {
		t.Fatalf("count_records = %d, want %d", count, len(want))
	}
}

func TestCursorPositionBijection(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	cur, err := NewCursor(db, ix, nil)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	defer cur.Close()

	count, err := cur.CountRecords()
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	for p := int64(0); p < int64(count); p++ {
		value, record, err := cur.RecordAtPosition(p)
		if err != nil {
			t.Fatalf("record_at_position(%d): %v", p, err)
		}
		pos, err := cur.PositionOf(value, record)
		if err != nil {
			t.Fatalf("position_of(%q,%d): %v", value, record, err)
		}
		if pos != p {
			t.Fatalf("position_of(record_at_position(%d)) = %d, want %d", p, pos, p)
		}
	}

	// negative indexing from the end
	lastValue, lastRecord, err := cur.RecordAtPosition(-1)
	if err != nil {
		t.Fatalf("record_at_position(-1): %v", err)
	}
	wantValue, wantRecord, err := cur.RecordAtPosition(int64(count) - 1)
	if err != nil {
		t.Fatalf("record_at_position(count-1): %v", err)
	}
	if !bytes.Equal(lastValue, wantValue) || lastRecord != wantRecord {
		t.Fatalf("record_at_position(-1) = (%q,%d), want (%q,%d)", lastValue, lastRecord, wantValue, wantRecord)
	}
}

func TestCursorSetAtAbsentLeavesPositionForNext(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	cur, err := NewCursor(db, ix, []byte("a"))
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	defer cur.Close()

	// record 3 does not exist in segment 0's "a" posting ({0,1,5}).
	found, err := cur.SetAt([]byte("a"), 3)
	if err != nil {
		t.Fatalf("setat: %v", err)
	}
	if found {
		t.Fatalf("expected setat on absent record to report not found")
	}

	ok, err := cur.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok || cur.Record() != 5 {
		t.Fatalf("expected next record after absent 3 to be 5, got ok=%v record=%d", ok, cur.Record())
	}
}

func TestCursorSetAtPresent(t *testing.T) {
	db := newTestDB(t)
	_, ix := populateScenario1(t, db)

	cur, err := NewCursor(db, ix, nil)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	defer cur.Close()

	found, err := cur.SetAt([]byte("a"), 1)
	if err != nil {
		t.Fatalf("setat: %v", err)
	}
	if !found || cur.Record() != 1 {
		t.Fatalf("expected setat to land on record 1, found=%v record=%d", found, cur.Record())
	}
}
