package engine

import "testing"

// TestDeferredLoadTenThousandRecords exercises scenario 5: a bulk load of
// 10,000 records over a 3-value alphabet with S=128, small enough that a
// low sort scale forces several merge passes during the load. It checks
// that every value ends up with exactly one row per segment it touches,
// that the EBM reports all 10,000 records live, and that the postings
// read back identical to what a non-deferred pipeline would have produced.
func TestDeferredLoadTenThousandRecords(t *testing.T) {
	db := newTestDB(t)
	fh, err := db.File("bulk")
	if err != nil {
		t.Fatalf("file: %v", err)
	}

	loader, err := NewDeferredLoader(db, "bulk", "testdb", t.TempDir())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if !db.Deferred() {
		t.Fatalf("expected database in deferred mode")
	}

	alphabet := []string{"red", "green", "blue"}
	const total = 10000

	expected := make(map[string]map[uint64]bool)
	for _, v := range alphabet {
		expected[v] = make(map[uint64]bool)
	}

	for i := 0; i < total; i++ {
		v := alphabet[i%len(alphabet)]
		record, err := loader.PutInstance([]byte{byte(i), byte(i >> 8)}, Contributions{
			"color": {[]byte(v)},
		})
		if err != nil {
			t.Fatalf("put instance %d: %v", i, err)
		}
		if record != uint64(i) {
			t.Fatalf("expected sequential record %d, got %d", i, record)
		}
		expected[v][record] = true
	}

	if err := loader.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if db.Deferred() {
		t.Fatalf("expected deferred mode cleared after Finish")
	}

	if got := fh.ebm.Count(); got != total {
		t.Fatalf("expected %d live records, got %d", total, got)
	}
	if got := fh.ebm.HighWater(); got != total {
		t.Fatalf("expected high water %d, got %d", total, got)
	}

	ix, err := db.Field("bulk", "color")
	if err != nil {
		t.Fatalf("field: %v", err)
	}

	numSegments := uint32((total + 127) / 128)
	for _, v := range alphabet {
		var gotCount int
		for segNum := uint32(0); segNum < numSegments; segNum++ {
			seg, ok, err := ix.LookupSegment([]byte(v), segNum)
			if err != nil {
				t.Fatalf("lookup %s/%d: %v", v, segNum, err)
			}
			if !ok {
				continue
			}
			for off := uint32(0); off < 128; off++ {
				if seg.Contains(uint16(off)) {
					record := uint64(segNum)*128 + uint64(off)
					if !expected[v][record] {
						t.Fatalf("unexpected member %d in %s/%d", record, v, segNum)
					}
					gotCount++
				}
			}
		}
		if gotCount != len(expected[v]) {
			t.Fatalf("value %s: expected %d postings, got %d", v, len(expected[v]), gotCount)
		}
	}

	if err := ValidateConsistency(ix); err != nil {
		t.Fatalf("consistency check failed after bulk load: %v", err)
	}
}

// TestDeferredLoadResumesIntoPartialSegment checks that a second loader
// opened after a first one left its final segment partially filled picks
// up where the first stopped, rather than clobbering the first session's
// postings and EBM bits for that segment.
func TestDeferredLoadResumesIntoPartialSegment(t *testing.T) {
	db := newTestDB(t)

	first, err := NewDeferredLoader(db, "bulk", "testdb", t.TempDir())
	if err != nil {
		t.Fatalf("new loader (first): %v", err)
	}
	const firstBatch = 50 // well short of S=128, leaves segment 0 partial
	for i := 0; i < firstBatch; i++ {
		if _, err := first.PutInstance([]byte{byte(i)}, Contributions{
			"tag": {[]byte("only")},
		}); err != nil {
			t.Fatalf("put %d (first): %v", i, err)
		}
	}
	if err := first.Finish(); err != nil {
		t.Fatalf("finish (first): %v", err)
	}

	fh, err := db.File("bulk")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if got := fh.ebm.HighWater(); got != firstBatch {
		t.Fatalf("expected high water %d after first session, got %d", firstBatch, got)
	}

	second, err := NewDeferredLoader(db, "bulk", "testdb", t.TempDir())
	if err != nil {
		t.Fatalf("new loader (second): %v", err)
	}
	const secondBatch = 100 // crosses into segment 1
	for i := 0; i < secondBatch; i++ {
		record, err := second.PutInstance([]byte{byte(firstBatch + i)}, Contributions{
			"tag": {[]byte("only")},
		})
		if err != nil {
			t.Fatalf("put %d (second): %v", i, err)
		}
		if want := uint64(firstBatch + i); record != want {
			t.Fatalf("expected sequential record %d, got %d", want, record)
		}
	}
	if err := second.Finish(); err != nil {
		t.Fatalf("finish (second): %v", err)
	}

	const total = firstBatch + secondBatch
	if got := fh.ebm.Count(); got != total {
		t.Fatalf("expected %d live records, got %d", total, got)
	}
	if got := fh.ebm.HighWater(); got != total {
		t.Fatalf("expected high water %d, got %d", total, got)
	}

	ix, err := db.Field("bulk", "tag")
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	var gotCount int
	for segNum := uint32(0); segNum < 2; segNum++ {
		seg, ok, err := ix.LookupSegment([]byte("only"), segNum)
		if err != nil {
			t.Fatalf("lookup segment %d: %v", segNum, err)
		}
		if !ok {
			continue
		}
		for off := uint32(0); off < 128; off++ {
			if seg.Contains(uint16(off)) {
				gotCount++
			}
		}
	}
	if gotCount != total {
		t.Fatalf("expected %d postings across both sessions, got %d", total, gotCount)
	}

	if err := ValidateConsistency(ix); err != nil {
		t.Fatalf("consistency check failed after resumed load: %v", err)
	}
}

// TestDeferredPutInstanceAtRejectsReuse checks that supplying a record
// number other than the next sequential one fails with
// *CannotReuseRecordNumberError rather than silently overwriting or
// skipping ahead.
func TestDeferredPutInstanceAtRejectsReuse(t *testing.T) {
	db := newTestDB(t)
	loader, err := NewDeferredLoader(db, "bulk", "testdb", t.TempDir())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	if err := loader.PutInstanceAt(0, []byte("v0"), nil); err != nil {
		t.Fatalf("put at 0: %v", err)
	}
	if err := loader.PutInstanceAt(5, []byte("v5"), nil); err == nil {
		t.Fatalf("expected CannotReuseRecordNumberError for out-of-sequence record")
	} else if _, ok := err.(*CannotReuseRecordNumberError); !ok {
		t.Fatalf("expected *CannotReuseRecordNumberError, got %T: %v", err, err)
	}
	if err := loader.PutInstanceAt(1, []byte("v1"), nil); err != nil {
		t.Fatalf("put at 1: %v", err)
	}
}

// TestDeferredLoadTwoFullSegments checks that a deferred load of exactly
// two full segments' worth of records, all sharing one value, leaves one
// row per segment holding all 128 of its members after Finish.
func TestDeferredLoadTwoFullSegments(t *testing.T) {
	st := newTestDB(t)
	loader, err := NewDeferredLoader(st, "f", "testdb", t.TempDir())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	const n = 256 // two full segments at S=128
	for i := 0; i < n; i++ {
		if _, err := loader.PutInstance([]byte{byte(i)}, Contributions{
			"tag": {[]byte("only")},
		}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := loader.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	ix, err := st.Field("f", "tag")
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	for segNum := uint32(0); segNum < 2; segNum++ {
		seg, ok, err := ix.LookupSegment([]byte("only"), segNum)
		if err != nil || !ok {
			t.Fatalf("lookup segment %d: ok=%v err=%v", segNum, ok, err)
		}
		if seg.Count() != 128 {
			t.Fatalf("segment %d: expected 128 members, got %d", segNum, seg.Count())
		}
	}
}
