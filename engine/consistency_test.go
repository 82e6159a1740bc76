package engine

import "testing"

func TestValidateConsistencyCleanAfterScenario3(t *testing.T) {
	db := newTestDB(t)
	fh, ix := populateScenario1(t, db)

	for r := uint64(6); r < 201; r++ {
		if err := fh.ebm.Set(r); err != nil {
			t.Fatalf("ebm set %d: %v", r, err)
		}
		if err := ix.AddPosting([]byte("a"), r); err != nil {
			t.Fatalf("add posting %d: %v", r, err)
		}
	}

	if err := ValidateConsistency(ix); err != nil {
		t.Fatalf("expected clean consistency after scenario 2 buildup: %v", err)
	}

	for r := uint64(0); r < 128; r++ {
		live, err := fh.ebm.Contains(r)
		if err != nil {
			t.Fatalf("contains: %v", err)
		}
		if !live {
			continue
		}
		if err := ix.RemovePosting([]byte("a"), r); err != nil {
			t.Fatalf("remove posting %d: %v", r, err)
		}
		if err := fh.ebm.Clear(r); err != nil {
			t.Fatalf("ebm clear %d: %v", r, err)
		}
	}

	if err := ValidateConsistency(ix); err != nil {
		t.Fatalf("expected clean consistency after emptying segment 0: %v", err)
	}
}

func TestValidateEBMAgreementDetectsDrift(t *testing.T) {
	db := newTestDB(t)
	fh, err := db.File("f")
	if err != nil {
		t.Fatalf("file: %v", err)
	}

	if _, err := fh.primary.PutPrimary([]byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ValidateEBMAgreement(fh.primary, fh.ebm); err != nil {
		t.Fatalf("expected agreement after a normal put: %v", err)
	}

	// Force disagreement: set a bit with no matching primary row.
	if err := fh.ebm.Set(999); err != nil {
		t.Fatalf("ebm set: %v", err)
	}
	if err := ValidateEBMAgreement(fh.primary, fh.ebm); err == nil {
		t.Fatalf("expected invariant 3 violation to be detected")
	}
}
