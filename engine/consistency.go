package engine

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// ValidateConsistency checks one (file, field) index's page bookkeeping:
// every page-id sitting in a free stack must not also be referenced by a
// live index row, and vice versa — no referenced page should still be
// sitting in a free stack. Compares the referenced-page set against the
// free-page set with golang-set/v2 and reports their intersection.
func ValidateConsistency(ix *IndexTable) error {
	referenced := mapset.NewSet[uint64]()

	cur, err := ix.Cursor()
	if err != nil {
		return wrapBackend(opContext{File: ix.file, Field: ix.field, Segment: -1, Record: -1}, err)
	}
	defer cur.Close()

	for ok := cur.First(); ok; ok = cur.Next() {
		_, segNum := decodeIndexKey(cur.Key())
		form, count, ref, err := decodeIndexRow(cur.Value())
		if err != nil {
			return err
		}
		if form == FormInt {
			continue
		}
		referenced.Add(ref)

		payload, err := ix.pages.Get(ref)
		if err != nil {
			return err
		}
		seg, err := DecodeSegment(form, payload, segNum, ix.s, ix.listMax, ix.demoteAt, 0)
		if err != nil {
			return err
		}
		if seg.Count() != count {
			return fmt.Errorf("segidx: invariant 1 violated, row count %d != segment population %d [%s]",
				count, seg.Count(), ix.ctx(nil, segNum))
		}
	}

	free := mapset.NewSet[uint64]()
	for _, id := range ix.pages.FreePageIDs() {
		free.Add(id)
	}

	if overlap := referenced.Intersect(free); overlap.Cardinality() != 0 {
		return fmt.Errorf("segidx: invariant 4 violated for %s.%s: pages referenced and free at once: %v",
			ix.file, ix.field, overlap.ToSlice())
	}
	return nil
}

// ValidateEBMAgreement checks that a record number's EBM bit is set iff
// the primary store contains that key.
func ValidateEBMAgreement(primary *PrimaryStore, ebm *ExistenceBitmap) error {
	hw := ebm.HighWater()
	for r := uint64(0); r < hw; r++ {
		live, err := ebm.Contains(r)
		if err != nil {
			return err
		}
		_, getErr := primary.GetPrimary(r)
		hasPrimary := !IsNotFound(getErr)
		if getErr != nil && hasPrimary {
			return getErr
		}
		if live != hasPrimary {
			return fmt.Errorf("segidx: invariant 3 violated at record %d: ebm=%v primary=%v", r, live, hasPrimary)
		}
	}
	return nil
}
