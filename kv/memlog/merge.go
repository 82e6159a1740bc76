package memlog

import (
	"fmt"
	"log"
	"os"
)

// merge compacts every inactive (non-last) segment into fresh segments,
// keeping only the latest occurrence of each live key, then swaps the
// result in under t.rw. Earlier log-structured designs run this
// asynchronously under a semaphore from a background goroutine; since
// this engine is single-threaded cooperative per database handle with
// no internal yielding, merge instead runs synchronously on the calling
// goroutine from Put.
func (t *table) merge() (rerr error) {
	inputLen := len(t.segments) - 1
	toMerge := t.segments[:inputLen]

	var newSegments []*segment
	type relocation struct {
		before recordLocation
		after  recordLocation
	}
	changes := make(map[string]relocation)

	defer func() {
		if rerr != nil {
			closeSegmentsOnError(newSegments)
			for _, s := range newSegments {
				_ = os.Remove(segmentPath(t.dir, s.id))
			}
		}
	}()

	rollover := func() (*segment, error) {
		seg, err := createSegment(t.dir, t.claimSegmentID())
		if err != nil {
			return nil, err
		}
		newSegments = append(newSegments, seg)
		return seg, nil
	}

	mergeSeg, err := rollover()
	if err != nil {
		return fmt.Errorf("rollover merge segment: %w", err)
	}

	for _, seg := range toMerge {
		sc := newScanner(seg.file)
		for sc.scan() {
			rec := sc.record

			i, found := t.search(rec.key)
			if !found {
				continue
			}
			loc := t.entries[i].loc

			isLatest := loc.seg == seg && loc.offset == rec.off
			if !isLatest || rec.kind != kindSet {
				continue
			}

			if mergeSeg.size >= t.rolloverThreshold {
				if mergeSeg, err = rollover(); err != nil {
					return fmt.Errorf("rollover merge segment: %w", err)
				}
			}

			off, err := mergeSeg.write(kindSet, rec.key, rec.val)
			if err != nil {
				return fmt.Errorf("write key on merge segment %d: %w", mergeSeg.id, err)
			}

			changes[string(rec.key)] = relocation{
				before: loc,
				after:  recordLocation{seg: mergeSeg, offset: off},
			}
		}
		if sc.err != nil {
			return fmt.Errorf("scan segment %d: %w", seg.id, sc.err)
		}
	}

	for _, seg := range newSegments {
		if err := seg.file.Sync(); err != nil {
			return fmt.Errorf("sync merge segment %d: %w", seg.id, err)
		}
	}

	t.segments = append(newSegments, t.segments[inputLen:]...)

	for key, rel := range changes {
		i, found := t.search([]byte(key))
		if !found {
			continue
		}
		cur := t.entries[i].loc
		if cur.seg != rel.before.seg || cur.offset != rel.before.offset {
			// key was overwritten/deleted since the merge scan started
			continue
		}
		t.entries[i].loc = rel.after
	}

	if err := t.overwriteManifest(); err != nil {
		return fmt.Errorf("overwrite manifest: %w", err)
	}

	for _, seg := range toMerge {
		if err := seg.file.Close(); err != nil {
			log.Printf("memlog: close old segment %d: %v", seg.id, err)
		}
		if err := os.Remove(segmentPath(t.dir, seg.id)); err != nil {
			log.Printf("memlog: remove old segment %d: %v", seg.id, err)
		}
	}

	return nil
}
