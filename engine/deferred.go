package engine

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DeferredLoader is the append-only bulk loader: it assigns
// record numbers strictly sequentially, accumulates EBM bits and
// per-(field,value) postings for the segment currently in RAM, and spills
// each full segment to a staging file under stagingDir. Edit and Delete
// are unsupported while a loader is active — see Pipeline's
// DeferredModeError checks, gated by Database.Deferred().
type DeferredLoader struct {
	db         *Database
	file       *FileHandle
	name       string
	stagingDir string
	dbBase     string

	s, listMax, demoteAt uint32
	sortScale            int

	nextRecord uint64
	ebmBuf     []byte
	steps      int

	fields          map[string]map[string]*Segment // field -> value -> in-RAM segment for the current RAM segment
	pendingSegments map[string][]uint32             // field -> staged segment numbers awaiting merge
	segmentsBuffered int
}

// NewDeferredLoader opens a bulk loader for file name, starting from the
// file's current high-water mark. A loader can resume into an
// already-partially-populated file, including one whose last segment was
// left partially filled by a prior session: the EBM buffer and every
// merged index row for that segment are seeded from what's already
// stored and unioned with the new batch, rather than overwritten.
// stagingDir holds the sort-area files; dbBase names the database for
// the staging file naming scheme ("(database-basename, file-name,
// field-name, segment-number)").
func NewDeferredLoader(db *Database, name, dbBase, stagingDir string) (*DeferredLoader, error) {
	fh, err := db.File(name)
	if err != nil {
		return nil, err
	}

	s := db.segmentSize()
	nextRecord := fh.ebm.HighWater()

	// A resumed load's first segment may already carry live bits from the
	// prior session (high-water need not fall on a segment boundary);
	// seed the in-RAM buffer from what's already stored instead of
	// starting blank, so flushSegment's wholesale overwrite doesn't drop
	// them. SegmentBitmap already returns an all-zero buffer for an
	// untouched segment, so this is a no-op for a fresh file.
	segNum := uint32(nextRecord / uint64(s))
	ebmBuf, err := fh.ebm.SegmentBitmap(segNum)
	if err != nil {
		return nil, err
	}

	db.SetDeferred(true)

	return &DeferredLoader{
		db:              db,
		file:            fh,
		name:            name,
		stagingDir:      stagingDir,
		dbBase:          dbBase,
		s:               s,
		listMax:         db.listMax(),
		demoteAt:        db.demoteAt(),
		sortScale:       db.SortScale(),
		nextRecord:      nextRecord,
		ebmBuf:          ebmBuf,
		fields:          make(map[string]map[string]*Segment),
		pendingSegments: make(map[string][]uint32),
	}, nil
}

func (l *DeferredLoader) fieldBuffer(field string) map[string]*Segment {
	fb, ok := l.fields[field]
	if !ok {
		fb = make(map[string]*Segment)
		l.fields[field] = fb
	}
	return fb
}

func (l *DeferredLoader) currentSegment() uint32 {
	return uint32(l.nextRecord / uint64(l.s))
}

// PutInstance ingests value, assigning the next sequential record number.
func (l *DeferredLoader) PutInstance(value []byte, contributions Contributions) (uint64, error) {
	record := l.nextRecord
	if err := l.putAt(record, value, contributions); err != nil {
		return 0, err
	}
	return record, nil
}

// PutInstanceAt ingests value at an explicit record number, which must
// equal the loader's next sequential number; any other value is a reuse
// attempt and fails with *CannotReuseRecordNumberError.
func (l *DeferredLoader) PutInstanceAt(record uint64, value []byte, contributions Contributions) error {
	if record != l.nextRecord {
		return &CannotReuseRecordNumberError{Record: record}
	}
	return l.putAt(record, value, contributions)
}

func (l *DeferredLoader) putAt(record uint64, value []byte, contributions Contributions) error {
	segNum := uint32(record / uint64(l.s))
	offset := uint16(record % uint64(l.s))

	if err := l.file.primary.PutPrimaryAt(record, value); err != nil {
		return err
	}
	bitSet(l.ebmBuf, offset)

	for fieldName, values := range contributions {
		buf := l.fieldBuffer(fieldName)
		for _, v := range values {
			key := string(v)
			seg, ok := buf[key]
			if !ok {
				seg = NewEmptySegment(segNum, l.s, l.listMax, l.demoteAt)
				buf[key] = seg
			}
			seg.Insert(offset)
		}
	}

	l.nextRecord++
	l.steps++
	if step := l.db.HousekeepingStep(); step > 0 && l.steps%step == 0 {
		l.db.Housekeeping()
	}

	if offset == uint16(l.s-1) {
		return l.flushSegment(segNum)
	}
	return nil
}

// flushSegment writes the current in-RAM EBM bits and every field's
// in-RAM postings for segNum to the live EBM and per-field staging files,
// then clears the in-RAM buffers.
func (l *DeferredLoader) flushSegment(segNum uint32) error {
	if err := l.file.ebm.WriteSegmentBitmap(segNum, l.ebmBuf, l.nextRecord); err != nil {
		return err
	}
	l.ebmBuf = make([]byte, l.s/8)

	for fieldName, buf := range l.fields {
		if len(buf) == 0 {
			continue
		}
		if err := l.sortAndWrite(fieldName, buf, segNum); err != nil {
			return err
		}
		l.pendingSegments[fieldName] = append(l.pendingSegments[fieldName], segNum)
		l.fields[fieldName] = make(map[string]*Segment)
	}

	l.segmentsBuffered++
	if l.segmentsBuffered >= l.sortScale {
		if err := l.mergeAll(); err != nil {
			return err
		}
		l.segmentsBuffered = 0
	}
	return nil
}

func (l *DeferredLoader) stagingPath(fieldName string, segNum uint32) string {
	return filepath.Join(l.stagingDir, fmt.Sprintf("%s.%s.%s.%d", l.dbBase, l.name, fieldName, segNum))
}

func (l *DeferredLoader) guardPath(fieldName string) string {
	return filepath.Join(l.stagingDir, fmt.Sprintf("%s.%s.%s.0.done", l.dbBase, l.name, fieldName))
}

func writeFileAtomicInDir(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// sortAndWrite sorts buf by value and serialises one row per value to a
// staging file for (fieldName, segNum).
func (l *DeferredLoader) sortAndWrite(fieldName string, buf map[string]*Segment, segNum uint32) error {
	values := make([]string, 0, len(buf))
	for v := range buf {
		values = append(values, v)
	}
	sort.Strings(values)

	var out []byte
	for _, v := range values {
		out = append(out, encodeStagingRow([]byte(v), buf[v])...)
	}

	if err := os.MkdirAll(l.stagingDir, 0o755); err != nil {
		return err
	}
	return writeFileAtomicInDir(l.stagingPath(fieldName, segNum), out)
}

func encodeStagingRow(value []byte, seg *Segment) []byte {
	var payload []byte
	if seg.Form() == FormInt {
		off, _ := seg.First()
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, off)
	} else {
		payload = seg.Encode()
	}

	buf := make([]byte, 2+len(value)+1+4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(value)))
	copy(buf[2:], value)
	off := 2 + len(value)
	buf[off] = byte(seg.Form())
	binary.BigEndian.PutUint32(buf[off+1:off+5], uint32(len(payload)))
	copy(buf[off+5:], payload)
	return buf
}

type stagingRow struct {
	value  []byte
	segNum uint32
	seg    *Segment
}

func decodeStagingFile(data []byte, segNum, s, listMax, demoteAt uint32) ([]stagingRow, error) {
	var rows []stagingRow
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, &CorruptSegmentError{Len: len(data)}
		}
		vlen := int(binary.BigEndian.Uint16(data[0:2]))
		data = data[2:]
		if len(data) < vlen+1+4 {
			return nil, &CorruptSegmentError{Len: len(data)}
		}
		value := append([]byte(nil), data[:vlen]...)
		data = data[vlen:]
		form := Form(data[0])
		plen := int(binary.BigEndian.Uint32(data[1:5]))
		data = data[5:]
		if len(data) < plen {
			return nil, &CorruptSegmentError{Len: len(data)}
		}
		payload := data[:plen]
		data = data[plen:]

		var seg *Segment
		var err error
		if form == FormInt {
			seg, err = DecodeSegment(FormInt, nil, segNum, s, listMax, demoteAt, binary.BigEndian.Uint16(payload))
		} else {
			seg, err = DecodeSegment(form, payload, segNum, s, listMax, demoteAt, 0)
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, stagingRow{value: value, segNum: segNum, seg: seg})
	}
	return rows, nil
}

// stagingCursor walks one staging file's sorted rows.
type stagingCursor struct {
	rows []stagingRow
	idx  int
}

func (c *stagingCursor) peek() (stagingRow, bool) {
	if c.idx >= len(c.rows) {
		return stagingRow{}, false
	}
	return c.rows[c.idx], true
}

// mergeHeap orders staging cursors by their current row's (value,
// segment), the key rows are grouped and unioned by during the merge.
type mergeHeap []*stagingCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ri, _ := h[i].peek()
	rj, _ := h[j].peek()
	if c := bytes.Compare(ri.value, rj.value); c != 0 {
		return c < 0
	}
	return ri.segNum < rj.segNum
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*stagingCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeField walks every staged segment for fieldName in value-sorted
// order via a min-heap, unioning any duplicate (value, segment) groups
// (possible when RAM pressure forced more than one spill mid-segment),
// and writes one merged row per group into the live index.
func (l *DeferredLoader) mergeField(fieldName string, segNums []uint32) error {
	ix, err := l.db.Field(l.name, fieldName)
	if err != nil {
		return err
	}

	h := &mergeHeap{}
	for _, sn := range segNums {
		path := l.stagingPath(fieldName, sn)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rows, err := decodeStagingFile(data, sn, l.s, l.listMax, l.demoteAt)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			heap.Push(h, &stagingCursor{rows: rows})
		}
	}

	steps := 0
	for h.Len() > 0 {
		top := (*h)[0]
		row, _ := top.peek()
		merged := row.seg
		top.idx++
		if _, ok := top.peek(); !ok {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}

		for h.Len() > 0 {
			next := (*h)[0]
			nr, _ := next.peek()
			if !bytes.Equal(nr.value, row.value) || nr.segNum != row.segNum {
				break
			}
			merged = Union(merged, nr.seg)
			next.idx++
			if _, ok := next.peek(); !ok {
				heap.Pop(h)
			} else {
				heap.Fix(h, 0)
			}
		}

		if err := ix.AddSegmentRow(row.value, merged); err != nil {
			return err
		}
		steps++
		if step := l.db.HousekeepingStep(); step > 0 && steps%step == 0 {
			l.db.Housekeeping()
		}
	}

	for _, sn := range segNums {
		os.Remove(l.stagingPath(fieldName, sn))
	}
	return nil
}

func (l *DeferredLoader) mergeAll() error {
	for fieldName, segNums := range l.pendingSegments {
		if len(segNums) == 0 {
			continue
		}
		if err := l.mergeField(fieldName, segNums); err != nil {
			return err
		}
		l.pendingSegments[fieldName] = nil
	}
	return nil
}

// Finish flushes any partially-filled final segment, runs a last merge
// pass over every field, and marks each field's staging directory
// complete with a zero-length guard file. It clears
// the database's deferred flag so normal Pipeline operations resume.
func (l *DeferredLoader) Finish() error {
	lastOffset := uint16(l.nextRecord % uint64(l.s))
	if lastOffset != 0 {
		if err := l.flushSegment(l.currentSegment()); err != nil {
			return err
		}
	}
	if err := l.mergeAll(); err != nil {
		return err
	}

	for fieldName := range l.file.fields {
		if err := writeFileAtomicInDir(l.guardPath(fieldName), nil); err != nil {
			return err
		}
	}

	l.db.SetDeferred(false)
	return nil
}
