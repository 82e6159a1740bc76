package engine

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/epokhe/segidx/kv"
)

// ebmControlKey is reserved; record segment numbers start at 0 and are
// stored at key (segNum+1) so the control row never collides with them.
const ebmControlKey = 0

// ExistenceBitmap tracks which record numbers are currently live, one bit
// per record, one row per segment of S records. It also caches a
// lowest-free hint and a stack of segment numbers known to be completely
// empty, so first_free doesn't have to scan from zero.
type ExistenceBitmap struct {
	tbl kv.Table
	s   uint32

	mu            sync.Mutex
	count         uint64
	highWater     uint64
	lowestHint    uint64
	freedSegments []uint32 // LIFO, may contain stale (no-longer-empty) entries
}

// OpenExistenceBitmap loads (or initializes) the bitmap backed by tbl, with
// s records per segment.
func OpenExistenceBitmap(tbl kv.Table, s uint32) (*ExistenceBitmap, error) {
	ebm := &ExistenceBitmap{tbl: tbl, s: s}

	raw, err := tbl.Get(ebmControlRowKey())
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ebm, nil
		}
		return nil, wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}
	if err := ebm.decodeControl(raw); err != nil {
		return nil, err
	}
	return ebm, nil
}

func ebmKey(segNum uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], segNum+1)
	return b[:]
}

// ebmControlRowKey is the raw key of the control row (ebmControlKey itself,
// not shifted by ebmKey).
func ebmControlRowKey() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ebmControlKey)
	return b[:]
}

func (ebm *ExistenceBitmap) decodeControl(raw []byte) error {
	if len(raw) < 24 {
		return &CorruptSegmentError{Len: len(raw)}
	}
	ebm.count = binary.BigEndian.Uint64(raw[0:8])
	ebm.highWater = binary.BigEndian.Uint64(raw[8:16])
	ebm.lowestHint = binary.BigEndian.Uint64(raw[16:24])

	rest := raw[24:]
	if len(rest) < 4 {
		return &CorruptSegmentError{Len: len(rest)}
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if len(rest) < int(n)*4 {
		return &CorruptSegmentError{Len: len(rest)}
	}
	ebm.freedSegments = make([]uint32, n)
	for i := range ebm.freedSegments {
		ebm.freedSegments[i] = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	return nil
}

func (ebm *ExistenceBitmap) encodeControl() []byte {
	buf := make([]byte, 24+4+4*len(ebm.freedSegments))
	binary.BigEndian.PutUint64(buf[0:8], ebm.count)
	binary.BigEndian.PutUint64(buf[8:16], ebm.highWater)
	binary.BigEndian.PutUint64(buf[16:24], ebm.lowestHint)
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(ebm.freedSegments)))
	off := 28
	for _, seg := range ebm.freedSegments {
		binary.BigEndian.PutUint32(buf[off:off+4], seg)
		off += 4
	}
	return buf
}

func (ebm *ExistenceBitmap) persistControl() error {
	return wrapBackend(opContext{Segment: -1, Record: -1}, ebm.tbl.Put(ebmControlRowKey(), ebm.encodeControl()))
}

func (ebm *ExistenceBitmap) segmentOf(r uint64) (segNum uint32, bit uint32) {
	return uint32(r / uint64(ebm.s)), uint32(r % uint64(ebm.s))
}

func (ebm *ExistenceBitmap) loadSegment(segNum uint32) ([]byte, error) {
	raw, err := ebm.tbl.Get(ebmKey(uint64(segNum)))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return make([]byte, ebm.s/8), nil
		}
		return nil, wrapBackend(noRecord("", "", nil, int64(segNum)), err)
	}
	return raw, nil
}

func segAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Set marks record r live. Returns an error only on backend failure;
// setting an already-live record is a harmless no-op.
func (ebm *ExistenceBitmap) Set(r uint64) error {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()

	segNum, bit := ebm.segmentOf(r)
	buf, err := ebm.loadSegment(segNum)
	if err != nil {
		return err
	}
	if bitGet(buf, uint16(bit)) {
		return nil
	}
	bitSet(buf, uint16(bit))
	if err := wrapBackend(noRecord("", "", nil, int64(segNum)), ebm.tbl.Put(ebmKey(uint64(segNum)), buf)); err != nil {
		return err
	}

	ebm.count++
	if r+1 > ebm.highWater {
		ebm.highWater = r + 1
	}
	if r == ebm.lowestHint {
		ebm.advanceHint()
	}
	return ebm.persistControl()
}

// Clear marks record r free, making it eligible for reuse by a later put.
func (ebm *ExistenceBitmap) Clear(r uint64) error {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()

	segNum, bit := ebm.segmentOf(r)
	buf, err := ebm.loadSegment(segNum)
	if err != nil {
		return err
	}
	if !bitGet(buf, uint16(bit)) {
		return nil
	}
	bitClear(buf, uint16(bit))
	if err := wrapBackend(noRecord("", "", nil, int64(segNum)), ebm.tbl.Put(ebmKey(uint64(segNum)), buf)); err != nil {
		return err
	}

	ebm.count--
	if r < ebm.lowestHint {
		ebm.lowestHint = r
	}
	if segAllZero(buf) && uint64(segNum+1)*uint64(ebm.s) <= ebm.highWater {
		ebm.freedSegments = append(ebm.freedSegments, segNum)
	}
	return ebm.persistControl()
}

// Contains reports whether record r is currently live.
func (ebm *ExistenceBitmap) Contains(r uint64) (bool, error) {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()

	segNum, bit := ebm.segmentOf(r)
	buf, err := ebm.loadSegment(segNum)
	if err != nil {
		return false, err
	}
	return bitGet(buf, uint16(bit)), nil
}

// advanceHint rescans forward from the current hint to find the next free
// record number, consulting the freed-segments stack when the current
// segment is exhausted. Caller holds ebm.mu.
func (ebm *ExistenceBitmap) advanceHint() {
	segNum, bit := ebm.segmentOf(ebm.lowestHint)
	buf, err := ebm.loadSegment(segNum)
	if err == nil {
		for b := bit; b < ebm.s; b++ {
			if !bitGet(buf, uint16(b)) {
				ebm.lowestHint = uint64(segNum)*uint64(ebm.s) + uint64(b)
				return
			}
		}
	}

	for len(ebm.freedSegments) > 0 {
		cand := ebm.freedSegments[len(ebm.freedSegments)-1]
		ebm.freedSegments = ebm.freedSegments[:len(ebm.freedSegments)-1]
		cbuf, err := ebm.loadSegment(cand)
		if err != nil {
			continue
		}
		if segAllZero(cbuf) {
			ebm.lowestHint = uint64(cand) * uint64(ebm.s)
			return
		}
	}

	ebm.lowestHint = ebm.highWater
}

// FirstFree returns the lowest currently-free record number and true, or
// (0, false) if every record below the high-water mark is live (so the
// caller should append at HighWater()).
func (ebm *ExistenceBitmap) FirstFree() (uint64, bool, error) {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()

	if ebm.lowestHint >= ebm.highWater {
		return 0, false, nil
	}

	segNum, bit := ebm.segmentOf(ebm.lowestHint)
	buf, err := ebm.loadSegment(segNum)
	if err != nil {
		return 0, false, err
	}
	if !bitGet(buf, uint16(bit)) {
		return ebm.lowestHint, true, nil
	}

	// Hint stale (record got set without going through Set's bookkeeping,
	// e.g. after a reload); rescan before trusting it.
	ebm.advanceHint()
	if ebm.lowestHint >= ebm.highWater {
		return 0, false, nil
	}
	return ebm.lowestHint, true, nil
}

// HighWater returns one past the largest record number ever assigned.
func (ebm *ExistenceBitmap) HighWater() uint64 {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()
	return ebm.highWater
}

// SegmentBitmap returns a copy of the raw per-segment live-bit bitmap
// (all-zero if segNum was never touched), for Recordset construction.
func (ebm *ExistenceBitmap) SegmentBitmap(segNum uint32) ([]byte, error) {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()
	return ebm.loadSegment(segNum)
}

// WriteSegmentBitmap replaces segNum's raw bitmap wholesale and folds its
// population into count/highWater, bypassing the per-bit Set/Clear
// bookkeeping. Used by the deferred bulk loader to flush a segment's
// worth of in-RAM EBM bits in one write; highWater is the caller's next
// record number to assign, since the final segment of a load may be
// partially filled. bitmap is compared against what's already stored for
// segNum rather than assumed empty, since a resumed load seeds its
// in-RAM buffer from the prior session's bits (see NewDeferredLoader) and
// would otherwise double-count them here.
func (ebm *ExistenceBitmap) WriteSegmentBitmap(segNum uint32, bitmap []byte, highWater uint64) error {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()

	prev, err := ebm.loadSegment(segNum)
	if err != nil {
		return err
	}

	if err := wrapBackend(noRecord("", "", nil, int64(segNum)), ebm.tbl.Put(ebmKey(uint64(segNum)), bitmap)); err != nil {
		return err
	}
	ebm.count += uint64(popcount(bitmap)) - uint64(popcount(prev))
	if highWater > ebm.highWater {
		ebm.highWater = highWater
	}
	ebm.lowestHint = ebm.highWater
	return ebm.persistControl()
}

// Count returns the number of currently-live records.
func (ebm *ExistenceBitmap) Count() uint64 {
	ebm.mu.Lock()
	defer ebm.mu.Unlock()
	return ebm.count
}
