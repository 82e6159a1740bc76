// Package memlog is a log-structured ordered kv.Backend: append-only
// checksummed segment files, a manifest, atomic durable rewrites, and
// merge/compaction run synchronously from Put, with a sorted in-memory index so it can
// satisfy kv.Backend's ordered-cursor requirement over a Bitcask-style
// log.
package memlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/epokhe/segidx/kv"
)

// Store is a kv.Backend rooted at one directory; each table is a
// subdirectory with its own segment log and manifest. Every table opened
// from the store shares the store's rollover/merge tuning.
type Store struct {
	dir  string
	opts []Option

	mu     sync.Mutex
	tables map[string]*table
}

// Option configures a table created by Store.Table.
type Option func(*table)

// WithRolloverThreshold sets the segment size (bytes) at which a table
// rolls to a new active segment.
func WithRolloverThreshold(n int64) Option {
	return func(t *table) { t.rolloverThreshold = n }
}

// WithMergeThreshold sets how many inactive segments accumulate before a
// merge/compaction pass runs.
func WithMergeThreshold(n int) Option {
	return func(t *table) { t.mergeThreshold = n }
}

// Open opens (creating if necessary) a memlog store rooted at dir. opts
// apply to every table subsequently opened on this store, satisfying
// kv.Backend's fixed Table(name string) signature.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memlog: mkdir %q: %w", dir, err)
	}
	return &Store{dir: dir, opts: opts, tables: make(map[string]*table)}, nil
}

func (s *Store) Table(name string) (kv.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memlog: mkdir table %q: %w", name, err)
	}

	t, err := openTable(dir, s.opts...)
	if err != nil {
		return nil, fmt.Errorf("memlog: open table %q: %w", name, err)
	}

	s.tables[name] = t
	return t, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, t := range s.tables {
		if err := t.close(); err != nil {
			return fmt.Errorf("memlog: close table %q: %w", name, err)
		}
	}
	return nil
}

// recordLocation is the address of a record within a table's segment log.
type recordLocation struct {
	seg    *segment
	offset int64
}

// entry is one live key in a table's sorted in-memory index.
type entry struct {
	key []byte
	loc recordLocation
}

type table struct {
	dir  string
	rw   sync.RWMutex
	file *os.File // open manifest handle

	segments []*segment
	idCtr    int

	// entries is kept sorted by key at all times; kv.Backend requires
	// ordered cursoring, which a hash-indexed design can't provide.
	entries []entry

	rolloverThreshold int64
	mergeThreshold    int
}

const defaultRolloverThreshold = 4 * 1024 * 1024
const defaultMergeThreshold = 8

func openTable(dir string, opts ...Option) (*table, error) {
	t := &table{
		dir:               dir,
		rolloverThreshold: defaultRolloverThreshold,
		mergeThreshold:    defaultMergeThreshold,
	}
	for _, opt := range opts {
		opt(t)
	}

	manifest, err := ensureManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("ensure manifest: %w", err)
	}
	t.file = manifest

	mnfBytes, err := io.ReadAll(manifest)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var segIDs []int
	for _, f := range strings.Fields(string(mnfBytes)) {
		id, convErr := strconv.Atoi(f)
		if convErr != nil {
			continue
		}
		segIDs = append(segIDs, id)
	}

	maxID := -1
	for _, id := range segIDs {
		seg, recs, err := openSegment(dir, id)
		if err != nil {
			return nil, fmt.Errorf("open segment %d: %w", id, err)
		}
		t.segments = append(t.segments, seg)
		if id > maxID {
			maxID = id
		}
		for _, rec := range recs {
			t.applyScanned(rec, seg)
		}
	}
	t.idCtr = maxID + 1

	if len(t.segments) == 0 {
		if err := t.addSegment(); err != nil {
			return nil, fmt.Errorf("create initial segment: %w", err)
		}
	}

	return t, nil
}

func (t *table) applyScanned(rec scannedRecord, seg *segment) {
	switch rec.kind {
	case kindSet:
		t.setEntry(rec.key, recordLocation{seg: seg, offset: rec.off})
	case kindDelete:
		t.deleteEntry(rec.key)
	}
}

func ensureManifest(dir string) (*os.File, error) {
	path := filepath.Join(dir, "MANIFEST")
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat manifest: %w", err)
		}
		return createFileDurable(dir, "MANIFEST")
	}
	return os.OpenFile(path, os.O_RDWR, 0o644)
}

func (t *table) overwriteManifest() error {
	var buf bytes.Buffer
	for _, seg := range t.segments {
		fmt.Fprintf(&buf, "%d\n", seg.id)
	}
	newf, err := writeFileAtomic(t.file, buf.Bytes())
	if err != nil {
		return err
	}
	t.file = newf
	return nil
}

func (t *table) claimSegmentID() int {
	id := t.idCtr
	t.idCtr++
	return id
}

func (t *table) addSegment() error {
	seg, err := createSegment(t.dir, t.claimSegmentID())
	if err != nil {
		return err
	}
	t.segments = append(t.segments, seg)
	return t.overwriteManifest()
}

func (t *table) close() error {
	t.rw.Lock()
	defer t.rw.Unlock()

	for _, s := range t.segments {
		if err := s.file.Sync(); err != nil {
			return err
		}
		if err := s.file.Close(); err != nil {
			return err
		}
	}
	return t.file.Close()
}

// search returns the index of key in t.entries (sorted order), and whether
// it was found exactly.
func (t *table) search(key []byte) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return bytes.Compare(t.entries[i].key, key) >= 0
	})
	if i < len(t.entries) && bytes.Equal(t.entries[i].key, key) {
		return i, true
	}
	return i, false
}

func (t *table) setEntry(key []byte, loc recordLocation) {
	i, found := t.search(key)
	if found {
		t.entries[i].loc = loc
		return
	}
	t.entries = append(t.entries, entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = entry{key: append([]byte(nil), key...), loc: loc}
}

func (t *table) deleteEntry(key []byte) bool {
	i, found := t.search(key)
	if !found {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

func (t *table) Put(key, val []byte) error {
	t.rw.Lock()
	defer t.rw.Unlock()

	seg := t.segments[len(t.segments)-1]
	off, err := seg.write(kindSet, key, val)
	if err != nil {
		return err
	}
	t.setEntry(key, recordLocation{seg: seg, offset: off})

	if seg.size >= t.rolloverThreshold {
		if err := t.addSegment(); err != nil {
			return err
		}
		if len(t.segments) >= t.mergeThreshold+1 {
			if err := t.merge(); err != nil {
				return fmt.Errorf("merge: %w", err)
			}
		}
	}
	return nil
}

func (t *table) Get(key []byte) ([]byte, error) {
	t.rw.RLock()
	defer t.rw.RUnlock()

	i, found := t.search(key)
	if !found {
		return nil, kv.ErrNotFound
	}
	loc := t.entries[i].loc
	val, err := loc.seg.readValueAt(loc.offset)
	if err != nil {
		return nil, fmt.Errorf("memlog: read value at %+v: %w", loc, err)
	}
	return val, nil
}

func (t *table) Delete(key []byte) error {
	t.rw.Lock()
	defer t.rw.Unlock()

	if _, found := t.search(key); !found {
		return kv.ErrNotFound
	}

	seg := t.segments[len(t.segments)-1]
	if _, err := seg.write(kindDelete, key, nil); err != nil {
		return err
	}
	t.deleteEntry(key)
	return nil
}

func (t *table) Cursor() (kv.Cursor, error) {
	t.rw.RLock()
	defer t.rw.RUnlock()

	// Snapshot the sorted key slice; the backend is used single-threaded
	// per handle, so no Put/merge runs concurrently with a live cursor's
	// reads.
	entries := make([]entry, len(t.entries))
	copy(entries, t.entries)

	return &cursor{entries: entries, pos: -1}, nil
}
