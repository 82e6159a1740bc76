package engine

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/epokhe/segidx/kv"
)

const controlTableName = "segidx.control"
const segmentSizeKey = "segment_size"

// FileHandle groups the tables backing one logical file: its primary
// record store, existence bitmap, and one IndexTable per registered
// field.
type FileHandle struct {
	name    string
	primary *PrimaryStore
	ebm     *ExistenceBitmap
	fields  map[string]*IndexTable
}

// Field returns the already-open IndexTable for field, or nil if it has
// not been registered via Database.Field.
func (fh *FileHandle) Field(field string) *IndexTable { return fh.fields[field] }

// Primary returns the file's primary record store.
func (fh *FileHandle) Primary() *PrimaryStore { return fh.primary }

// EBM returns the file's existence bitmap.
func (fh *FileHandle) EBM() *ExistenceBitmap { return fh.ebm }

// Fields returns the names of every field registered on this file so far.
func (fh *FileHandle) Fields() []string {
	out := make([]string, 0, len(fh.fields))
	for name := range fh.fields {
		out = append(out, name)
	}
	return out
}

// Database is a handle over a kv.Backend for one set of files: the
// segment codec, segment/EBM/index tables, recordset algebra, cursor,
// primary store, update pipeline, and deferred bulk loader. Segment size
// S, the list/bitmap threshold L, and the deferred loader's sort scale
// are all carried on the handle, never as package globals, so multiple
// databases with different tuning can coexist in one process.
type Database struct {
	backend kv.Backend
	cfg     *config
	logger  *Logger

	mu       sync.Mutex
	files    map[string]*FileHandle
	deferred bool
}

// Open opens (or initializes) a Database over backend. If the backend was
// previously initialized with a different segment size, Open fails with
// *SegmentSizeError carrying the stored value; the caller is expected to
// retry with WithSegmentSize(stored).
func Open(backend kv.Backend, opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctrl, err := backend.Table(controlTableName)
	if err != nil {
		return nil, wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}

	raw, err := ctrl.Get([]byte(segmentSizeKey))
	switch {
	case err == nil:
		stored := binary.BigEndian.Uint32(raw)
		if stored != cfg.segmentSize {
			return nil, &SegmentSizeError{Stored: stored}
		}
	case errors.Is(err, kv.ErrNotFound):
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], cfg.segmentSize)
		if err := ctrl.Put([]byte(segmentSizeKey), buf[:]); err != nil {
			return nil, wrapBackend(opContext{Segment: -1, Record: -1}, err)
		}
	default:
		return nil, wrapBackend(opContext{Segment: -1, Record: -1}, err)
	}

	return &Database{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.logger,
		files:   make(map[string]*FileHandle),
	}, nil
}

func (db *Database) segmentSize() uint32 { return db.cfg.segmentSize }
func (db *Database) listMax() uint32     { return db.cfg.listMax }
func (db *Database) demoteAt() uint32    { return db.cfg.demoteAt }

// Housekeeping invokes the configured housekeeping hook, a no-op unless
// WithHousekeeping installed one.
func (db *Database) Housekeeping() { db.cfg.housekeeping() }

// HousekeepingStep returns how many rows/records a long walk processes
// between Housekeeping calls.
func (db *Database) HousekeepingStep() int { return db.cfg.housekeepingStep }

// SortScale returns the deferred loader's in-RAM segment buffering
// target.
func (db *Database) SortScale() int { return db.cfg.sortScale }

// Logger returns the handle's structured logger.
func (db *Database) Logger() *Logger { return db.logger }

// File lazily opens (creating on first use) the primary store and EBM
// for a named file.
func (db *Database) File(name string) (*FileHandle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if fh, ok := db.files[name]; ok {
		return fh, nil
	}

	primTbl, err := db.backend.Table(name + ".primary")
	if err != nil {
		return nil, wrapBackend(opContext{File: name, Segment: -1, Record: -1}, err)
	}
	ebmTbl, err := db.backend.Table(name + ".ebm")
	if err != nil {
		return nil, wrapBackend(opContext{File: name, Segment: -1, Record: -1}, err)
	}
	ebm, err := OpenExistenceBitmap(ebmTbl, db.cfg.segmentSize)
	if err != nil {
		return nil, err
	}

	fh := &FileHandle{
		name:    name,
		primary: OpenPrimaryStore(primTbl, ebm, name),
		ebm:     ebm,
		fields:  make(map[string]*IndexTable),
	}
	db.files[name] = fh
	return fh, nil
}

// Field lazily opens (creating on first use) the index table and segment
// table for (file, field).
func (db *Database) Field(file, field string) (*IndexTable, error) {
	fh, err := db.File(file)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if ix, ok := fh.fields[field]; ok {
		return ix, nil
	}

	rowsTbl, err := db.backend.Table(file + ".index." + field)
	if err != nil {
		return nil, wrapBackend(opContext{File: file, Field: field, Segment: -1, Record: -1}, err)
	}
	pagesTbl, err := db.backend.Table(file + ".pages." + field)
	if err != nil {
		return nil, wrapBackend(opContext{File: file, Field: field, Segment: -1, Record: -1}, err)
	}
	pages, err := OpenPageStore(pagesTbl)
	if err != nil {
		return nil, err
	}

	ix := OpenIndexTable(rowsTbl, pages, file, field, db.cfg.segmentSize, db.cfg.listMax, db.cfg.demoteAt)
	fh.fields[field] = ix
	return ix, nil
}

// SetDeferred toggles deferred bulk-load mode; while true, Pipeline
// rejects Edit and Delete with *DeferredModeError.
func (db *Database) SetDeferred(v bool) { db.deferred = v }

// Deferred reports whether the database is currently in deferred
// bulk-load mode.
func (db *Database) Deferred() bool { return db.deferred }

// StartTransaction forwards to the backend's transaction support, if any;
// on a backend with no transaction support it is a silent no-op (spec
// §5: "forwards to the underlying KV store" when present).
func (db *Database) StartTransaction() error {
	if txr, ok := db.backend.(kv.Txn); ok {
		return txr.StartTransaction()
	}
	return nil
}

// Commit forwards to the backend's transaction support, if any.
func (db *Database) Commit() error {
	if txr, ok := db.backend.(kv.Txn); ok {
		return txr.Commit()
	}
	return nil
}

// Backout forwards to the backend's transaction support, if any.
func (db *Database) Backout() error {
	if txr, ok := db.backend.(kv.Txn); ok {
		return txr.Backout()
	}
	return nil
}

// Close releases the underlying backend.
func (db *Database) Close() error {
	return db.backend.Close()
}
