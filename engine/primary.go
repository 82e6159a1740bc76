package engine

import (
	"encoding/binary"
	"errors"

	"github.com/epokhe/segidx/kv"
)

// PrimaryStore is the record-number -> serialized-record-bytes mapping,
// append-with-reuse over the EBM.
type PrimaryStore struct {
	tbl  kv.Table
	ebm  *ExistenceBitmap
	file string
}

// OpenPrimaryStore wraps tbl (keyed by big-endian record number) with the
// EBM that tracks which record numbers are live.
func OpenPrimaryStore(tbl kv.Table, ebm *ExistenceBitmap, file string) *PrimaryStore {
	return &PrimaryStore{tbl: tbl, ebm: ebm, file: file}
}

func primaryKey(record uint64) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(record))
	return b[:]
}

// PutPrimary assigns a record number (the EBM's lowest free number, or one
// past the high-water mark) and writes value under it.
func (ps *PrimaryStore) PutPrimary(value []byte) (uint64, error) {
	record, hasFree, err := ps.ebm.FirstFree()
	if err != nil {
		return 0, err
	}
	if !hasFree {
		record = ps.ebm.HighWater()
	}

	if err := wrapBackend(recordOnly(ps.file, int64(record)), ps.tbl.Put(primaryKey(record), value)); err != nil {
		return 0, err
	}
	if err := ps.ebm.Set(record); err != nil {
		return 0, err
	}
	return record, nil
}

// PutPrimaryAt writes value under an explicit record number, bypassing the
// EBM's free-list allocation. Used by the deferred bulk loader, which
// assigns record numbers itself and maintains its own in-RAM EBM bits
// until a segment boundary is reached.
func (ps *PrimaryStore) PutPrimaryAt(record uint64, value []byte) error {
	return wrapBackend(recordOnly(ps.file, int64(record)), ps.tbl.Put(primaryKey(record), value))
}

// DeletePrimary removes record, returning its old value so the caller can
// decode index contributions to retract. Errors with NotFoundError if
// record does not exist.
func (ps *PrimaryStore) DeletePrimary(record uint64) ([]byte, error) {
	old, err := ps.tbl.Get(primaryKey(record))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, &NotFoundError{ctx: recordOnly(ps.file, int64(record))}
		}
		return nil, wrapBackend(recordOnly(ps.file, int64(record)), err)
	}

	if err := wrapBackend(recordOnly(ps.file, int64(record)), ps.tbl.Delete(primaryKey(record))); err != nil {
		return nil, err
	}
	if err := ps.ebm.Clear(record); err != nil {
		return nil, err
	}
	return old, nil
}

// ReplacePrimary overwrites record's value in place without touching the
// EBM. Errors with NotFoundError if record does not exist.
func (ps *PrimaryStore) ReplacePrimary(record uint64, value []byte) error {
	live, err := ps.ebm.Contains(record)
	if err != nil {
		return err
	}
	if !live {
		return &NotFoundError{ctx: recordOnly(ps.file, int64(record))}
	}
	return wrapBackend(recordOnly(ps.file, int64(record)), ps.tbl.Put(primaryKey(record), value))
}

// GetPrimary reads record's current value.
func (ps *PrimaryStore) GetPrimary(record uint64) ([]byte, error) {
	raw, err := ps.tbl.Get(primaryKey(record))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, &NotFoundError{ctx: recordOnly(ps.file, int64(record))}
		}
		return nil, wrapBackend(recordOnly(ps.file, int64(record)), err)
	}
	return raw, nil
}
