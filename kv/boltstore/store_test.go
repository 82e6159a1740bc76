package boltstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/epokhe/segidx/kv"
)

func setupTempStore(tb testing.TB) *Store {
	tb.Helper()

	dir, err := os.MkdirTemp("", "boltstore_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}
	tb.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(filepath.Join(dir, "data.db"))
	if err != nil {
		tb.Fatalf("Open failed: %v", err)
	}
	tb.Cleanup(func() { s.Close() })

	return s
}

func TestBoltTablePutGetDelete(t *testing.T) {
	s := setupTempStore(t)
	tbl, err := s.Table("primary")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}

	if err := tbl.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	val, err := tbl.Get([]byte("k"))
	if err != nil || string(val) != "v" {
		t.Fatalf("Get = %q, %v", val, err)
	}

	if err := tbl.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := tbl.Get([]byte("k")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBoltCursorOrder(t *testing.T) {
	s := setupTempStore(t)
	tbl, _ := s.Table("idx")

	for _, k := range []string{"c", "a", "b"} {
		_ = tbl.Put([]byte(k), []byte(k))
	}

	c, err := tbl.Cursor()
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	defer c.Close()

	var got []string
	for ok := c.First(); ok; ok = c.Next() {
		got = append(got, string(c.Key()))
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBoltTransactionForwarding(t *testing.T) {
	s := setupTempStore(t)
	tbl, _ := s.Table("txtest")

	if err := s.StartTransaction(); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	if err := tbl.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put within tx failed: %v", err)
	}
	if err := s.Backout(); err != nil {
		t.Fatalf("Backout failed: %v", err)
	}

	if _, err := tbl.Get([]byte("k")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected backed-out write to be invisible, got err=%v", err)
	}

	if err := s.StartTransaction(); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	_ = tbl.Put([]byte("k2"), []byte("v2"))
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if val, err := tbl.Get([]byte("k2")); err != nil || string(val) != "v2" {
		t.Errorf("expected committed write visible, got %q err=%v", val, err)
	}
}

func TestBoltCursorMidTransactionSeesOwnWrites(t *testing.T) {
	s := setupTempStore(t)
	tbl, _ := s.Table("txcursor")

	if err := tbl.Put([]byte("b"), []byte("before")); err != nil {
		t.Fatalf("seed Put failed: %v", err)
	}

	if err := s.StartTransaction(); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	defer s.Backout()

	if err := tbl.Put([]byte("m"), []byte("mid-tx")); err != nil {
		t.Fatalf("Put within tx failed: %v", err)
	}

	c, err := tbl.Cursor()
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	defer c.Close()

	var got []string
	for ok := c.First(); ok; ok = c.Next() {
		got = append(got, string(c.Key()))
	}
	want := []string{"b", "m"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// A cursor sharing the active transaction must not roll it back on
	// Close; the transaction is still usable afterward.
	c.Close()
	if err := tbl.Put([]byte("n"), []byte("still-open")); err != nil {
		t.Fatalf("Put after cursor Close failed, tx was rolled back: %v", err)
	}
}
