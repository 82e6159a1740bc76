package memlog

import (
	"os"
	"path/filepath"
)

// writeFileAtomic atomically replaces f's full contents with data. It writes
// a temp file in the same directory, fsyncs it, renames it over the old
// path, then fsyncs the directory, and returns a handle to the new file.
func writeFileAtomic(f *os.File, data []byte) (*os.File, error) {
	path := f.Name()
	tmpPath := path + ".tmp"

	var err error
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tmpf.Close()
		}
	}()

	if _, err = tmpf.Write(data); err != nil {
		return nil, err
	}
	if err = tmpf.Sync(); err != nil {
		return nil, err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close() //nolint:errcheck

	if err = d.Sync(); err != nil {
		return nil, err
	}
	_ = tmpf.Close()

	return os.OpenFile(path, os.O_RDWR, 0o644)
}

func createFileDurable(dir, name string) (*os.File, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	dfd, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer dfd.Close() //nolint:errcheck

	if err := dfd.Sync(); err != nil {
		return nil, err
	}
	return f, nil
}
