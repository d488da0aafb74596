package torrent

import (
	"fmt"
	"os"
	"path/filepath"
)

// StorageError wraps an I/O failure at the storage layer.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("torrent: storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage is a random-access single-file writer/reader rooted at a download
// directory. Positional writes to disjoint ranges are safe to issue
// concurrently: each call opens its own file handle and uses WriteAt/ReadAt,
// which are positional and don't share a seek cursor across goroutines.
type Storage struct {
	root string
}

// NewStorage returns a Storage rooted at dir. dir is created (with any
// missing ancestors) lazily on first write, not here.
func NewStorage(dir string) *Storage {
	return &Storage{root: dir}
}

func (s *Storage) path(name string) string {
	return filepath.Join(s.root, name)
}

// SaveBlock opens (creating if absent) the file `name` under the storage
// root and writes bytes at the given absolute offset. Missing ancestor
// directories are created.
func (s *Storage) SaveBlock(name string, offset int64, data []byte) error {
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// ReadBlock opens the existing file `name` and reads exactly length bytes
// starting at offset.
func (s *Storage) ReadBlock(name string, offset int64, length int) ([]byte, error) {
	path := s.path(name)
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	return buf, nil
}

// CreateEmptyFile sizes the file `name` to the given length, creating it
// zero-filled (with any missing ancestor directories) if it does not exist.
// Bytes already on disk within that length are kept. Used once at torrent
// start so later SaveBlock calls never need to create the file themselves
// under concurrent access.
func (s *Storage) CreateEmptyFile(name string, length int64) error {
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	defer f.Close()
	if err := f.Truncate(length); err != nil {
		return &StorageError{Op: "truncate", Path: path, Err: err}
	}
	return nil
}
