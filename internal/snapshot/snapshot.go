// Package snapshot persists the scheduler's state documents (queue snapshot,
// cache index) to disk. Writes are atomic: the document is written to a
// temporary file in the same directory and renamed into place, so a crash
// mid-write never leaves a truncated document behind.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotExist is returned by Load when no snapshot has ever been written.
var ErrNotExist = errors.New("snapshot does not exist")

// Store reads and writes named JSON documents under a base directory.
type Store struct {
	dir string
}

// NewStore creates the base directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save marshals v and atomically replaces the named document.
func (s *Store) Save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}
	return s.SaveRaw(name, data)
}

// SaveRaw atomically replaces the named document with raw bytes.
func (s *Store) SaveRaw(name string, data []byte) error {
	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot %s: %w", name, err)
	}
	return nil
}

// Load unmarshals the named document into v. Returns ErrNotExist if the
// document has never been written.
func (s *Store) Load(name string, v any) error {
	data, err := s.LoadRaw(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal snapshot %s: %w", name, err)
	}
	return nil
}

// LoadRaw returns the raw bytes of the named document.
func (s *Store) LoadRaw(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	return data, nil
}
