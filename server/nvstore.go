package server

import (
	"fmt"
	"os"
	"path/filepath"

	vfs "github.com/twpayne/go-vfs"
)

// FileStore keeps an instance's permanent data in a single file. It
// implements engine.NVStore.
type FileStore struct {
	fs   vfs.FS
	path string
}

// NewFileStore returns a store for the file at path on fs, creating its
// directory if needed.
func NewFileStore(fs vfs.FS, path string) (*FileStore, error) {
	if err := vfs.MkdirAll(fs, filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStore{fs: fs, path: path}, nil
}

// Path is the location of the state file.
func (s *FileStore) Path() string {
	return s.path
}

// Store replaces the state file. The new contents are written beside it
// and renamed into place, so a reader sees either the old or the new state.
func (s *FileStore) Store(state []byte) error {
	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, state, 0o600); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	return nil
}

// Load returns the stored state, or nil if nothing has been stored yet.
func (s *FileStore) Load() ([]byte, error) {
	b, err := s.fs.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}
