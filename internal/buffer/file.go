package buffer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/thebtf/solvetrace/internal/fsx"
)

// FileStorage stores each document in its own file under a directory.
// Writes go through a temp file, fsync and rename, so a reader sees either
// the old or the new document.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed and returns a FileStorage.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:8])+".json")
}

// Get returns the document stored under key.
func (f *FileStorage) Get(_ context.Context, key string) ([]byte, error) {
	// #nosec G304 -- path is derived from a hashed key inside the buffer directory.
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read buffer file: %w", err)
	}
	return data, nil
}

// Put atomically replaces the document stored under key.
func (f *FileStorage) Put(_ context.Context, key string, doc []byte) error {
	return fsx.WriteFileAtomic(f.path(key), doc, 0o600)
}

// Delete removes the document stored under key.
func (f *FileStorage) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete buffer file: %w", err)
	}
	return nil
}
