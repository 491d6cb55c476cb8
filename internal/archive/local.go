package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalFileStore stores objects as files below a base directory.
type LocalFileStore struct {
	basePath string
}

// NewLocalFileStore creates a LocalFileStore rooted at basePath, creating
// the directory if needed.
func NewLocalFileStore(basePath string) (*LocalFileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("archive: local path is required")
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create base directory: %w", err)
	}
	return &LocalFileStore{basePath: basePath}, nil
}

func (s *LocalFileStore) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// Put writes data through a temp file and rename so readers never see a
// partial object.
func (s *LocalFileStore) Put(_ context.Context, key string, data []byte) error {
	finalPath, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("archive: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(finalPath)+"-*")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: rename temp file: %w", err)
	}
	return nil
}

// Get reads an object. It returns ErrNotFound if it does not exist.
func (s *LocalFileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: read file: %w", err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *LocalFileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive: remove file: %w", err)
	}
	return nil
}
