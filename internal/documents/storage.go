package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
)

// Storage keeps document bytes under opaque keys.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// DiskStorage stores files in a local directory.
type DiskStorage struct {
	dir string
}

// NewDiskStorage prepares dir for use.
func NewDiskStorage(dir string) (*DiskStorage, error) {
	if dir == "" {
		return nil, errors.New("documents: storage directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("documents: create storage dir: %w", err)
	}
	return &DiskStorage{dir: dir}, nil
}

func (s *DiskStorage) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) {
		return "", fmt.Errorf("documents: bad storage key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Save writes r to key atomically.
func (s *DiskStorage) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	dst, err := s.path(key)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// Open returns a reader over key.
func (s *DiskStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("documents: file missing: %w", httpx.ErrNotFound)
	}
	return f, err
}

// Remove deletes key. Missing files are not an error.
func (s *DiskStorage) Remove(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ Storage = (*DiskStorage)(nil)
