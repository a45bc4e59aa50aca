// Package diskstore implements a filesystem-backed CacheStore: content
// addressed by fingerprint, sharded two levels deep to keep any one
// directory small, written atomically via a temp file + rename.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore is a pkg/cache.Store backed by the local filesystem.
type FileStore struct {
	root string
}

// New returns a FileStore rooted at root. The root directory is created
// if it does not already exist.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("diskstore: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// path returns <root>/<fp[0:2]>/<fp[2:4]>/<fp>.bin for a fingerprint of
// at least 4 hex characters.
func (s *FileStore) path(fingerprint string) (string, error) {
	if len(fingerprint) < 4 {
		return "", fmt.Errorf("diskstore: fingerprint %q too short to shard", fingerprint)
	}
	return filepath.Join(s.root, fingerprint[0:2], fingerprint[2:4], fingerprint+".bin"), nil
}

// Read returns the bytes stored for fingerprint, or found=false if absent.
func (s *FileStore) Read(_ context.Context, fingerprint string) ([]byte, bool, error) {
	p, err := s.path(fingerprint)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("diskstore: read %s: %w", p, err)
	}
	return data, true, nil
}

// WriteAtomic durably stores data for fingerprint. It writes to a
// sibling temp file first and renames it into place so a reader never
// observes a partial write.
func (s *FileStore) WriteAtomic(_ context.Context, fingerprint string, data []byte) error {
	p, err := s.path(fingerprint)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("diskstore: create shard dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("diskstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("diskstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("diskstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("diskstore: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("diskstore: rename into place: %w", err)
	}
	return nil
}

// Delete removes the stored entry for fingerprint, if any. Deleting a
// missing entry is not an error.
func (s *FileStore) Delete(_ context.Context, fingerprint string) error {
	p, err := s.path(fingerprint)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("diskstore: delete %s: %w", p, err)
	}
	return nil
}
