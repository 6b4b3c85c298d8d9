package uploads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps uploads on the local filesystem, for development
// and single-node deployments.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a disk-backed store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put writes the file at basePath/key via a temp file and atomic
// rename, so readers never observe partial writes.
func (s *LocalStore) Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error) {
	filePath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename upload: %w", err)
	}
	return "file://" + filePath, nil
}

// Get opens the stored file.
func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	return f, nil
}

// Delete removes the stored file. Deleting an absent key is not an
// error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	filePath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// Exists checks whether the key is present.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close releases resources.
func (s *LocalStore) Close() error { return nil }

// resolve maps a key to an on-disk path, refusing traversal outside
// the base directory.
func (s *LocalStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid upload key %q", key)
	}
	return filepath.Join(s.basePath, cleaned), nil
}
