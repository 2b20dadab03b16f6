package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects as files below a root directory.
type Local struct {
	root string
}

// NewLocal returns a bucket rooted at root, creating it if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage: local root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", root, err)
	}
	return &Local{root: filepath.Clean(root)}, nil
}

func (l *Local) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimLeft(key, "/")))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(l.root, cleaned), nil
}

// Put implements Bucket.
func (l *Local) Put(ctx context.Context, key string, src io.Reader, size int64) error {
	dest, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("storage: create dir for %s: %w", key, err)
	}
	tmp := dest + ".partial"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", key, err)
	}
	written, copyErr := io.Copy(file, src)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: write %s: %w", key, errors.Join(copyErr, closeErr))
	}
	if size >= 0 && written != size {
		os.Remove(tmp)
		return fmt.Errorf("storage: write %s: wrote %d of %d bytes", key, written, size)
	}
	return os.Rename(tmp, dest)
}

// Get implements Bucket.
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return file, nil
}

// Exists implements Bucket.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// URL implements Bucket.
func (l *Local) URL(key string) string {
	path, err := l.path(key)
	if err != nil {
		return ""
	}
	return path
}
