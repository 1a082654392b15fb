package lake

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSAdapter stores objects as files under a root directory, mirroring
// the S3 adapter's key layout. Used for tests and local development.
type FSAdapter struct {
	root string
}

// NewFSAdapter creates the root directory if needed.
func NewFSAdapter(root string) (*FSAdapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lake root %s: %w", root, err)
	}
	return &FSAdapter{root: root}, nil
}

func (a *FSAdapter) path(key string) string {
	return filepath.Join(a.root, filepath.FromSlash(key))
}

// PutObject writes data to the file backing key, creating parents.
func (a *FSAdapter) PutObject(_ context.Context, key string, data []byte, _ string) error {
	target := a.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject reads the file backing key.
func (a *FSAdapter) GetObject(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(a.path(key))
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

// ListObjects walks the tree under prefix and returns keys sorted.
func (a *FSAdapter) ListObjects(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (a *FSAdapter) Close() error { return nil }
