// Package fs is a filesystem implementation of the assetvault.ContentStore
// interface. All paths resolve against a fixed storage root; traversal
// sanitation is re-applied here independently of the path resolver, and
// every resolved path is verified to still be a descendant of the root.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// Backend stores content under a base directory.
type Backend struct {
	root string
}

// Config options for the filesystem backend
type Config struct {
	RootDir string // Storage root for all content
}

var multiSlash = regexp.MustCompile(`/+`)

// New creates a new filesystem content store rooted at config.RootDir.
func New(config Config) (*Backend, error) {
	if config.RootDir == "" {
		return nil, errors.New("storage root directory is required")
	}

	root, err := filepath.Abs(config.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	return &Backend{root: root}, nil
}

// Store writes the full byte buffer under the storage root, creating
// parent directories as needed, and returns size plus the SHA-256 hash
// of the exact bytes written.
func (b *Backend) Store(ctx context.Context, data []byte, relativePath string, mimeType string) (*assetvault.StoredFile, error) {
	fullPath, err := b.resolve(relativePath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, &assetvault.StorageError{
			Path: relativePath,
			Op:   "store",
			Err:  fmt.Errorf("%w: create directory: %v", assetvault.ErrStorageIO, err),
		}
	}

	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return nil, &assetvault.StorageError{
			Path: relativePath,
			Op:   "store",
			Err:  fmt.Errorf("%w: write file: %v", assetvault.ErrStorageIO, err),
		}
	}

	sum := sha256.Sum256(data)

	return &assetvault.StoredFile{
		Path:     relativePath,
		Size:     int64(len(data)),
		Hash:     hex.EncodeToString(sum[:]),
		MimeType: mimeType,
	}, nil
}

// Read returns the stored bytes for a relative path.
func (b *Backend) Read(ctx context.Context, relativePath string) ([]byte, error) {
	fullPath, err := b.resolve(relativePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, &assetvault.StorageError{Path: relativePath, Op: "read", Err: err}
	}

	return data, nil
}

// Delete removes the stored file and cleans up empty parent directories.
func (b *Backend) Delete(ctx context.Context, relativePath string) error {
	fullPath, err := b.resolve(relativePath)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		return &assetvault.StorageError{Path: relativePath, Op: "delete", Err: err}
	}

	b.cleanupEmptyDirectories(filepath.Dir(fullPath))

	return nil
}

// Exists reports whether a relative path holds a stored file.
func (b *Backend) Exists(ctx context.Context, relativePath string) (bool, error) {
	fullPath, err := b.resolve(relativePath)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, &assetvault.StorageError{Path: relativePath, Op: "exists", Err: err}
	}

	return true, nil
}

// resolve sanitizes a relative path and verifies the absolute result is
// still inside the storage root. The raw path is checked before
// sanitation: stripping must never turn an escaping path into an
// accepted one.
func (b *Backend) resolve(relativePath string) (string, error) {
	raw := filepath.Clean(filepath.Join(b.root, filepath.FromSlash(relativePath)))
	if !b.within(raw) {
		return "", &assetvault.StorageError{
			Path: relativePath,
			Op:   "resolve",
			Err:  assetvault.ErrPathTraversal,
		}
	}

	sanitized := strings.ReplaceAll(relativePath, "..", "")
	sanitized = multiSlash.ReplaceAllString(sanitized, "/")
	sanitized = strings.TrimPrefix(sanitized, "/")

	fullPath := filepath.Clean(filepath.Join(b.root, filepath.FromSlash(sanitized)))
	if !b.within(fullPath) {
		return "", &assetvault.StorageError{
			Path: relativePath,
			Op:   "resolve",
			Err:  assetvault.ErrPathTraversal,
		}
	}

	return fullPath, nil
}

func (b *Backend) within(path string) bool {
	return path == b.root || strings.HasPrefix(path, b.root+string(filepath.Separator))
}

// cleanupEmptyDirectories recursively removes empty directories up to the root
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.root {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
