// Package memory is an in-memory implementation of the
// assetvault.ContentStore interface, intended for tests and development.
// It applies the same traversal checks as the filesystem backend so that
// code exercised against it sees identical path semantics.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// Backend stores content in process memory.
type Backend struct {
	mu        sync.RWMutex
	objects   map[string][]byte
	mimeTypes map[string]string
}

// New creates a new in-memory content store.
func New() *Backend {
	return &Backend{
		objects:   make(map[string][]byte),
		mimeTypes: make(map[string]string),
	}
}

var multiSlash = regexp.MustCompile(`/+`)

// Store keeps a copy of the byte buffer and returns size plus the
// SHA-256 hash of the exact bytes stored.
func (b *Backend) Store(ctx context.Context, data []byte, relativePath string, mimeType string) (*assetvault.StoredFile, error) {
	key, err := sanitize(relativePath)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.Lock()
	b.objects[key] = buf
	b.mimeTypes[key] = mimeType
	b.mu.Unlock()

	sum := sha256.Sum256(data)

	return &assetvault.StoredFile{
		Path:     relativePath,
		Size:     int64(len(data)),
		Hash:     hex.EncodeToString(sum[:]),
		MimeType: mimeType,
	}, nil
}

// Read returns a copy of the stored bytes.
func (b *Backend) Read(ctx context.Context, relativePath string) ([]byte, error) {
	key, err := sanitize(relativePath)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	data, exists := b.objects[key]
	if !exists {
		return nil, &assetvault.StorageError{Path: relativePath, Op: "read", Err: assetvault.ErrStorageIO}
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes the stored object.
func (b *Backend) Delete(ctx context.Context, relativePath string) error {
	key, err := sanitize(relativePath)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[key]; !exists {
		return &assetvault.StorageError{Path: relativePath, Op: "delete", Err: assetvault.ErrStorageIO}
	}

	delete(b.objects, key)
	delete(b.mimeTypes, key)
	return nil
}

// Exists reports whether the path holds a stored object.
func (b *Backend) Exists(ctx context.Context, relativePath string) (bool, error) {
	key, err := sanitize(relativePath)
	if err != nil {
		return false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.objects[key]
	return exists, nil
}

// sanitize normalizes a relative path the way the filesystem backend
// does and rejects anything that would climb out of the root.
func sanitize(relativePath string) (string, error) {
	if escaping(relativePath) {
		return "", &assetvault.StorageError{
			Path: relativePath,
			Op:   "resolve",
			Err:  assetvault.ErrPathTraversal,
		}
	}

	s := strings.ReplaceAll(relativePath, "..", "")
	s = multiSlash.ReplaceAllString(s, "/")
	return strings.TrimPrefix(s, "/"), nil
}

func escaping(relativePath string) bool {
	cleaned := path.Clean(strings.TrimPrefix(relativePath, "/"))
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}
