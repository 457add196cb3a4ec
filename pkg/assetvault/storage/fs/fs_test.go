package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

func TestBackend_BasicOps(t *testing.T) {
	tmp := t.TempDir()
	b, err := New(Config{RootDir: tmp})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	ctx := context.Background()
	path := "assets/sprites/player/v1/player.png"
	data := []byte("fake png bytes")

	stored, err := b.Store(ctx, data, path, "image/png")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored.Path != path {
		t.Fatalf("expected path %q, got %q", path, stored.Path)
	}
	if stored.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), stored.Size)
	}
	if len(stored.Hash) != 64 {
		t.Fatalf("expected 64-char sha256 hex, got %q", stored.Hash)
	}

	exists, err := b.Exists(ctx, path)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("expected stored file to exist")
	}

	got, err := b.Read(ctx, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("read mismatch: %q", string(got))
	}

	if err := b.Delete(ctx, path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "assets/sprites/player/v1/player.png")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
	// parent dirs were cleaned up too
	if _, err := os.Stat(filepath.Join(tmp, "assets")); !os.IsNotExist(err) {
		t.Fatalf("expected empty dirs removed, stat err=%v", err)
	}
}

func TestBackend_HashDeterminism(t *testing.T) {
	tmp := t.TempDir()
	b, err := New(Config{RootDir: tmp})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	ctx := context.Background()

	first, err := b.Store(ctx, []byte("same content"), "a/one.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("store first: %v", err)
	}
	second, err := b.Store(ctx, []byte("same content"), "a/two.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("store second: %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("same bytes produced different hashes: %q vs %q", first.Hash, second.Hash)
	}

	other, err := b.Store(ctx, []byte("different content"), "a/three.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("store third: %v", err)
	}
	if other.Hash == first.Hash {
		t.Fatalf("different bytes produced identical hash %q", other.Hash)
	}
}

func TestBackend_RejectsTraversal(t *testing.T) {
	tmp := t.TempDir()
	b, err := New(Config{RootDir: filepath.Join(tmp, "root")})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	ctx := context.Background()

	for _, path := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"a/../../../outside.txt",
	} {
		_, err := b.Store(ctx, []byte("x"), path, "text/plain")
		if !errors.Is(err, assetvault.ErrPathTraversal) {
			t.Fatalf("store %q: expected ErrPathTraversal, got %v", path, err)
		}
	}

	// nothing escaped the root
	if _, err := os.Stat(filepath.Join(tmp, "outside.txt")); !os.IsNotExist(err) {
		t.Fatalf("traversal write escaped the root, stat err=%v", err)
	}

	if _, err := b.Read(ctx, "../secret"); !errors.Is(err, assetvault.ErrPathTraversal) {
		t.Fatalf("read: expected ErrPathTraversal, got %v", err)
	}
	if err := b.Delete(ctx, "../secret"); !errors.Is(err, assetvault.ErrPathTraversal) {
		t.Fatalf("delete: expected ErrPathTraversal, got %v", err)
	}
	if _, err := b.Exists(ctx, "../secret"); !errors.Is(err, assetvault.ErrPathTraversal) {
		t.Fatalf("exists: expected ErrPathTraversal, got %v", err)
	}
}

func TestBackend_SanitizesSlashes(t *testing.T) {
	tmp := t.TempDir()
	b, err := New(Config{RootDir: tmp})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	ctx := context.Background()

	if _, err := b.Store(ctx, []byte("x"), "a//b///c.txt", "text/plain"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "a", "b", "c.txt")); err != nil {
		t.Fatalf("expected collapsed path on disk: %v", err)
	}
}

func TestBackend_ExistsMissing(t *testing.T) {
	b, err := New(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	exists, err := b.Exists(context.Background(), "never/was/here.png")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("expected missing file to not exist")
	}
}
