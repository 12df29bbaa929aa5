package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPutWritesAndReturnsURL(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://cdn.example.org/media/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	url, err := store.Put(context.Background(), "1700000000-0xabc.webm", bytes.NewReader([]byte("clip-bytes")))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "https://cdn.example.org/media/1700000000-0xabc.webm" {
		t.Fatalf("unexpected url: %s", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, "1700000000-0xabc.webm"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "clip-bytes" {
		t.Fatalf("unexpected contents: %q", data)
	}
}

func TestPutRejectsTraversalKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"", "../escape.webm", "a/b.webm", ".hidden"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil)); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", key, err)
		}
	}
}

func TestPutHonorsCancelledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "clip.webm", bytes.NewReader([]byte("x"))); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
