// Package media provides durable blob storage for recorded clips along with
// stable, publicly dereferenceable retrieval URLs.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey rejects object keys that would escape the store root.
var ErrInvalidKey = errors.New("media: invalid object key")

// Store persists media objects and issues their public URLs.
type Store interface {
	// Put writes the object and returns its stable public URL. The object
	// must be durably retrievable before Put returns.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
}

// FileStore keeps media objects on the local filesystem and serves them from
// a configured public base URL.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("media dir required")
	}
	if err := os.MkdirAll(trimmed, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &FileStore{
		dir:     trimmed,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}, nil
}

// Dir returns the filesystem root, used by the gateway to serve objects.
func (s *FileStore) Dir() string { return s.dir }

// Put writes the object atomically: data lands in a temp file that is
// renamed into place only after a successful sync, so a crash mid-write
// never leaves a partially retrievable object.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, cleaned)); err != nil {
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return s.baseURL + "/" + cleaned, nil
}

func cleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(trimmed)
	if cleaned != trimmed || strings.Contains(cleaned, "/") || strings.HasPrefix(cleaned, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
