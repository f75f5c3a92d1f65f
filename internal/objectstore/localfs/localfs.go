// Package localfs is a local-filesystem-backed objectstore.Store, used for
// local runs and tests in place of a real object storage SDK (none appears
// anywhere in the example pack — see DESIGN.md).
package localfs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/beammedia/control-plane/internal/objectstore"
)

// Store roots every key under a configured directory. Presign is simulated:
// since there is no HTTP server fronting this directory in local runs, it
// returns a file:// URL with an expiry query param a caller can still
// validate against, rather than a real signed HTTP URL.
type Store struct {
	root       string
	presignTTL time.Duration
}

// New builds a Store rooted at root, creating it if necessary.
func New(root string, presignTTL time.Duration) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create objectstore root: %w", err)
	}
	return &Store{root: root, presignTTL: presignTTL}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *Store) Put(ctx context.Context, key string, content io.Reader) (string, error) {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", &objectstore.StorageError{Op: "put", Key: key, Err: err}
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", &objectstore.StorageError{Op: "put", Key: key, Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return "", &objectstore.StorageError{Op: "put", Key: key, Err: err}
	}
	return s.urlFor(key), nil
}

func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) (string, error) {
	src, err := os.Open(s.path(srcKey))
	if err != nil {
		return "", &objectstore.StorageError{Op: "copy", Key: srcKey, Err: err}
	}
	defer src.Close()

	return s.Put(ctx, dstKey, src)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return &objectstore.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *Store) Presign(ctx context.Context, key string) (string, error) {
	if _, err := os.Stat(s.path(key)); err != nil {
		return "", &objectstore.StorageError{Op: "presign", Key: key, Err: err}
	}

	expires := time.Now().Add(s.presignTTL).Unix()
	u := url.URL{
		Scheme:   "file",
		Path:     s.path(key),
		RawQuery: fmt.Sprintf("expires=%d", expires),
	}
	return u.String(), nil
}

func (s *Store) urlFor(key string) string {
	return (&url.URL{Scheme: "file", Path: s.path(key)}).String()
}
