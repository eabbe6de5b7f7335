// Package shacache is a content-addressed disk cache keyed by SHA-256 digest.
// Misses are filled from a remote Source and verified before they are stored.
package shacache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound    = errors.New("content not found")
	ErrHashInvalid = errors.New("invalid content hash")
	ErrMismatch    = errors.New("content does not match hash")
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Source fetches content that is missing from the cache.
type Source interface {
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, hash string) ([]byte, error)

func (f SourceFunc) Fetch(ctx context.Context, hash string) ([]byte, error) {
	return f(ctx, hash)
}

// Cache stores content under dir/<first two hex chars>/<hash>.
type Cache struct {
	dir   string
	group singleflight.Group
}

// New creates the cache directory if needed.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize lower-cases hash and checks its shape.
func Normalize(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !hashPattern.MatchString(h) {
		return "", fmt.Errorf("%w: %q", ErrHashInvalid, hash)
	}
	return h, nil
}

func (c *Cache) path(hash string) string {
	return filepath.Join(c.dir, hash[:2], hash)
}

// Has reports whether hash is stored locally.
func (c *Cache) Has(hash string) bool {
	h, err := Normalize(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(c.path(h))
	return err == nil
}

// Put stores data and returns its digest.
func (c *Cache) Put(data []byte) (string, error) {
	hash := Digest(data)
	if c.Has(hash) {
		return hash, nil
	}
	if err := c.write(hash, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Get returns the bytes of hash, fetching them from src on a miss. Concurrent
// misses for the same hash share one fetch. src may be nil.
func (c *Cache) Get(ctx context.Context, hash string, src Source) ([]byte, error) {
	h, err := Normalize(hash)
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(c.path(h)); err == nil {
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}

	v, err, _ := c.group.Do(h, func() (interface{}, error) {
		data, err := src.Fetch(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, h, err)
		}
		if data == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		if Digest(data) != h {
			return nil, fmt.Errorf("%w: %s", ErrMismatch, h)
		}
		if err := c.write(h, data); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Open is Get returning a reader.
func (c *Cache) Open(ctx context.Context, hash string, src Source) (io.ReadCloser, error) {
	data, err := c.Get(ctx, hash, src)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Cache) write(hash string, data []byte) error {
	path := c.path(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
