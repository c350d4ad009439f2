// Package objectstore provides the two-tier blob store used for source
// documents, processed JSON payloads, and tenant templates.
//
// Keys are slash-separated and relative to the store root; the path grammar
// lives in paths.go and is owned by this package.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Store is the object store contract. Put is idempotent by path with
// last-writer-wins semantics and is atomic at object granularity. Move is
// copy-then-delete: on failure both objects may temporarily coexist and
// callers must tolerate that.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}
