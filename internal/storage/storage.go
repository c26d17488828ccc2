// Package storage provides the content-addressed blob store behind
// every registry adapter. Two backends exist: the local filesystem and
// S3-compatible object stores. Callers always go through the validated
// wrapper returned by New, which rejects malformed keys before they
// reach a backend.
package storage

import (
	"context"
	"time"
)

// Metadata describes a stored object.
type Metadata struct {
	Size    int64
	ModTime time.Time
}

// Backend is the uniform capability set over a blob store. All keys
// are slash-delimited relative paths.
type Backend interface {
	// Put stores data under key, overwriting any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the content stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with prefix, in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Stat returns size and modification time of the object under key.
	Stat(ctx context.Context, key string) (Metadata, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	// BackendName identifies the backend variant ("local" or "s3").
	BackendName() string
}
