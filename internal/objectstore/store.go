// Package objectstore defines the object-store collaborator contract
// (spec.md §6) the CORE downloads from and uploads to, plus a concrete
// S3-compatible adapter. The CORE treats this collaborator's internals as
// out of scope per spec.md §1, but something must sit behind the interface
// for the system to run end-to-end; S3 is the teacher's own domain
// dependency (internal/cloud/providers/s3), so that is what backs it here.
package objectstore

import (
	"context"
	"io"
)

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified string
	Metadata     map[string]string
}

// Store is the object-store collaborator. Every method takes the object
// key relative to the configured bucket; callers never see scheme/bucket
// prefixes, matching the catalog's scheme-free originalRemotePath
// invariant (spec.md §4.2).
type Store interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns key's metadata without downloading its body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Size is a convenience wrapper around Head for callers that only
	// need the byte count.
	Size(ctx context.Context, key string) (int64, error)

	// Get opens a stream over key's full body. The caller must Close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put uploads body as key, attaching metadata as object metadata
	// (spec.md §4.8 requires a downloadUrl entry in upload metadata).
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
