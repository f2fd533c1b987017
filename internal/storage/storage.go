package storage

import (
	"context"
	"io"
	"strings"
	"time"

	"reservoir/internal/models"
)

// StagingPrefix holds uploads that are not yet part of the catalog.
const StagingPrefix = ".staging/"

// BlobStore is the path addressed archive store. Final keys follow
// models.ArchiveKey; staged blobs live under StagingPrefix until published.
type BlobStore interface {
	// Stage writes r to a fresh staging key and returns it with the byte count.
	Stage(ctx context.Context, r io.Reader) (string, int64, error)
	// Publish moves a staged blob to its final key, replacing any existing blob.
	Publish(ctx context.Context, stagingKey, key string) error
	// Discard drops a staged blob. Missing blobs are not an error.
	Discard(ctx context.Context, stagingKey string) error
	// Open streams the blob at key along with its size.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Remove deletes a single blob. Missing blobs are not an error.
	Remove(ctx context.Context, key string) error
	// RemoveDir deletes every blob under prefix.
	RemoveDir(ctx context.Context, prefix string) error
	// List returns every published key.
	List(ctx context.Context) ([]string, error)
	// ListBefore returns published keys last modified before cutoff.
	ListBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// ListStaged returns staged keys last modified before cutoff.
	ListStaged(ctx context.Context, cutoff time.Time) ([]string, error)
}

// IsStagingKey reports whether key names a staged blob.
func IsStagingKey(key string) bool {
	return strings.HasPrefix(key, StagingPrefix)
}

func notFound(key string) error {
	return models.ErrNotFound.New("blob %s", key)
}
