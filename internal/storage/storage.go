// Package storage is the byte store for uploaded audio. Objects are
// addressed by opaque keys; metadata lives in the upload ledger, not here.
package storage

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob not found")

// Blobs stores and retrieves raw audio bytes.
type Blobs interface {
	// Put writes the object under key, replacing any previous content.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get returns a reader for the object. The caller closes it.
	// Returns ErrNotFound when no object exists under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
