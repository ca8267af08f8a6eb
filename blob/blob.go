// Package blob stores document bytes outside the workflow database:
// source templates, uploaded attachments, flattened documents and audit
// certificates. Keys are opaque strings chosen by the caller.
package blob

import (
	"context"
	"time"
)

// Store is a flat key-addressed byte store.
type Store interface {
	// Put writes data under key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the bytes stored under key, or types.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// URL returns a link for downloading key that stays valid for expiry.
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
