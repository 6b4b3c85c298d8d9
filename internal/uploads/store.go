package uploads

import (
	"context"
	"io"
)

// PutOptions carries optional attributes for a stored file.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store persists uploaded files under caller-chosen keys. Keys may
// contain slashes; backends treat them as opaque paths.
type Store interface {
	// Put writes the file and returns a stable reference URL.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}
