package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned (wrapped) when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Backend is a read-only store of archive files (local, S3, Azure Blob).
type Backend interface {
	// ReadTo reads the object at path and writes it to the writer
	ReadTo(ctx context.Context, path string, writer io.Writer) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}
