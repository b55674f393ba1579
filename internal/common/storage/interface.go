package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object operations used to archive submission sources.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
}
