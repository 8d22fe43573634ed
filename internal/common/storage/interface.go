package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store surface used for source archives and test data.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader; size -1 streams until EOF.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObject deletes an object. Removing a missing object is not an error.
	RemoveObject(ctx context.Context, bucket, objectKey string) error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ReadAll loads an object fully, refusing objects larger than maxBytes when maxBytes > 0.
func ReadAll(ctx context.Context, s ObjectStorage, bucket, objectKey string, maxBytes int64) ([]byte, error) {
	rc, err := s.GetObject(ctx, bucket, objectKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if maxBytes > 0 {
		r = io.LimitReader(rc, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}
