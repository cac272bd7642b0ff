// Package filestore enumerates and transfers the user media kept in an
// object store, so that backups can carry it alongside database dumps.
package filestore

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("file object not found")

// Object describes one stored file.
type Object struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store is the bucket/object file store.
type Store interface {
	ListBuckets(ctx context.Context) ([]string, error)
	ListObjects(ctx context.Context, bucket string) ([]Object, error)
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
}
