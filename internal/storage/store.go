// Package storage ships encrypted backup blobs to durable remote storage.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUpload   = errors.New("upload failed")
	ErrDownload = errors.New("download failed")
	ErrNotFound = errors.New("object not found")
	ErrDelete   = errors.New("delete failed")

	// ErrTransient marks failures worth retrying: throttling, timeouts and
	// server-side errors.
	ErrTransient = errors.New("transient remote store error")
)

// PutOptions carries the per-object storage settings.
type PutOptions struct {
	ServerSideEncryption string
	StorageClass         string
}

// Store is the remote object store holding backup blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
