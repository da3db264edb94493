package buckets

import (
	"errors"
	"fmt"
)

var (
	ErrDeletionInProgress = errors.New("bucket deletion already in progress")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBucketExists       = errors.New("bucket already registered")
	ErrInvalidName        = errors.New("invalid bucket name")
)

// StoreError is returned when an object-store or metadata call fails during
// a bucket operation.
type StoreError struct {
	Op     string
	Bucket string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
