package blobstore

import "errors"

var (
	// ErrObjectNotFound is returned when no archive exists at a storage key.
	ErrObjectNotFound = errors.New("blobstore: object not found")
	// ErrInvalidKey is returned for keys that would escape the store root.
	ErrInvalidKey = errors.New("blobstore: invalid storage key")
	// ErrPresignUnsupported is returned by backends that cannot mint download URLs.
	ErrPresignUnsupported = errors.New("blobstore: backend cannot presign downloads")
)
