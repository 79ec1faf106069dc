// Package objectstore provides blob object I/O against an S3-compatible
// backend, keyed by opaque identifiers. Objects are written either whole or
// through the multipart path used by resumable uploads.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("objectstore: object not found")

// Chunk records one uploaded part of a multipart upload. ETag may be empty
// for backends that do not return one.
type Chunk struct {
	ETag       string
	PartNumber int64
}

// ObjectStore is the abstract contract between the registry core and the
// object backend. Session objects accumulate under an opaque session key
// while uploading; CompleteMultipart migrates the composed object to its
// final content-addressed key.
type ObjectStore interface {
	// Get returns a stream over the object stored under key. The caller
	// owns the returned reader and must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Put stores length bytes read from body under key.
	Put(ctx context.Context, key string, length int64, body io.Reader) error

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error

	// InitiateMultipart begins a multipart upload under sessionKey and
	// returns the backend's opaque upload id.
	InitiateMultipart(ctx context.Context, sessionKey string) (string, error)

	// UploadPart uploads one part of a multipart upload.
	UploadPart(ctx context.Context, uploadID, sessionKey string, partNumber, length int64, body io.Reader) (Chunk, error)

	// CompleteMultipart composes the uploaded parts and moves the result
	// from sessionKey to finalKey.
	CompleteMultipart(ctx context.Context, uploadID, sessionKey string, parts []Chunk, finalKey string) error

	// AbortMultipart abandons a multipart upload and releases any parts
	// the backend is holding for it.
	AbortMultipart(ctx context.Context, uploadID, sessionKey string) error
}
