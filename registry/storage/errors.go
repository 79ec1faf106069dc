package storage

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrRepositoryUnknown is returned when no repository exists under the
// requested name.
var ErrRepositoryUnknown = errors.New("storage: repository unknown")

// ErrBlobUnknown is returned when no blob exists for the requested digest.
var ErrBlobUnknown = errors.New("storage: blob unknown")

// ErrManifestUnknown is returned when no manifest matches the requested
// reference, or when an index references a manifest the repository does not
// hold.
var ErrManifestUnknown = errors.New("storage: manifest unknown")

// ErrManifestBlobUnknown is returned when an image manifest references a
// layer blob the registry does not hold.
var ErrManifestBlobUnknown = errors.New("storage: manifest references unknown blob")

// ErrUploadUnknown is returned when no upload session exists for the
// requested id.
var ErrUploadUnknown = errors.New("storage: blob upload unknown")

// ErrRangeInvalid is returned when a chunk's content range does not line up
// with the bytes committed to the session so far.
var ErrRangeInvalid = errors.New("storage: content range does not follow committed bytes")

// ErrSizeInvalid is returned when the number of bytes read from a body does
// not match the length the client declared.
var ErrSizeInvalid = errors.New("storage: content length does not match body")

// DigestMismatchError is returned when uploaded content hashes to something
// other than the digest the client claimed.
type DigestMismatchError struct {
	Claimed  digest.Digest
	Computed digest.Digest
}

func (e DigestMismatchError) Error() string {
	return fmt.Sprintf("storage: computed digest %s does not match claimed digest %s", e.Computed, e.Claimed)
}
