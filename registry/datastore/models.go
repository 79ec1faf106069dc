package datastore

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Repository is a named namespace for manifests and tags. Repositories are
// created lazily on first reference and never destroyed implicitly.
type Repository struct {
	ID   uuid.UUID
	Name string
}

// Blob is one content-addressed byte array. ID doubles as the object-store
// key; keying by row id rather than digest keeps path-unfriendly characters
// out of object keys and lets every repository share one object per digest.
type Blob struct {
	ID          uuid.UUID
	Digest      digest.Digest
	BytesOnDisk int64
}

// Manifest is a stored image manifest or image index. The serialized bytes
// live in the blob identified by BlobID; Digest is the canonical digest of
// those bytes and is unique per repository.
type Manifest struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	BlobID       uuid.UUID
	Digest       digest.Digest
	BytesOnDisk  int64
	MediaType    sql.NullString
	ArtifactType sql.NullString
	// Subject holds the digest of the manifest this one refers to, for
	// the referrers API.
	Subject sql.NullString
}

// Tag is a mutable named pointer to a manifest within a repository.
type Tag struct {
	RepositoryID uuid.UUID
	ManifestID   uuid.UUID
	Name         string
}

// UploadSession tracks one multi-request chunked blob upload. UploadID is
// the object store's multipart handle and stays null until the first chunk
// arrives. LastRangeEnd is the highest committed byte offset, -1 when
// nothing has been committed.
type UploadSession struct {
	ID           uuid.UUID
	StartDate    time.Time
	UploadID     sql.NullString
	ChunkNumber  int64
	LastRangeEnd int64
	// DigestState carries opaque serialized digest progress between chunk
	// requests.
	DigestState []byte
}

// HasCommitted reports whether any bytes have been accepted, and if so how
// many. The next accepted range start is the returned count.
func (s *UploadSession) HasCommitted() (int64, bool) {
	if s.LastRangeEnd < 0 {
		return 0, false
	}
	return s.LastRangeEnd + 1, true
}

// ValidateRangeStart reports whether a client-provided range start lines up
// with the bytes committed so far: the first chunk must start at zero and
// every later chunk must start exactly after the previous one.
func (s *UploadSession) ValidateRangeStart(start int64) bool {
	committed, ok := s.HasCommitted()
	if !ok {
		return start == 0 && s.ChunkNumber == 1
	}
	return start == committed
}

// Chunk records one accepted part of an upload session, ordered by
// PartNumber.
type Chunk struct {
	PartNumber int64
	ETag       sql.NullString
}
