// Package datastore implements the registry's metadata model on a
// transactional relational store: repositories, blobs, manifests, tags,
// upload sessions and their chunks.
//
// Reads may run on a pooled connection; every mutation touching more than
// one row runs through a Tx so that metadata and object-store state never
// commit half-written.
package datastore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("datastore: record not found")

// ErrContentReferenced is returned when deleting a blob or manifest that is
// still referenced through a foreign key, so callers can answer 409 instead
// of surfacing a database error.
var ErrContentReferenced = errors.New("datastore: content referenced elsewhere")

// Queries is the set of metadata operations shared by pooled connections
// and transactions.
type Queries interface {
	// Repositories.
	CreateRepository(ctx context.Context, name string) (*Repository, error)
	GetRepository(ctx context.Context, name string) (*Repository, error)
	RepositoryExists(ctx context.Context, name string) (bool, error)

	// Blobs. Blob rows are global: a digest maps to one row regardless of
	// which repositories reference it.
	CreateBlob(ctx context.Context, dgst digest.Digest, bytesOnDisk int64) (*Blob, error)
	GetBlob(ctx context.Context, dgst digest.Digest) (*Blob, error)
	GetBlobs(ctx context.Context, dgsts []digest.Digest) ([]*Blob, error)
	DeleteBlob(ctx context.Context, id uuid.UUID) error

	// Manifests.
	CreateManifest(ctx context.Context, m *Manifest) error
	GetManifestByDigest(ctx context.Context, repositoryID uuid.UUID, dgst digest.Digest) (*Manifest, error)
	GetManifestByTag(ctx context.Context, repositoryID uuid.UUID, tag string) (*Manifest, error)
	GetManifests(ctx context.Context, repositoryID uuid.UUID, dgsts []digest.Digest) ([]*Manifest, error)
	DeleteManifest(ctx context.Context, id uuid.UUID) error
	GetReferrers(ctx context.Context, repositoryID uuid.UUID, subject digest.Digest, artifactType string) ([]*Manifest, error)

	// Associations between a manifest and the content it references.
	AssociateLayers(ctx context.Context, manifestID uuid.UUID, blobIDs []uuid.UUID) error
	DeleteLayerAssociations(ctx context.Context, manifestID uuid.UUID) error
	AssociateIndexManifests(ctx context.Context, parentID uuid.UUID, childIDs []uuid.UUID) error
	DeleteIndexAssociations(ctx context.Context, parentID uuid.UUID) error

	// Tags.
	UpsertTag(ctx context.Context, repositoryID, manifestID uuid.UUID, name string) error
	// GetTags returns tag names sorted ascending. A non-empty last
	// restricts the result to names strictly greater; a non-negative n
	// truncates it.
	GetTags(ctx context.Context, repositoryID uuid.UUID, n int, last string) ([]string, error)
	DeleteTagsByManifest(ctx context.Context, manifestID uuid.UUID) error

	// Upload sessions and their chunks.
	CreateUploadSession(ctx context.Context) (*UploadSession, error)
	GetUploadSession(ctx context.Context, id uuid.UUID) (*UploadSession, error)
	UpdateUploadSession(ctx context.Context, session *UploadSession) error
	DeleteUploadSession(ctx context.Context, id uuid.UUID) error
	CreateChunk(ctx context.Context, sessionID uuid.UUID, chunk *Chunk) error
	GetChunks(ctx context.Context, sessionID uuid.UUID) ([]Chunk, error)
	DeleteChunks(ctx context.Context, sessionID uuid.UUID) error
}

// Store is the root handle on the metadata database.
type Store interface {
	Queries

	// Begin opens a transaction. The caller must Commit or Rollback;
	// Rollback after Commit is a no-op so it can sit in a defer.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a transactional view over the metadata store.
type Tx interface {
	Queries

	Commit() error
	Rollback() error
}
