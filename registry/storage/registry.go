// Package storage implements the registry engine: blob ingestion with
// resumable chunked uploads, manifest storage with reference integrity, and
// the upload-session state machine, bridging the metadata store and the
// object store.
package storage

import (
	"context"
	"errors"
	"regexp"

	"github.com/opencontainers/go-digest"

	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
)

// NameRegexp bounds repository and tag names.
var NameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// Registry hands out per-repository handles over a shared metadata store
// and object store.
type Registry struct {
	db      datastore.Store
	objects objectstore.ObjectStore
}

// NewRegistry builds a Registry over the given backends.
func NewRegistry(db datastore.Store, objects objectstore.ObjectStore) *Registry {
	return &Registry{db: db, objects: objects}
}

// Repository returns a handle on the named repository, or
// ErrRepositoryUnknown if it does not exist.
func (r *Registry) Repository(ctx context.Context, name string) (*Repository, error) {
	repo, err := r.db.GetRepository(ctx, name)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrRepositoryUnknown
	}
	if err != nil {
		return nil, err
	}
	return &Repository{registry: r, repo: repo}, nil
}

// CreateRepository returns a handle on the named repository, creating the
// row if this is the first reference. Creation is an idempotent upsert.
func (r *Registry) CreateRepository(ctx context.Context, name string) (*Repository, error) {
	repo, err := r.db.GetRepository(ctx, name)
	if errors.Is(err, datastore.ErrNotFound) {
		repo, err = r.db.CreateRepository(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	return &Repository{registry: r, repo: repo}, nil
}

// Repository aggregates the stores scoped to one named repository.
type Repository struct {
	registry *Registry
	repo     *datastore.Repository
}

// Name returns the repository name.
func (r *Repository) Name() string {
	return r.repo.Name
}

// Blobs returns the repository's blob store.
func (r *Repository) Blobs() *BlobStore {
	return &BlobStore{
		db:      r.registry.db,
		objects: r.registry.objects,
	}
}

// Manifests returns the repository's manifest store.
func (r *Repository) Manifests() *ManifestStore {
	return &ManifestStore{
		blobs: r.Blobs(),
		db:    r.registry.db,
		repo:  r.repo,
	}
}

// Uploads returns the repository's upload session store.
func (r *Repository) Uploads() *UploadSessionStore {
	return &UploadSessionStore{
		db:      r.registry.db,
		objects: r.registry.objects,
	}
}

// Tags lists tag names ascending. A non-empty last restricts the listing to
// names strictly greater; a non-negative n truncates it.
func (r *Repository) Tags(ctx context.Context, n int, last string) ([]string, error) {
	return r.registry.db.GetTags(ctx, r.repo.ID, n, last)
}

// ManifestRef addresses a manifest by digest or by tag.
type ManifestRef struct {
	Digest digest.Digest
	Tag    string
}

// ParseManifestRef interprets reference as a digest when it parses as one,
// otherwise as a tag name. References that are neither are rejected.
func ParseManifestRef(reference string) (ManifestRef, error) {
	if dgst, err := digest.Parse(reference); err == nil {
		return ManifestRef{Digest: dgst}, nil
	}
	if NameRegexp.MatchString(reference) {
		return ManifestRef{Tag: reference}, nil
	}
	return ManifestRef{}, ErrManifestUnknown
}

// IsTag reports whether the reference addresses by tag.
func (ref ManifestRef) IsTag() bool {
	return ref.Tag != ""
}

func (ref ManifestRef) String() string {
	if ref.IsTag() {
		return ref.Tag
	}
	return ref.Digest.String()
}
