package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/amphora-registry/amphora/manifest"
	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
)

// referrerFetchConcurrency bounds the parallel per-manifest body fetches
// behind one referrers call.
const referrerFetchConcurrency = 8

// maxObjectDeleteAttempts bounds the retry loop against eventually
// consistent backends that keep reporting a deleted object as present.
const maxObjectDeleteAttempts = 10

// ManifestStore stores and serves manifests for one repository. A manifest
// body is itself a blob; the store keeps the manifest row pointing at it
// plus the association rows that protect referenced content from deletion.
type ManifestStore struct {
	blobs *BlobStore
	db    datastore.Store
	repo  *datastore.Repository
}

// Head resolves ref to a manifest record, or ErrManifestUnknown.
func (ms *ManifestStore) Head(ctx context.Context, ref ManifestRef) (*datastore.Manifest, error) {
	return ms.resolve(ctx, ms.db, ref)
}

// Get resolves ref and returns the record along with a stream over the
// stored manifest bytes. The caller owns the stream.
func (ms *ManifestStore) Get(ctx context.Context, ref ManifestRef) (*datastore.Manifest, io.ReadCloser, error) {
	m, err := ms.Head(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	body, err := ms.blobs.objects.Get(ctx, m.BlobID.String())
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil, ErrManifestUnknown
	}
	if err != nil {
		return nil, nil, err
	}
	return m, body, nil
}

func (ms *ManifestStore) resolve(ctx context.Context, q datastore.Queries, ref ManifestRef) (*datastore.Manifest, error) {
	var (
		m   *datastore.Manifest
		err error
	)
	if ref.IsTag() {
		m, err = q.GetManifestByTag(ctx, ms.repo.ID, ref.Tag)
	} else {
		m, err = q.GetManifestByDigest(ctx, ms.repo.ID, ref.Digest)
	}
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrManifestUnknown
	}
	return m, err
}

// Put stores payload as a manifest under ref. The payload's canonical
// digest addresses it; when ref is a tag the tag is upserted to point at
// it. Image manifests must reference layer blobs the registry holds and
// indexes must reference manifests already in this repository.
func (ms *ManifestStore) Put(ctx context.Context, ref ManifestRef, spec *manifest.Spec, payload []byte) (digest.Digest, error) {
	dgst := digest.Canonical.FromBytes(payload)

	// Storing the body through the blob store both deduplicates it and
	// yields the row the manifest points at.
	blobID, err := ms.blobs.Put(ctx, dgst, int64(len(payload)), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	tx, err := ms.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if existing, err := tx.GetManifestByDigest(ctx, ms.repo.ID, dgst); err == nil {
		// Already present; at most the tag moves.
		if ref.IsTag() {
			if err := tx.UpsertTag(ctx, ms.repo.ID, existing.ID, ref.Tag); err != nil {
				return "", err
			}
			if err := tx.Commit(); err != nil {
				return "", err
			}
		}
		return existing.Digest, nil
	} else if !errors.Is(err, datastore.ErrNotFound) {
		return "", err
	}

	m := &datastore.Manifest{
		ID:           uuid.New(),
		RepositoryID: ms.repo.ID,
		BlobID:       blobID,
		Digest:       dgst,
		BytesOnDisk:  int64(len(payload)),
	}
	if mt := spec.MediaType(); mt != "" {
		m.MediaType = sql.NullString{String: mt, Valid: true}
	}
	if at := spec.ArtifactType(); at != "" {
		m.ArtifactType = sql.NullString{String: at, Valid: true}
	}
	if subject := spec.Subject(); subject != nil {
		m.Subject = sql.NullString{String: subject.Digest.String(), Valid: true}
	}
	if err := tx.CreateManifest(ctx, m); err != nil {
		return "", err
	}

	switch spec.Kind() {
	case manifest.KindImage:
		dgsts := spec.LayerDigests()
		blobs, err := tx.GetBlobs(ctx, dgsts)
		if err != nil {
			return "", err
		}
		if missing := missingDigests(dgsts, blobDigests(blobs)); len(missing) > 0 {
			logrus.WithField("digests", missing).Warn("manifest references layers not found in registry")
			return "", ErrManifestBlobUnknown
		}
		blobIDs := make([]uuid.UUID, 0, len(blobs))
		for _, b := range blobs {
			blobIDs = append(blobIDs, b.ID)
		}
		if err := tx.AssociateLayers(ctx, m.ID, blobIDs); err != nil {
			return "", err
		}
	case manifest.KindIndex:
		dgsts := spec.ManifestDigests()
		children, err := tx.GetManifests(ctx, ms.repo.ID, dgsts)
		if err != nil {
			return "", err
		}
		if missing := missingDigests(dgsts, manifestDigests(children)); len(missing) > 0 {
			logrus.WithField("digests", missing).Warn("index references manifests not found in repository")
			return "", ErrManifestUnknown
		}
		childIDs := make([]uuid.UUID, 0, len(children))
		for _, c := range children {
			childIDs = append(childIDs, c.ID)
		}
		if err := tx.AssociateIndexManifests(ctx, m.ID, childIDs); err != nil {
			return "", err
		}
	}

	if ref.IsTag() {
		if err := tx.UpsertTag(ctx, ms.repo.ID, m.ID, ref.Tag); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return dgst, nil
}

// Delete removes the manifest resolved by ref together with its
// associations, its tags and its backing blob, then best-effort deletes the
// object. A manifest still referenced by an index fails with
// datastore.ErrContentReferenced.
func (ms *ManifestStore) Delete(ctx context.Context, ref ManifestRef) error {
	tx, err := ms.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := ms.resolve(ctx, tx, ref)
	if err != nil {
		return err
	}

	if err := tx.DeleteLayerAssociations(ctx, m.ID); err != nil {
		return err
	}
	if err := tx.DeleteIndexAssociations(ctx, m.ID); err != nil {
		return err
	}
	if err := tx.DeleteTagsByManifest(ctx, m.ID); err != nil {
		return err
	}
	if err := tx.DeleteManifest(ctx, m.ID); err != nil {
		return err
	}
	if err := tx.DeleteBlob(ctx, m.BlobID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	key := m.BlobID.String()
	for attempt := 0; attempt < maxObjectDeleteAttempts; attempt++ {
		exists, err := ms.blobs.objects.Exists(ctx, key)
		if err != nil || !exists {
			break
		}
		if err := ms.blobs.objects.Delete(ctx, key); err != nil {
			logrus.WithError(err).WithField("blob.id", key).Warn("failed to delete manifest object")
			break
		}
	}
	return nil
}

// Referrers returns an image index listing every manifest in this
// repository whose subject is dgst, optionally filtered by artifact type.
// Each descriptor is reconstructed from the stored manifest bytes; the
// per-manifest fetches run concurrently and the first failure cancels the
// rest.
func (ms *ManifestStore) Referrers(ctx context.Context, dgst digest.Digest, artifactType string) (*v1.Index, error) {
	index := &v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{},
	}

	referrers, err := ms.db.GetReferrers(ctx, ms.repo.ID, dgst, artifactType)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(referrerFetchConcurrency)

	descriptors := make([]*v1.Descriptor, len(referrers))
	for i, m := range referrers {
		i, m := i, m
		if !m.MediaType.Valid {
			logrus.WithFields(logrus.Fields{
				"manifest.id":     m.ID,
				"manifest.digest": m.Digest,
			}).Warn("manifest unexpectedly missing media type")
			continue
		}
		g.Go(func() error {
			desc, err := ms.describeReferrer(gctx, m)
			if err != nil {
				return err
			}
			descriptors[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifests := make([]v1.Descriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		if desc != nil {
			manifests = append(manifests, *desc)
		}
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Digest < manifests[j].Digest
	})
	index.Manifests = manifests
	return index, nil
}

// describeReferrer rebuilds the descriptor for one referrer from its stored
// bytes, recovering the media type, artifact type and annotations the row
// alone does not carry.
func (ms *ManifestStore) describeReferrer(ctx context.Context, m *datastore.Manifest) (*v1.Descriptor, error) {
	body, err := ms.blobs.objects.Get(ctx, m.BlobID.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	spec, err := manifest.Parse(payload)
	if err != nil {
		return nil, err
	}

	mediaType := spec.MediaType()
	if mediaType == "" {
		mediaType = m.MediaType.String
	}
	return &v1.Descriptor{
		MediaType:    mediaType,
		Digest:       m.Digest,
		Size:         int64(len(payload)),
		ArtifactType: spec.ArtifactType(),
		Annotations:  spec.Annotations(),
	}, nil
}

func blobDigests(blobs []*datastore.Blob) map[digest.Digest]struct{} {
	set := make(map[digest.Digest]struct{}, len(blobs))
	for _, b := range blobs {
		set[b.Digest] = struct{}{}
	}
	return set
}

func manifestDigests(manifests []*datastore.Manifest) map[digest.Digest]struct{} {
	set := make(map[digest.Digest]struct{}, len(manifests))
	for _, m := range manifests {
		set[m.Digest] = struct{}{}
	}
	return set
}

func missingDigests(want []digest.Digest, have map[digest.Digest]struct{}) []digest.Digest {
	var missing []digest.Digest
	for _, dgst := range want {
		if _, ok := have[dgst]; !ok {
			missing = append(missing, dgst)
		}
	}
	return missing
}
