package storage

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
)

// BlobStore ingests, serves and deletes content-addressed blobs. Metadata
// rows and object-store objects are kept consistent by inserting the row
// inside a transaction, uploading, and committing only after the upload
// succeeds.
type BlobStore struct {
	db      datastore.Store
	objects objectstore.ObjectStore
}

// Head returns the blob record for dgst, or ErrBlobUnknown.
func (bs *BlobStore) Head(ctx context.Context, dgst digest.Digest) (*datastore.Blob, error) {
	blob, err := bs.db.GetBlob(ctx, dgst)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrBlobUnknown
	}
	return blob, err
}

// Get returns the blob record along with a stream over its content. The
// caller owns the stream and must close it.
func (bs *BlobStore) Get(ctx context.Context, dgst digest.Digest) (*datastore.Blob, io.ReadCloser, error) {
	blob, err := bs.Head(ctx, dgst)
	if err != nil {
		return nil, nil, err
	}
	body, err := bs.objects.Get(ctx, blob.ID.String())
	if errors.Is(err, objectstore.ErrNotFound) {
		// Row present, object missing: the blob is mid-creation or
		// mid-reap.
		return nil, nil, ErrBlobUnknown
	}
	if err != nil {
		return nil, nil, err
	}
	return blob, body, nil
}

// Put stores length bytes of body under dgst and returns the blob id. A
// digest already present short-circuits without a second upload, after
// confirming the object really exists. The body is digested while it
// streams to the backend; a mismatch against dgst or length aborts the
// transaction.
func (bs *BlobStore) Put(ctx context.Context, dgst digest.Digest, length int64, body io.Reader) (uuid.UUID, error) {
	if err := dgst.Validate(); err != nil {
		return uuid.Nil, err
	}

	tx, err := bs.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	var id uuid.UUID
	blob, err := tx.GetBlob(ctx, dgst)
	switch {
	case err == nil:
		exists, err := bs.objects.Exists(ctx, blob.ID.String())
		if err != nil {
			return uuid.Nil, err
		}
		if exists {
			return blob.ID, nil
		}
		// Row without an object: re-upload under the existing id.
		id = blob.ID
	case errors.Is(err, datastore.ErrNotFound):
		created, err := tx.CreateBlob(ctx, dgst, length)
		if err != nil {
			return uuid.Nil, err
		}
		id = created.ID
	default:
		return uuid.Nil, err
	}

	dr := newDigestReader(body, dgst.Algorithm())
	if err := bs.objects.Put(ctx, id.String(), length, dr); err != nil {
		return uuid.Nil, err
	}

	if dr.BytesSeen() != length {
		bs.removeObject(ctx, id)
		return uuid.Nil, ErrSizeInvalid
	}
	if computed := dr.Digest(); computed != dgst {
		bs.removeObject(ctx, id)
		return uuid.Nil, DigestMismatchError{Claimed: dgst, Computed: computed}
	}

	if err := tx.Commit(); err != nil {
		bs.removeObject(ctx, id)
		return uuid.Nil, err
	}
	return id, nil
}

// Delete removes the blob row and then, best effort, its object. A blob
// still referenced by a manifest fails with datastore.ErrContentReferenced
// and nothing is removed.
func (bs *BlobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	tx, err := bs.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	blob, err := tx.GetBlob(ctx, dgst)
	if errors.Is(err, datastore.ErrNotFound) {
		return ErrBlobUnknown
	}
	if err != nil {
		return err
	}

	if err := tx.DeleteBlob(ctx, blob.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	bs.removeObject(ctx, blob.ID)
	return nil
}

// removeObject deletes the object behind a blob id. Failures are logged and
// swallowed: a row-less object is safe to leave behind and re-upload is
// dedup-idempotent.
func (bs *BlobStore) removeObject(ctx context.Context, id uuid.UUID) {
	if err := bs.objects.Delete(ctx, id.String()); err != nil {
		logrus.WithError(err).WithField("blob.id", id).Warn("failed to delete blob object")
	}
}

// Resume loads the upload session and returns a writer bound to it. When
// the client provided a content range start it is validated against the
// session's committed bytes. The session's multipart upload is initiated on
// first use.
func (bs *BlobStore) Resume(ctx context.Context, sessionID uuid.UUID, start *int64) (*BlobWriter, error) {
	session, err := bs.db.GetUploadSession(ctx, sessionID)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrUploadUnknown
	}
	if err != nil {
		return nil, err
	}

	if start != nil && !session.ValidateRangeStart(*start) {
		logrus.WithFields(logrus.Fields{
			"upload.id":   session.ID,
			"range.start": *start,
		}).Debug("content range start does not follow committed bytes")
		return nil, ErrRangeInvalid
	}

	if !session.UploadID.Valid {
		uploadID, err := bs.objects.InitiateMultipart(ctx, session.ID.String())
		if err != nil {
			return nil, err
		}
		session.UploadID.String = uploadID
		session.UploadID.Valid = true
		if err := bs.db.UpdateUploadSession(ctx, session); err != nil {
			return nil, err
		}
	}

	return &BlobWriter{
		db:      bs.db,
		objects: bs.objects,
		session: session,
	}, nil
}
