package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
)

// UploadSessionStore creates, loads and removes upload sessions. A session
// begins Open with no multipart handle; the handle is issued by the first
// BlobStore.Resume of the session.
type UploadSessionStore struct {
	db      datastore.Store
	objects objectstore.ObjectStore
}

// Create starts a new upload session.
func (ss *UploadSessionStore) Create(ctx context.Context) (*datastore.UploadSession, error) {
	return ss.db.CreateUploadSession(ctx)
}

// Get loads an existing session, or ErrUploadUnknown.
func (ss *UploadSessionStore) Get(ctx context.Context, id uuid.UUID) (*datastore.UploadSession, error) {
	session, err := ss.db.GetUploadSession(ctx, id)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrUploadUnknown
	}
	return session, err
}

// Remove aborts the session's multipart upload, if one was started, and
// deletes the session and its chunk rows. Removing an unknown session
// returns ErrUploadUnknown.
func (ss *UploadSessionStore) Remove(ctx context.Context, id uuid.UUID) error {
	session, err := ss.Get(ctx, id)
	if err != nil {
		return err
	}

	if session.UploadID.Valid {
		// Abort failures are logged and ignored so the session rows are
		// still removed.
		if err := ss.objects.AbortMultipart(ctx, session.UploadID.String, session.ID.String()); err != nil {
			logrus.WithError(err).WithField("upload.id", session.ID).Debug("abort multipart upload")
		}
	}

	tx, err := ss.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.DeleteChunks(ctx, session.ID); err != nil {
		return err
	}
	if err := tx.DeleteUploadSession(ctx, session.ID); err != nil {
		return err
	}
	return tx.Commit()
}
