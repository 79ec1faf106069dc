package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
)

// digestState is the serialized digest progress persisted on the session
// between chunk requests.
type digestState struct {
	Bytes int64 `json:"bytes"`
}

// BlobWriter appends content to one upload session. Each of Write,
// WriteChunked and Finalize consumes the writer; a fresh writer comes from
// BlobStore.Resume.
type BlobWriter struct {
	db      datastore.Store
	objects objectstore.ObjectStore
	session *datastore.UploadSession
}

// Session returns the writer's session state, reflecting any bytes the
// writer has committed.
func (bw *BlobWriter) Session() *datastore.UploadSession {
	return bw.session
}

func (bw *BlobWriter) uploadID() string {
	// Resume populates the multipart handle before handing out a writer.
	if !bw.session.UploadID.Valid {
		panic("storage: blob writer session has no upload id")
	}
	return bw.session.UploadID.String
}

// advance records n accepted bytes on the session.
func (bw *BlobWriter) advance(n int64) {
	committed, _ := bw.session.HasCommitted()
	committed += n
	bw.session.LastRangeEnd = committed - 1
	state, _ := json.Marshal(digestState{Bytes: committed})
	bw.session.DigestState = state
}

// Write uploads body as a single part of known length and advances the
// session by the bytes observed on the wire.
func (bw *BlobWriter) Write(ctx context.Context, length int64, body io.Reader) (*datastore.UploadSession, error) {
	dr := newDigestReader(body, digest.Canonical)
	chunk, err := bw.objects.UploadPart(ctx, bw.uploadID(), bw.session.ID.String(), bw.session.ChunkNumber, length, dr)
	if err != nil {
		return nil, err
	}
	if dr.BytesSeen() != length {
		// The part is orphaned in the backend's multipart state; it is
		// swept by the abort on session deletion.
		return nil, ErrSizeInvalid
	}

	row := datastore.Chunk{PartNumber: chunk.PartNumber}
	if chunk.ETag != "" {
		row.ETag.String = chunk.ETag
		row.ETag.Valid = true
	}
	if err := bw.db.CreateChunk(ctx, bw.session.ID, &row); err != nil {
		return nil, err
	}

	bw.session.ChunkNumber++
	bw.advance(dr.BytesSeen())
	if err := bw.db.UpdateUploadSession(ctx, bw.session); err != nil {
		return nil, err
	}
	return bw.session, nil
}

// WriteChunked rebuffers body into fixed-size pieces and uploads each as a
// part, recording the chunk rows in one transaction. The trailing piece may
// be smaller than the target size.
func (bw *BlobWriter) WriteChunked(ctx context.Context, body io.Reader) (*datastore.UploadSession, error) {
	tx, err := bw.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var total int64
	ch := newChunker(body, chunkSize)
	for {
		piece, err := ch.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		chunk, err := bw.objects.UploadPart(ctx, bw.uploadID(), bw.session.ID.String(), bw.session.ChunkNumber, int64(len(piece)), bytes.NewReader(piece))
		if err != nil {
			return nil, err
		}
		row := datastore.Chunk{PartNumber: chunk.PartNumber}
		if chunk.ETag != "" {
			row.ETag.String = chunk.ETag
			row.ETag.Valid = true
		}
		if err := tx.CreateChunk(ctx, bw.session.ID, &row); err != nil {
			return nil, err
		}

		bw.session.ChunkNumber++
		total += int64(len(piece))
	}

	bw.advance(total)
	if err := tx.UpdateUploadSession(ctx, bw.session); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bw.session, nil
}

// Finalize turns the session's accumulated parts into the blob addressed by
// dgst, deduplicating against content the registry already holds, verifies
// the composed object against dgst, and deletes the session. When content
// for dgst is already stored, the uploaded parts are discarded without
// being read, so they are not checked against dgst.
func (bw *BlobWriter) Finalize(ctx context.Context, dgst digest.Digest) (*datastore.UploadSession, error) {
	if err := dgst.Validate(); err != nil {
		return nil, err
	}

	committed, _ := bw.session.HasCommitted()

	tx, err := bw.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id uuid.UUID
	blob, err := tx.GetBlob(ctx, dgst)
	switch {
	case err == nil:
		id = blob.ID
	case errors.Is(err, datastore.ErrNotFound):
		created, err := tx.CreateBlob(ctx, dgst, committed)
		if err != nil {
			return nil, err
		}
		id = created.ID
	default:
		return nil, err
	}

	exists, err := bw.objects.Exists(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if exists {
		// Content is already present; drop the composed parts.
		if err := bw.objects.AbortMultipart(ctx, bw.uploadID(), bw.session.ID.String()); err != nil {
			logrus.WithError(err).WithField("upload.id", bw.session.ID).Warn("failed to abort multipart upload for deduplicated blob")
		}
	} else {
		chunks, err := tx.GetChunks(ctx, bw.session.ID)
		if err != nil {
			return nil, err
		}
		parts := make([]objectstore.Chunk, 0, len(chunks))
		for _, c := range chunks {
			parts = append(parts, objectstore.Chunk{PartNumber: c.PartNumber, ETag: c.ETag.String})
		}
		if err := bw.objects.CompleteMultipart(ctx, bw.uploadID(), bw.session.ID.String(), parts, id.String()); err != nil {
			return nil, err
		}

		if err := bw.verifyObject(ctx, id, dgst, committed); err != nil {
			bw.cleanupFailedFinalize(ctx, id)
			return nil, err
		}
	}

	if err := tx.DeleteChunks(ctx, bw.session.ID); err != nil {
		return nil, err
	}
	if err := tx.DeleteUploadSession(ctx, bw.session.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bw.session, nil
}

// verifyObject reads the composed object back from the backend and checks
// it against the claimed digest and the session's byte accounting.
func (bw *BlobWriter) verifyObject(ctx context.Context, id uuid.UUID, dgst digest.Digest, committed int64) error {
	body, err := bw.objects.Get(ctx, id.String())
	if err != nil {
		return err
	}
	defer body.Close()

	dr := newDigestReader(body, dgst.Algorithm())
	if _, err := io.Copy(io.Discard, dr); err != nil {
		return err
	}
	if dr.BytesSeen() != committed {
		return ErrSizeInvalid
	}
	if computed := dr.Digest(); computed != dgst {
		return DigestMismatchError{Claimed: dgst, Computed: computed}
	}
	return nil
}

// cleanupFailedFinalize removes the object and session rows left behind by
// a finalize whose content failed verification. The enclosing transaction
// rolls the blob row back; the session rows go in their own transaction so
// the dead session does not linger.
func (bw *BlobWriter) cleanupFailedFinalize(ctx context.Context, id uuid.UUID) {
	if err := bw.objects.Delete(ctx, id.String()); err != nil {
		logrus.WithError(err).WithField("blob.id", id).Warn("failed to delete unverified blob object")
	}
	tx, err := bw.db.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := tx.DeleteChunks(ctx, bw.session.ID); err != nil {
		return
	}
	if err := tx.DeleteUploadSession(ctx, bw.session.ID); err != nil {
		return
	}
	tx.Commit()
}
