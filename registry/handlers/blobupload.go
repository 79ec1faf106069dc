package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/registry/api/errcode"
	"github.com/amphora-registry/amphora/registry/datastore"
)

// blobUploadCreateDispatcher constructs the handler that begins uploads.
func blobUploadCreateDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(buh.StartBlobUpload),
	}
}

// blobUploadDispatcher constructs the handler for in-flight sessions.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(buh.GetUploadStatus),
		http.MethodPatch:  http.HandlerFunc(buh.PatchBlobData),
		http.MethodPut:    http.HandlerFunc(buh.PutBlobUploadComplete),
		http.MethodDelete: http.HandlerFunc(buh.CancelBlobUpload),
	}
}

// blobUploadHandler handles the upload-session endpoints.
type blobUploadHandler struct {
	*Context
}

// StartBlobUpload begins an upload session, completes a monolithic
// POST-with-digest push, or short-circuits a cross-repository mount.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Cross-repository mount. Blobs are global, so the source repository
	// only matters to the client; content the registry already holds is
	// simply linked via its digest.
	if mountDigest := q.Get("mount"); mountDigest != "" && q.Get("from") != "" {
		dgst, err := digest.Parse(mountDigest)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
			return
		}
		blob, err := buh.Repository.Blobs().Head(buh.Context, dgst)
		if err == nil {
			w.Header().Set("Location", blobURL(buh.Repository.Name(), blob.Digest))
			w.Header().Set("Docker-Content-Digest", blob.Digest.String())
			w.WriteHeader(http.StatusCreated)
			return
		}
		// Content not present; fall through to a regular session so the
		// client can push it.
		buh.createSession(w)
		return
	}

	dgstStr := q.Get("digest")
	if dgstStr == "" {
		buh.createSession(w)
		return
	}

	// Monolithic single-POST upload.
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		return
	}
	if r.ContentLength < 0 {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeSizeInvalid.WithMessage("content length required for monolithic upload"))
		return
	}

	if _, err := buh.Repository.Blobs().Put(buh.Context, dgst, r.ContentLength, r.Body); err != nil {
		buh.appendError(err)
		return
	}

	w.Header().Set("Location", blobURL(buh.Repository.Name(), dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func (buh *blobUploadHandler) createSession(w http.ResponseWriter) {
	session, err := buh.Repository.Uploads().Create(buh.Context)
	if err != nil {
		buh.appendError(err)
		return
	}

	w.Header().Set("Location", uploadURL(buh.Repository.Name(), session.ID))
	w.Header().Set("Docker-Upload-UUID", session.ID.String())
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// PatchBlobData appends a chunk to the session. A declared content length
// uploads the body as one part; without one the body is rebuffered into
// fixed-size parts.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := buh.parseSessionID(r)
	if !ok {
		return
	}
	start, ok := buh.parseRangeStart(r)
	if !ok {
		return
	}

	writer, err := buh.Repository.Blobs().Resume(buh.Context, sessionID, start)
	if err != nil {
		buh.appendError(err)
		return
	}

	var session *datastore.UploadSession
	if r.ContentLength > 0 {
		session, err = writer.Write(buh.Context, r.ContentLength, r.Body)
	} else {
		session, err = writer.WriteChunked(buh.Context, r.Body)
	}
	if err != nil {
		buh.appendError(err)
		return
	}

	buh.setUploadHeaders(w, session)
	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete finalizes a session, accepting an optional final
// chunk in the request body. Sessions that never saw a chunk complete as a
// monolithic put.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := buh.parseSessionID(r)
	if !ok {
		return
	}

	dgstStr := r.URL.Query().Get("digest")
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithMessage("digest parameter required"))
		return
	}
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		return
	}

	session, err := buh.Repository.Uploads().Get(buh.Context, sessionID)
	if err != nil {
		buh.appendError(err)
		return
	}

	if !session.UploadID.Valid {
		// POST-PUT monolithic upload: the whole blob is this body and the
		// session carries no object-store state.
		if r.ContentLength < 0 {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeSizeInvalid.WithMessage("content length required for monolithic upload"))
			return
		}
		if _, err := buh.Repository.Blobs().Put(buh.Context, dgst, r.ContentLength, r.Body); err != nil {
			buh.appendError(err)
			return
		}
		if err := buh.Repository.Uploads().Remove(buh.Context, sessionID); err != nil {
			logrus.WithError(err).WithField("upload.id", sessionID).Warn("failed to delete upload session")
		}
	} else {
		start, ok := buh.parseRangeStart(r)
		if !ok {
			return
		}
		writer, err := buh.Repository.Blobs().Resume(buh.Context, sessionID, start)
		if err != nil {
			buh.appendError(err)
			return
		}
		if r.ContentLength > 0 {
			// The final chunk rides along with the finalizing request.
			if _, err := writer.Write(buh.Context, r.ContentLength, r.Body); err != nil {
				buh.appendError(err)
				return
			}
		}
		if _, err := writer.Finalize(buh.Context, dgst); err != nil {
			buh.appendError(err)
			return
		}
	}

	w.Header().Set("Location", blobURL(buh.Repository.Name(), dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Docker-Upload-UUID", sessionID.String())
	w.WriteHeader(http.StatusCreated)
}

// GetUploadStatus reports the bytes committed to a session so far.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := buh.parseSessionID(r)
	if !ok {
		return
	}

	session, err := buh.Repository.Uploads().Get(buh.Context, sessionID)
	if err != nil {
		buh.appendError(err)
		return
	}

	buh.setUploadHeaders(w, session)
	w.WriteHeader(http.StatusNoContent)
}

// CancelBlobUpload aborts a session, sweeping its multipart state.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := buh.parseSessionID(r)
	if !ok {
		return
	}

	if err := buh.Repository.Uploads().Remove(buh.Context, sessionID); err != nil {
		buh.appendError(err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (buh *blobUploadHandler) parseSessionID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["uuid"])
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err))
		return uuid.Nil, false
	}
	return id, true
}

// parseRangeStart extracts the start offset of a Content-Range header of
// the form "start-end". Nil means the client sent no range.
func (buh *blobUploadHandler) parseRangeStart(r *http.Request) (*int64, bool) {
	cr := r.Header.Get("Content-Range")
	if cr == "" {
		return nil, true
	}
	start, _, err := parseContentRange(cr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(err))
		return nil, false
	}
	return &start, true
}

func (buh *blobUploadHandler) setUploadHeaders(w http.ResponseWriter, session *datastore.UploadSession) {
	w.Header().Set("Location", uploadURL(buh.Repository.Name(), session.ID))
	w.Header().Set("Docker-Upload-UUID", session.ID.String())
	w.Header().Set("Range", rangeHeader(session))
}
