package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/registry/api/errcode"
)

// blobDispatcher constructs the blob endpoint handler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	bh := &blobHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(bh.GetBlob),
		http.MethodHead:   http.HandlerFunc(bh.HeadBlob),
		http.MethodDelete: http.HandlerFunc(bh.DeleteBlob),
	}
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context
}

func (bh *blobHandler) parseDigest(r *http.Request) (digest.Digest, bool) {
	dgst, err := digest.Parse(mux.Vars(r)["digest"])
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		return "", false
	}
	return dgst, true
}

// HeadBlob answers existence probes with the blob's digest and size.
func (bh *blobHandler) HeadBlob(w http.ResponseWriter, r *http.Request) {
	dgst, ok := bh.parseDigest(r)
	if !ok {
		return
	}

	blob, err := bh.Repository.Blobs().Head(bh.Context, dgst)
	if err != nil {
		bh.appendError(err)
		return
	}

	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.Header().Set("Content-Length", strconv.FormatInt(blob.BytesOnDisk, 10))
	w.WriteHeader(http.StatusOK)
}

// GetBlob streams blob content.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	dgst, ok := bh.parseDigest(r)
	if !ok {
		return
	}

	blob, body, err := bh.Repository.Blobs().Get(bh.Context, dgst)
	if err != nil {
		bh.appendError(err)
		return
	}
	defer body.Close()

	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.Header().Set("Content-Length", strconv.FormatInt(blob.BytesOnDisk, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logrus.WithError(err).WithField("blob.digest", dgst).Warn("error streaming blob to client")
	}
}

// DeleteBlob removes an unreferenced blob. Content still referenced by a
// manifest answers 409.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	dgst, ok := bh.parseDigest(r)
	if !ok {
		return
	}

	if err := bh.Repository.Blobs().Delete(bh.Context, dgst); err != nil {
		bh.appendError(err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
