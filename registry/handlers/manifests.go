package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/manifest"
	"github.com/amphora-registry/amphora/registry/api/errcode"
	"github.com/amphora-registry/amphora/registry/storage"
)

// maxManifestBodySize caps manifest payloads. Manifests are small JSON
// documents; anything larger is a client error rather than content.
const maxManifestBodySize = 4 * 1024 * 1024

// manifestDispatcher constructs the manifest endpoint handler.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	mh := &manifestHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(mh.GetManifest),
		http.MethodHead:   http.HandlerFunc(mh.HeadManifest),
		http.MethodPut:    http.HandlerFunc(mh.PutManifest),
		http.MethodDelete: http.HandlerFunc(mh.DeleteManifest),
	}
}

// manifestHandler handles http manifest requests.
type manifestHandler struct {
	*Context
}

func (mh *manifestHandler) parseReference(r *http.Request) (storage.ManifestRef, bool) {
	ref, err := storage.ParseManifestRef(mux.Vars(r)["reference"])
	if err != nil {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(mux.Vars(r)["reference"]))
		return storage.ManifestRef{}, false
	}
	return ref, true
}

// HeadManifest answers manifest existence probes.
func (mh *manifestHandler) HeadManifest(w http.ResponseWriter, r *http.Request) {
	ref, ok := mh.parseReference(r)
	if !ok {
		return
	}

	m, err := mh.Repository.Manifests().Head(mh.Context, ref)
	if err != nil {
		mh.appendError(err)
		return
	}

	w.Header().Set("Docker-Content-Digest", m.Digest.String())
	w.Header().Set("Content-Length", strconv.FormatInt(m.BytesOnDisk, 10))
	if m.MediaType.Valid {
		w.Header().Set("Content-Type", m.MediaType.String)
	}
	w.WriteHeader(http.StatusOK)
}

// GetManifest streams the stored manifest bytes.
func (mh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	ref, ok := mh.parseReference(r)
	if !ok {
		return
	}

	m, body, err := mh.Repository.Manifests().Get(mh.Context, ref)
	if err != nil {
		mh.appendError(err)
		return
	}
	defer body.Close()

	w.Header().Set("Docker-Content-Digest", m.Digest.String())
	w.Header().Set("Content-Length", strconv.FormatInt(m.BytesOnDisk, 10))
	if m.MediaType.Valid {
		w.Header().Set("Content-Type", m.MediaType.String)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logrus.WithError(err).WithField("manifest.digest", m.Digest).Warn("error streaming manifest to client")
	}
}

// PutManifest stores a pushed manifest. The exact byte payload is kept; the
// parsed form only drives validation and metadata, so round-tripping losses
// never corrupt what clients later pull.
func (mh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	ref, ok := mh.parseReference(r)
	if !ok {
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBodySize))
	if err != nil {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(err))
		return
	}

	spec, err := manifest.Parse(payload)
	if err != nil {
		mh.appendError(err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case spec.MediaType() != "":
		// The distribution spec wants clients to send a matching
		// Content-Type when the payload names a media type, but refusing
		// a missing header breaks real clients; only a contradicting one
		// is rejected.
		if contentType != "" && contentType != spec.MediaType() {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithMessage("content type does not match manifest media type"))
			return
		}
	case contentType != "":
		spec.SetMediaType(contentType)
	default:
		if err := spec.InferMediaType(); err != nil {
			mh.appendError(err)
			return
		}
		logrus.WithField("mediaType", spec.MediaType()).Warn("inferred media type for manifest pushed without one")
	}

	dgst, err := mh.Repository.Manifests().Put(mh.Context, ref, spec, payload)
	if err != nil {
		mh.appendError(err)
		return
	}

	w.Header().Set("Location", manifestURL(mh.Repository.Name(), ref.String()))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	if subject := spec.Subject(); subject != nil {
		w.Header().Set("OCI-Subject", subject.Digest.String())
	}
	w.WriteHeader(http.StatusCreated)
}

// DeleteManifest removes a manifest, its associations and its tags.
func (mh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	ref, ok := mh.parseReference(r)
	if !ok {
		return
	}

	if err := mh.Repository.Manifests().Delete(mh.Context, ref); err != nil {
		mh.appendError(err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
