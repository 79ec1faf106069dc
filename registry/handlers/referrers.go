package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/amphora-registry/amphora/registry/api/errcode"
)

// referrersDispatcher constructs the referrers endpoint handler.
func referrersDispatcher(ctx *Context, r *http.Request) http.Handler {
	rh := &referrersHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(rh.GetReferrers),
	}
}

// referrersHandler serves the OCI referrers API.
type referrersHandler struct {
	*Context
}

// GetReferrers answers with an image index of every manifest whose subject
// is the requested digest, optionally filtered by artifact type.
func (rh *referrersHandler) GetReferrers(w http.ResponseWriter, r *http.Request) {
	dgst, err := digest.Parse(mux.Vars(r)["digest"])
	if err != nil {
		rh.Errors = append(rh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		return
	}

	artifactType := r.URL.Query().Get("artifactType")

	index, err := rh.Repository.Manifests().Referrers(rh.Context, dgst, artifactType)
	if err != nil {
		rh.appendError(err)
		return
	}

	w.Header().Set("Content-Type", v1.MediaTypeImageIndex)
	if artifactType != "" {
		w.Header().Set("OCI-Filters-Applied", artifactType)
	}
	if err := json.NewEncoder(w).Encode(index); err != nil {
		rh.Errors = append(rh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
