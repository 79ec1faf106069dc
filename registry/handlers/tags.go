package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/amphora-registry/amphora/registry/api/errcode"
)

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	th := &tagsHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(th.GetTags),
	}
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// GetTags returns a json list of tags for a specific image name.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lastEntry := q.Get("last")

	// limit -1 lists every tag.
	limit := -1
	if n := q.Get("n"); n != "" {
		parsed, err := strconv.Atoi(n)
		if err != nil || parsed < 0 {
			th.Errors = append(th.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": n}))
			return
		}
		limit = parsed
	} else if lastEntry != "" {
		th.Errors = append(th.Errors, errcode.ErrorCodePaginationNumberInvalid.WithMessage("last requires n"))
		return
	}

	tags, err := th.Repository.Tags(th.Context, limit, lastEntry)
	if err != nil {
		th.appendError(err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tagsAPIResponse{
		Name: th.Repository.Name(),
		Tags: tags,
	}); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
