package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/amphora-registry/amphora/registry/datastore"
)

func blobURL(name string, dgst digest.Digest) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", name, dgst)
}

func uploadURL(name string, sessionID uuid.UUID) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, sessionID)
}

func manifestURL(name, reference string) string {
	return fmt.Sprintf("/v2/%s/manifests/%s", name, reference)
}

// parseContentRange parses the bare "start-end" form used by blob upload
// requests.
func parseContentRange(cr string) (start int64, end int64, err error) {
	rStart, rEnd, ok := strings.Cut(cr, "-")
	if !ok {
		return -1, -1, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(rStart, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	end, err = strconv.ParseInt(rEnd, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	return start, end, nil
}

// rangeHeader renders the session's committed bytes as "0-<lastEnd>". A
// session with nothing committed reports "0-0".
func rangeHeader(session *datastore.UploadSession) string {
	if _, ok := session.HasCommitted(); !ok {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", session.LastRangeEnd)
}
