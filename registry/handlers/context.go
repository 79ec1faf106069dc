package handlers

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/amphora-registry/amphora/manifest"
	"github.com/amphora-registry/amphora/registry/api/errcode"
	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/storage"
)

// Context carries the per-request state shared by every endpoint handler:
// the resolved repository and the errors to serve once the handler returns.
type Context struct {
	*App
	context.Context

	Repository *storage.Repository
	Errors     errcode.Errors
}

// appendError translates a storage-layer error onto the distribution error
// envelope. Unrecognized errors become UNKNOWN and surface as a 500.
func (ctx *Context) appendError(err error) {
	switch {
	case errors.Is(err, storage.ErrBlobUnknown):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeBlobUnknown)
	case errors.Is(err, storage.ErrManifestUnknown):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeManifestUnknown)
	case errors.Is(err, storage.ErrManifestBlobUnknown):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeManifestBlobUnknown)
	case errors.Is(err, storage.ErrUploadUnknown):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeBlobUploadUnknown)
	case errors.Is(err, storage.ErrRangeInvalid):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeRangeInvalid)
	case errors.Is(err, storage.ErrSizeInvalid):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeSizeInvalid)
	case errors.Is(err, storage.ErrRepositoryUnknown):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeNameUnknown)
	case errors.Is(err, datastore.ErrContentReferenced):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeContentReferenced)
	case errors.Is(err, manifest.ErrInvalid):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeManifestInvalid)
	case errors.Is(err, digest.ErrDigestInvalidFormat),
		errors.Is(err, digest.ErrDigestUnsupported),
		errors.Is(err, digest.ErrDigestInvalidLength):
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid)
	default:
		var mismatch storage.DigestMismatchError
		if errors.As(err, &mismatch) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(map[string]string{
				"claimed":  mismatch.Claimed.String(),
				"computed": mismatch.Computed.String(),
			}))
			return
		}
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
