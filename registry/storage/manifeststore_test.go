package storage

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amphora-registry/amphora/manifest"
	"github.com/amphora-registry/amphora/registry/datastore"
)

// pushLayer uploads content as a blob and returns its digest.
func pushLayer(t *testing.T, env *testEnv, content string) digest.Digest {
	t.Helper()
	dgst := digest.FromString(content)
	_, err := env.repo.Blobs().Put(env.ctx, dgst, int64(len(content)), bytes.NewReader([]byte(content)))
	require.NoError(t, err)
	return dgst
}

// imageManifestPayload builds a minimal OCI image manifest over the given
// layer digests and parses it the way the transport layer would.
func imageManifestPayload(t *testing.T, mutate func(*v1.Manifest), layers ...digest.Digest) ([]byte, *manifest.Spec) {
	t.Helper()
	m := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    digest.FromString("config"),
			Size:      6,
		},
	}
	for _, dgst := range layers {
		m.Layers = append(m.Layers, v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    dgst,
			Size:      1,
		})
	}
	if mutate != nil {
		mutate(&m)
	}

	payload, err := json.Marshal(m)
	require.NoError(t, err)
	spec, err := manifest.Parse(payload)
	require.NoError(t, err)
	return payload, spec
}

func indexPayload(t *testing.T, children ...digest.Digest) ([]byte, *manifest.Spec) {
	t.Helper()
	idx := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{},
	}
	for _, dgst := range children {
		idx.Manifests = append(idx.Manifests, v1.Descriptor{
			MediaType: v1.MediaTypeImageManifest,
			Digest:    dgst,
			Size:      1,
		})
	}
	payload, err := json.Marshal(idx)
	require.NoError(t, err)
	spec, err := manifest.Parse(payload)
	require.NoError(t, err)
	return payload, spec
}

func TestManifestPutGet(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	layer := pushLayer(t, env, "layer content")
	payload, spec := imageManifestPayload(t, nil, layer)

	dgst, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, spec, payload)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(payload), dgst, "put must return the canonical digest of the submitted bytes")

	// Resolvable by tag.
	m, body, err := manifests.Get(env.ctx, ManifestRef{Tag: "latest"})
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, dgst, m.Digest)
	assert.Equal(t, int64(len(payload)), m.BytesOnDisk)
	assert.Equal(t, v1.MediaTypeImageManifest, m.MediaType.String)

	out, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, out, "stored bytes must be returned verbatim")

	// And by digest.
	m2, err := manifests.Head(env.ctx, ManifestRef{Digest: dgst})
	require.NoError(t, err)
	assert.Equal(t, m.ID, m2.ID)
}

func TestManifestPutIdempotent(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	layer := pushLayer(t, env, "layer content")
	payload, spec := imageManifestPayload(t, nil, layer)

	first, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, spec, payload)
	require.NoError(t, err)
	second, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, spec, payload)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	tags, err := env.repo.Tags(env.ctx, -1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"latest"}, tags)
}

func TestManifestPutMissingLayer(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	payload, spec := imageManifestPayload(t, nil, digest.FromString("never uploaded"))

	_, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, spec, payload)
	assert.ErrorIs(t, err, ErrManifestBlobUnknown)

	// The failed put must leave no manifest behind.
	_, err = manifests.Head(env.ctx, ManifestRef{Digest: digest.FromBytes(payload)})
	assert.ErrorIs(t, err, ErrManifestUnknown)
	_, err = manifests.Head(env.ctx, ManifestRef{Tag: "latest"})
	assert.ErrorIs(t, err, ErrManifestUnknown)
}

func TestManifestTagOverwrite(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	layerA := pushLayer(t, env, "layer a")
	layerB := pushLayer(t, env, "layer b")
	payloadA, specA := imageManifestPayload(t, nil, layerA)
	payloadB, specB := imageManifestPayload(t, nil, layerB)

	dgstA, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, specA, payloadA)
	require.NoError(t, err)
	dgstB, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, specB, payloadB)
	require.NoError(t, err)
	require.NotEqual(t, dgstA, dgstB)

	// The tag now points at B.
	_, body, err := manifests.Get(env.ctx, ManifestRef{Tag: "latest"})
	require.NoError(t, err)
	defer body.Close()
	out, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payloadB, out)

	// A is still reachable by digest.
	_, bodyA, err := manifests.Get(env.ctx, ManifestRef{Digest: dgstA})
	require.NoError(t, err)
	defer bodyA.Close()
	outA, err := io.ReadAll(bodyA)
	require.NoError(t, err)
	assert.Equal(t, payloadA, outA)
}

func TestIndexPut(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	layer := pushLayer(t, env, "layer content")
	childPayload, childSpec := imageManifestPayload(t, nil, layer)
	childDgst, err := manifests.Put(env.ctx, ManifestRef{Digest: digest.FromBytes(childPayload)}, childSpec, childPayload)
	require.NoError(t, err)

	payload, spec := indexPayload(t, childDgst)
	dgst, err := manifests.Put(env.ctx, ManifestRef{Tag: "multi"}, spec, payload)
	require.NoError(t, err)

	m, err := manifests.Head(env.ctx, ManifestRef{Tag: "multi"})
	require.NoError(t, err)
	assert.Equal(t, dgst, m.Digest)
}

func TestIndexPutMissingChild(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	payload, spec := indexPayload(t, digest.FromString("no such manifest"))
	_, err := manifests.Put(env.ctx, ManifestRef{Tag: "multi"}, spec, payload)
	assert.ErrorIs(t, err, ErrManifestUnknown)
}

func TestManifestDeleteCascade(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()
	blobs := env.repo.Blobs()

	layer := pushLayer(t, env, "referenced layer")
	payload, spec := imageManifestPayload(t, nil, layer)
	dgst, err := manifests.Put(env.ctx, ManifestRef{Tag: "latest"}, spec, payload)
	require.NoError(t, err)

	// The layer is protected while the manifest references it.
	err = blobs.Delete(env.ctx, layer)
	assert.ErrorIs(t, err, datastore.ErrContentReferenced)
	_, err = blobs.Head(env.ctx, layer)
	require.NoError(t, err, "a refused delete must not remove the blob")

	require.NoError(t, manifests.Delete(env.ctx, ManifestRef{Digest: dgst}))

	_, err = manifests.Head(env.ctx, ManifestRef{Digest: dgst})
	assert.ErrorIs(t, err, ErrManifestUnknown)
	_, err = manifests.Head(env.ctx, ManifestRef{Tag: "latest"})
	assert.ErrorIs(t, err, ErrManifestUnknown, "tags pointing at the manifest must be removed")

	// With the manifest gone, the layer is deletable.
	require.NoError(t, blobs.Delete(env.ctx, layer))
}

func TestManifestDeleteReferencedByIndex(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	layer := pushLayer(t, env, "layer content")
	childPayload, childSpec := imageManifestPayload(t, nil, layer)
	childDgst, err := manifests.Put(env.ctx, ManifestRef{Digest: digest.FromBytes(childPayload)}, childSpec, childPayload)
	require.NoError(t, err)

	payload, spec := indexPayload(t, childDgst)
	indexDgst, err := manifests.Put(env.ctx, ManifestRef{Tag: "multi"}, spec, payload)
	require.NoError(t, err)

	err = manifests.Delete(env.ctx, ManifestRef{Digest: childDgst})
	assert.ErrorIs(t, err, datastore.ErrContentReferenced)

	require.NoError(t, manifests.Delete(env.ctx, ManifestRef{Digest: indexDgst}))
	require.NoError(t, manifests.Delete(env.ctx, ManifestRef{Digest: childDgst}))
}

func TestManifestDeleteUnknown(t *testing.T) {
	env := newTestEnv(t)

	err := env.repo.Manifests().Delete(env.ctx, ManifestRef{Tag: "missing"})
	assert.ErrorIs(t, err, ErrManifestUnknown)
}

func TestReferrers(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	subject := digest.FromString("the subject")
	layer := pushLayer(t, env, "layer content")

	payload, spec := imageManifestPayload(t, func(m *v1.Manifest) {
		m.ArtifactType = "application/vnd.example.signature"
		m.Subject = &v1.Descriptor{
			MediaType: v1.MediaTypeImageManifest,
			Digest:    subject,
			Size:      1,
		}
		m.Annotations = map[string]string{"org.example.note": "signed"}
	}, layer)

	dgst, err := manifests.Put(env.ctx, ManifestRef{Digest: digest.FromBytes(payload)}, spec, payload)
	require.NoError(t, err)

	index, err := manifests.Referrers(env.ctx, subject, "")
	require.NoError(t, err)
	assert.Equal(t, v1.MediaTypeImageIndex, index.MediaType)
	require.Len(t, index.Manifests, 1)

	desc := index.Manifests[0]
	assert.Equal(t, dgst, desc.Digest)
	assert.Equal(t, v1.MediaTypeImageManifest, desc.MediaType)
	assert.Equal(t, "application/vnd.example.signature", desc.ArtifactType)
	assert.Equal(t, int64(len(payload)), desc.Size)
	assert.Equal(t, "signed", desc.Annotations["org.example.note"])

	// Filtering on the matching artifact type returns the same listing.
	filtered, err := manifests.Referrers(env.ctx, subject, "application/vnd.example.signature")
	require.NoError(t, err)
	require.Len(t, filtered.Manifests, 1)

	// A non-matching filter returns an empty index, not an error.
	none, err := manifests.Referrers(env.ctx, subject, "application/vnd.example.other")
	require.NoError(t, err)
	assert.Empty(t, none.Manifests)
}

func TestReferrersSortedByDigest(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	subject := digest.FromString("shared subject")
	layer := pushLayer(t, env, "layer content")

	for _, note := range []string{"first", "second", "third"} {
		payload, spec := imageManifestPayload(t, func(m *v1.Manifest) {
			m.ArtifactType = "application/vnd.example.signature"
			m.Subject = &v1.Descriptor{
				MediaType: v1.MediaTypeImageManifest,
				Digest:    subject,
				Size:      1,
			}
			m.Annotations = map[string]string{"org.example.note": note}
		}, layer)
		_, err := manifests.Put(env.ctx, ManifestRef{Digest: digest.FromBytes(payload)}, spec, payload)
		require.NoError(t, err)
	}

	index, err := manifests.Referrers(env.ctx, subject, "")
	require.NoError(t, err)
	require.Len(t, index.Manifests, 3)
	for i := 1; i < len(index.Manifests); i++ {
		assert.Less(t, index.Manifests[i-1].Digest.String(), index.Manifests[i].Digest.String())
	}
}

func TestTagsPagination(t *testing.T) {
	env := newTestEnv(t)
	manifests := env.repo.Manifests()

	layer := pushLayer(t, env, "layer content")
	payload, spec := imageManifestPayload(t, nil, layer)
	for _, tag := range []string{"v3", "v1", "edge", "v2", "latest"} {
		_, err := manifests.Put(env.ctx, ManifestRef{Tag: tag}, spec, payload)
		require.NoError(t, err)
	}

	all, err := env.repo.Tags(env.ctx, -1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"edge", "latest", "v1", "v2", "v3"}, all, "tags must sort lexicographically")

	page, err := env.repo.Tags(env.ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"edge", "latest"}, page)

	next, err := env.repo.Tags(env.ctx, 2, "latest")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, next, "pagination resumes strictly after last")

	empty, err := env.repo.Tags(env.ctx, 2, "v3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
