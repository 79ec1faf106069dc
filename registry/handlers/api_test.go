package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amphora-registry/amphora/configuration"
	"github.com/amphora-registry/amphora/registry/datastore/inmemory"
	"github.com/amphora-registry/amphora/registry/storage"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	registry := storage.NewRegistry(inmemory.New(), objectstore.NewInMemory())
	app := NewApp(&configuration.Configuration{}, registry)
	server := httptest.NewServer(app)
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func newRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return payload
}

func TestAPIVersionCheck(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, newRequest(t, http.MethodGet, server.URL+"/v2/", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registry/2.0", resp.Header.Get("Docker-Distribution-API-Version"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "{}", string(readBody(t, resp)))
}

func TestMonolithicBlobPush(t *testing.T) {
	server := newTestServer(t)

	payload := "hello"
	dgst := digest.FromString(payload)
	require.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", dgst.String())

	req := newRequest(t, http.MethodPost, server.URL+"/v2/r/blobs/uploads/?digest="+dgst.String(), strings.NewReader(payload))
	req.ContentLength = int64(len(payload))
	resp := do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/v2/r/blobs/"+dgst.String(), resp.Header.Get("Location"))

	// And it comes back out intact.
	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/blobs/"+dgst.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dgst.String(), resp.Header.Get("Docker-Content-Digest"))
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Equal(t, payload, string(readBody(t, resp)))

	resp = do(t, newRequest(t, http.MethodHead, server.URL+"/v2/r/blobs/"+dgst.String(), nil))
	readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dgst.String(), resp.Header.Get("Docker-Content-Digest"))
}

func TestChunkedBlobPush(t *testing.T) {
	server := newTestServer(t)

	// Begin a session.
	resp := do(t, newRequest(t, http.MethodPost, server.URL+"/v2/r/blobs/uploads/", nil))
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)
	uploadUUID := resp.Header.Get("Docker-Upload-UUID")
	require.NotEmpty(t, uploadUUID)

	// First chunk.
	req := newRequest(t, http.MethodPatch, server.URL+location, strings.NewReader("hello "))
	req.ContentLength = 6
	req.Header.Set("Content-Range", "0-5")
	resp = do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "0-5", resp.Header.Get("Range"))

	// Second chunk.
	req = newRequest(t, http.MethodPatch, server.URL+location, strings.NewReader("world"))
	req.ContentLength = 5
	req.Header.Set("Content-Range", "6-10")
	resp = do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "0-10", resp.Header.Get("Range"))

	// Out-of-order ranges are refused.
	req = newRequest(t, http.MethodPatch, server.URL+location, strings.NewReader("zzz"))
	req.ContentLength = 3
	req.Header.Set("Content-Range", "0-2")
	resp = do(t, req)
	readBody(t, resp)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	// Session status reflects the committed bytes.
	resp = do(t, newRequest(t, http.MethodGet, server.URL+location, nil))
	readBody(t, resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "0-10", resp.Header.Get("Range"))
	assert.Equal(t, uploadUUID, resp.Header.Get("Docker-Upload-UUID"))

	// Finalize with an empty body.
	dgst := digest.FromString("hello world")
	req = newRequest(t, http.MethodPut, server.URL+location+"?digest="+dgst.String(), nil)
	resp = do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/v2/r/blobs/"+dgst.String(), resp.Header.Get("Location"))

	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/blobs/"+dgst.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(readBody(t, resp)))

	// The session is gone.
	resp = do(t, newRequest(t, http.MethodGet, server.URL+location, nil))
	readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChunkedBlobPushFinalChunkOnPut(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, newRequest(t, http.MethodPost, server.URL+"/v2/r/blobs/uploads/", nil))
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	location := resp.Header.Get("Location")

	req := newRequest(t, http.MethodPatch, server.URL+location, strings.NewReader("hello "))
	req.ContentLength = 6
	resp = do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The final chunk rides on the finalizing PUT.
	dgst := digest.FromString("hello world")
	req = newRequest(t, http.MethodPut, server.URL+location+"?digest="+dgst.String(), strings.NewReader("world"))
	req.ContentLength = 5
	req.Header.Set("Content-Range", "6-10")
	resp = do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/blobs/"+dgst.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(readBody(t, resp)))
}

func TestBlobUploadCancel(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, newRequest(t, http.MethodPost, server.URL+"/v2/r/blobs/uploads/", nil))
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	location := resp.Header.Get("Location")

	resp = do(t, newRequest(t, http.MethodDelete, server.URL+location, nil))
	readBody(t, resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, newRequest(t, http.MethodGet, server.URL+location, nil))
	readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBlobPushDigestMismatch(t *testing.T) {
	server := newTestServer(t)

	claimed := digest.FromString("not the payload")
	req := newRequest(t, http.MethodPost, server.URL+"/v2/r/blobs/uploads/?digest="+claimed.String(), strings.NewReader("the payload"))
	req.ContentLength = int64(len("the payload"))
	resp := do(t, req)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "DIGEST_INVALID")
}

func pushBlob(t *testing.T, server *httptest.Server, repo, content string) digest.Digest {
	t.Helper()
	dgst := digest.FromString(content)
	req := newRequest(t, http.MethodPost, server.URL+"/v2/"+repo+"/blobs/uploads/?digest="+dgst.String(), strings.NewReader(content))
	req.ContentLength = int64(len(content))
	resp := do(t, req)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return dgst
}

func imageManifestBody(t *testing.T, mutate func(*v1.Manifest), layers ...digest.Digest) []byte {
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
	return payload
}

func pushManifest(t *testing.T, server *httptest.Server, repo, reference string, payload []byte) *http.Response {
	t.Helper()
	req := newRequest(t, http.MethodPut, server.URL+"/v2/"+repo+"/manifests/"+reference, bytes.NewReader(payload))
	req.Header.Set("Content-Type", v1.MediaTypeImageManifest)
	return do(t, req)
}

func TestManifestPushMissingLayer(t *testing.T) {
	server := newTestServer(t)

	payload := imageManifestBody(t, nil, digest.FromString("never pushed"))
	resp := pushManifest(t, server, "r", "latest", payload)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "MANIFEST_BLOB_UNKNOWN")
}

func TestManifestPushAndPull(t *testing.T) {
	server := newTestServer(t)

	layer := pushBlob(t, server, "r", "layer content")
	payload := imageManifestBody(t, nil, layer)
	dgst := digest.FromBytes(payload)

	resp := pushManifest(t, server, "r", "latest", payload)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, dgst.String(), resp.Header.Get("Docker-Content-Digest"))
	assert.Equal(t, "/v2/r/manifests/latest", resp.Header.Get("Location"))

	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/manifests/latest", nil))
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dgst.String(), resp.Header.Get("Docker-Content-Digest"))
	assert.Equal(t, v1.MediaTypeImageManifest, resp.Header.Get("Content-Type"))
	assert.Equal(t, payload, body)

	resp = do(t, newRequest(t, http.MethodHead, server.URL+"/v2/r/manifests/"+dgst.String(), nil))
	readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManifestTagOverwrite(t *testing.T) {
	server := newTestServer(t)

	layerA := pushBlob(t, server, "r", "layer a")
	layerB := pushBlob(t, server, "r", "layer b")
	payloadA := imageManifestBody(t, nil, layerA)
	payloadB := imageManifestBody(t, nil, layerB)
	dgstA := digest.FromBytes(payloadA)

	resp := pushManifest(t, server, "r", "latest", payloadA)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = pushManifest(t, server, "r", "latest", payloadB)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/manifests/latest", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payloadB, readBody(t, resp), "the tag must point at the second manifest")

	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/manifests/"+dgstA.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payloadA, readBody(t, resp), "the first manifest must remain reachable by digest")
}

func TestReferrersAPI(t *testing.T) {
	server := newTestServer(t)

	subject := digest.FromString("subject manifest")
	layer := pushBlob(t, server, "r", "layer content")
	payload := imageManifestBody(t, func(m *v1.Manifest) {
		m.ArtifactType = "application/vnd.example.signature"
		m.Subject = &v1.Descriptor{
			MediaType: v1.MediaTypeImageManifest,
			Digest:    subject,
			Size:      1,
		}
	}, layer)
	dgst := digest.FromBytes(payload)

	resp := pushManifest(t, server, "r", dgst.String(), payload)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, subject.String(), resp.Header.Get("OCI-Subject"))

	assertReferrers := func(query string, wantFilter string, wantCount int) v1.Index {
		resp := do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/referrers/"+subject.String()+query, nil))
		body := readBody(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, v1.MediaTypeImageIndex, resp.Header.Get("Content-Type"))
		assert.Equal(t, wantFilter, resp.Header.Get("OCI-Filters-Applied"))

		var index v1.Index
		require.NoError(t, json.Unmarshal(body, &index))
		require.Len(t, index.Manifests, wantCount)
		return index
	}

	index := assertReferrers("", "", 1)
	assert.Equal(t, dgst, index.Manifests[0].Digest)
	assert.Equal(t, "application/vnd.example.signature", index.Manifests[0].ArtifactType)

	assertReferrers("?artifactType=application/vnd.example.signature", "application/vnd.example.signature", 1)
	assertReferrers("?artifactType=application/vnd.example.other", "application/vnd.example.other", 0)
}

func TestDeleteWithReference(t *testing.T) {
	server := newTestServer(t)

	layer := pushBlob(t, server, "r", "shared layer")
	payload := imageManifestBody(t, nil, layer)
	dgst := digest.FromBytes(payload)

	resp := pushManifest(t, server, "r", dgst.String(), payload)
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A referenced layer refuses deletion.
	resp = do(t, newRequest(t, http.MethodDelete, server.URL+"/v2/r/blobs/"+layer.String(), nil))
	body := readBody(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "CONTENT_REFERENCED")

	// Deleting the manifest releases it.
	resp = do(t, newRequest(t, http.MethodDelete, server.URL+"/v2/r/manifests/"+dgst.String(), nil))
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, newRequest(t, http.MethodDelete, server.URL+"/v2/r/blobs/"+layer.String(), nil))
	readBody(t, resp)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCrossRepositoryMount(t *testing.T) {
	server := newTestServer(t)

	dgst := pushBlob(t, server, "source", "mountable content")

	resp := do(t, newRequest(t, http.MethodPost, server.URL+"/v2/target/blobs/uploads/?mount="+dgst.String()+"&from=source", nil))
	readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/v2/target/blobs/"+dgst.String(), resp.Header.Get("Location"))

	// Mounting unknown content falls back to a session.
	missing := digest.FromString("not present")
	resp = do(t, newRequest(t, http.MethodPost, server.URL+"/v2/target/blobs/uploads/?mount="+missing.String()+"&from=source", nil))
	readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Docker-Upload-UUID"))
}

func TestTagsList(t *testing.T) {
	server := newTestServer(t)

	layer := pushBlob(t, server, "r", "layer content")
	payload := imageManifestBody(t, nil, layer)
	for _, tag := range []string{"v2", "v1", "latest"} {
		resp := pushManifest(t, server, "r", tag, payload)
		readBody(t, resp)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var list struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}

	resp := do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/tags/list", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &list))
	assert.Equal(t, "r", list.Name)
	assert.Equal(t, []string{"latest", "v1", "v2"}, list.Tags)

	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/tags/list?n=1&last=latest", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &list))
	assert.Equal(t, []string{"v1"}, list.Tags)

	// last without n is an invalid request.
	resp = do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/tags/list?last=latest", nil))
	body := readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "PAGINATION_NUMBER_INVALID")
}

func TestBlobGetUnknown(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/blobs/"+digest.FromString("nope").String(), nil))
	body := readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "BLOB_UNKNOWN")
}

func TestManifestGetUnknown(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, newRequest(t, http.MethodGet, server.URL+"/v2/r/manifests/missing", nil))
	body := readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "MANIFEST_UNKNOWN")
}

func TestManifestPushInvalidPayload(t *testing.T) {
	server := newTestServer(t)

	req := newRequest(t, http.MethodPut, server.URL+"/v2/r/manifests/latest", strings.NewReader("not a manifest"))
	req.Header.Set("Content-Type", v1.MediaTypeImageManifest)
	resp := do(t, req)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "MANIFEST_INVALID")
}
