package manifest

import (
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imagePayload(t *testing.T, m v1.Manifest) []byte {
	t.Helper()
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	return payload
}

func testImageManifest() v1.Manifest {
	return v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    digest.FromString("config"),
			Size:      6,
		},
		Layers: []v1.Descriptor{
			{
				MediaType: v1.MediaTypeImageLayerGzip,
				Digest:    digest.FromString("layer"),
				Size:      5,
			},
		},
	}
}

func TestParseImageManifest(t *testing.T) {
	payload := imagePayload(t, testImageManifest())

	spec, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, KindImage, spec.Kind())
	assert.Equal(t, v1.MediaTypeImageManifest, spec.MediaType())
	require.Len(t, spec.LayerDigests(), 1)
	assert.Equal(t, digest.FromString("layer"), spec.LayerDigests()[0])
	assert.Nil(t, spec.Index())
}

func TestParseImageIndex(t *testing.T) {
	idx := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{
			{
				MediaType: v1.MediaTypeImageManifest,
				Digest:    digest.FromString("child"),
				Size:      42,
			},
		},
	}
	payload, err := json.Marshal(idx)
	require.NoError(t, err)

	spec, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, KindIndex, spec.Kind())
	require.Len(t, spec.ManifestDigests(), 1)
	assert.Equal(t, digest.FromString("child"), spec.ManifestDigests()[0])
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, payload := range []string{
		"not json",
		"{}",
		`{"schemaVersion": 2}`,
		`[1, 2, 3]`,
	} {
		_, err := Parse([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalid, "payload %q", payload)
	}
}

func TestParseSubjectAndAnnotations(t *testing.T) {
	m := testImageManifest()
	m.ArtifactType = "application/vnd.example.thing"
	m.Subject = &v1.Descriptor{
		MediaType: v1.MediaTypeImageManifest,
		Digest:    digest.FromString("subject"),
		Size:      99,
	}
	m.Annotations = map[string]string{"org.example.key": "value"}

	spec, err := Parse(imagePayload(t, m))
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.example.thing", spec.ArtifactType())
	require.NotNil(t, spec.Subject())
	assert.Equal(t, digest.FromString("subject"), spec.Subject().Digest)
	assert.Equal(t, "value", spec.Annotations()["org.example.key"])
}

func TestInferMediaTypeFromArtifactType(t *testing.T) {
	m := testImageManifest()
	m.MediaType = ""
	m.ArtifactType = "application/vnd.example.thing"
	m.Config.MediaType = v1.MediaTypeEmptyJSON

	spec, err := Parse(imagePayload(t, m))
	require.NoError(t, err)
	require.Empty(t, spec.MediaType())

	require.NoError(t, spec.InferMediaType())
	assert.Equal(t, v1.MediaTypeImageManifest, spec.MediaType())
}

func TestInferMediaTypeFromImageConfig(t *testing.T) {
	m := testImageManifest()
	m.MediaType = ""

	spec, err := Parse(imagePayload(t, m))
	require.NoError(t, err)

	require.NoError(t, spec.InferMediaType())
	assert.Equal(t, v1.MediaTypeImageManifest, spec.MediaType())
}

func TestInferMediaTypeRejectsEmptyConfigWithoutArtifactType(t *testing.T) {
	m := testImageManifest()
	m.MediaType = ""
	m.Config.MediaType = v1.MediaTypeEmptyJSON

	spec, err := Parse(imagePayload(t, m))
	require.NoError(t, err)

	assert.ErrorIs(t, spec.InferMediaType(), ErrInvalid)
}

func TestInferMediaTypeRejectsForeignConfig(t *testing.T) {
	m := testImageManifest()
	m.MediaType = ""
	m.Config.MediaType = "application/vnd.example.config"

	spec, err := Parse(imagePayload(t, m))
	require.NoError(t, err)

	assert.ErrorIs(t, spec.InferMediaType(), ErrInvalid)
}

func TestInferMediaTypeIndexDefault(t *testing.T) {
	idx := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		Manifests: []v1.Descriptor{},
	}
	payload, err := json.Marshal(idx)
	require.NoError(t, err)

	spec, err := Parse(payload)
	require.NoError(t, err)
	require.NoError(t, spec.InferMediaType())
	assert.Equal(t, v1.MediaTypeImageIndex, spec.MediaType())
}
