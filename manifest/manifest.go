// Package manifest deserializes OCI image manifests and image indexes from
// the exact byte payload pushed by a client. The payload is parsed
// non-destructively: callers keep the original bytes for storage while the
// parsed form drives reference validation and metadata extraction.
package manifest

import (
	"encoding/json"
	"errors"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrInvalid is returned when a payload parses as neither an image manifest
// nor an image index, or when a media type can not be resolved for it.
var ErrInvalid = errors.New("invalid manifest payload")

// Kind discriminates between the two manifest shapes the registry stores.
type Kind int

const (
	// KindImage is an image manifest: config plus layers.
	KindImage Kind = iota
	// KindIndex is an image index: a manifest of manifests.
	KindIndex
)

// Spec is the parsed form of a pushed manifest payload, either an image
// manifest or an image index.
type Spec struct {
	kind  Kind
	image *v1.Manifest
	index *v1.Index

	// mediaType overrides the payload's own mediaType field when the
	// payload omits one and it was instead taken from the Content-Type
	// header or inferred.
	mediaType string
}

// Parse interprets payload as an image manifest or an image index. Image
// manifests are tried first, matching how clients overwhelmingly push
// single-image content.
func Parse(payload []byte) (*Spec, error) {
	var probe struct {
		MediaType string           `json:"mediaType"`
		Config    *v1.Descriptor   `json:"config"`
		Manifests *[]v1.Descriptor `json:"manifests"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, ErrInvalid
	}

	if probe.Config != nil && probe.MediaType != v1.MediaTypeImageIndex {
		var m v1.Manifest
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, ErrInvalid
		}
		return &Spec{kind: KindImage, image: &m, mediaType: m.MediaType}, nil
	}

	if probe.Manifests != nil {
		var idx v1.Index
		if err := json.Unmarshal(payload, &idx); err != nil {
			return nil, ErrInvalid
		}
		return &Spec{kind: KindIndex, index: &idx, mediaType: idx.MediaType}, nil
	}

	return nil, ErrInvalid
}

// Kind reports whether the spec is an image manifest or an index.
func (s *Spec) Kind() Kind {
	return s.kind
}

// Image returns the parsed image manifest. Nil unless Kind is KindImage.
func (s *Spec) Image() *v1.Manifest {
	return s.image
}

// Index returns the parsed image index. Nil unless Kind is KindIndex.
func (s *Spec) Index() *v1.Index {
	return s.index
}

// MediaType returns the resolved media type, empty if none has been resolved
// yet.
func (s *Spec) MediaType() string {
	return s.mediaType
}

// SetMediaType records the media type resolved from transport metadata.
func (s *Spec) SetMediaType(mt string) {
	s.mediaType = mt
}

// ArtifactType returns the payload's artifactType field, empty if unset.
func (s *Spec) ArtifactType() string {
	if s.kind == KindImage {
		return s.image.ArtifactType
	}
	return s.index.ArtifactType
}

// Annotations returns the payload's top-level annotations.
func (s *Spec) Annotations() map[string]string {
	if s.kind == KindImage {
		return s.image.Annotations
	}
	return s.index.Annotations
}

// Subject returns the payload's subject descriptor, nil if unset.
func (s *Spec) Subject() *v1.Descriptor {
	if s.kind == KindImage {
		return s.image.Subject
	}
	return s.index.Subject
}

// LayerDigests returns the digests of every layer descriptor of an image
// manifest. Empty for indexes.
func (s *Spec) LayerDigests() []digest.Digest {
	if s.kind != KindImage {
		return nil
	}
	dgsts := make([]digest.Digest, 0, len(s.image.Layers))
	for _, desc := range s.image.Layers {
		dgsts = append(dgsts, desc.Digest)
	}
	return dgsts
}

// ManifestDigests returns the digests of every child descriptor of an image
// index. Empty for image manifests.
func (s *Spec) ManifestDigests() []digest.Digest {
	if s.kind != KindIndex {
		return nil
	}
	dgsts := make([]digest.Digest, 0, len(s.index.Manifests))
	for _, desc := range s.index.Manifests {
		dgsts = append(dgsts, desc.Digest)
	}
	return dgsts
}

// InferMediaType resolves a media type for payloads that carried neither a
// mediaType field nor a Content-Type header.
//
// Content other than container images may be packaged using the image
// manifest. When this is done, config.mediaType must be set to a value
// specific to the artifact type or to the empty-JSON sentinel; if it is the
// empty-JSON sentinel an artifactType must be present. Indexes always
// default to the OCI index media type.
func (s *Spec) InferMediaType() error {
	if s.kind == KindIndex {
		s.mediaType = v1.MediaTypeImageIndex
		return nil
	}

	if s.image.ArtifactType != "" {
		s.mediaType = v1.MediaTypeImageManifest
		return nil
	}
	if s.image.Config.MediaType == v1.MediaTypeEmptyJSON {
		return ErrInvalid
	}
	if s.image.Config.MediaType == v1.MediaTypeImageConfig {
		s.mediaType = v1.MediaTypeImageManifest
		return nil
	}

	return ErrInvalid
}
