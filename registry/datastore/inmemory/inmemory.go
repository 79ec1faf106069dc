// Package inmemory implements datastore.Store entirely in process memory.
// It mirrors the relational semantics of the SQL store, including foreign
// key restrictions and snapshot transactions, and backs the handler and
// storage tests.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/amphora-registry/amphora/registry/datastore"
)

// New returns an empty in-memory metadata store.
func New() datastore.Store {
	return &store{state: newState()}
}

type store struct {
	mu    sync.Mutex
	state *state
}

func (s *store) Begin(ctx context.Context) (datastore.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx{parent: s, state: s.state.clone()}, nil
}

// tx operates on a deep copy of the parent state; Commit swaps the copy in.
type tx struct {
	parent *store
	state  *state
	done   bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	t.parent.state = t.state
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

type state struct {
	repositories map[string]*datastore.Repository
	blobs        map[digest.Digest]*datastore.Blob
	manifests    map[uuid.UUID]*datastore.Manifest
	layers       map[uuid.UUID][]uuid.UUID
	indexes      map[uuid.UUID][]uuid.UUID
	tags         map[uuid.UUID]map[string]uuid.UUID
	sessions     map[uuid.UUID]*datastore.UploadSession
	chunks       map[uuid.UUID][]datastore.Chunk
}

func newState() *state {
	return &state{
		repositories: map[string]*datastore.Repository{},
		blobs:        map[digest.Digest]*datastore.Blob{},
		manifests:    map[uuid.UUID]*datastore.Manifest{},
		layers:       map[uuid.UUID][]uuid.UUID{},
		indexes:      map[uuid.UUID][]uuid.UUID{},
		tags:         map[uuid.UUID]map[string]uuid.UUID{},
		sessions:     map[uuid.UUID]*datastore.UploadSession{},
		chunks:       map[uuid.UUID][]datastore.Chunk{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.repositories {
		r := *v
		c.repositories[k] = &r
	}
	for k, v := range s.blobs {
		b := *v
		c.blobs[k] = &b
	}
	for k, v := range s.manifests {
		m := *v
		c.manifests[k] = &m
	}
	for k, v := range s.layers {
		c.layers[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range s.indexes {
		c.indexes[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range s.tags {
		m := map[string]uuid.UUID{}
		for name, id := range v {
			m[name] = id
		}
		c.tags[k] = m
	}
	for k, v := range s.sessions {
		sess := *v
		sess.DigestState = append([]byte(nil), v.DigestState...)
		c.sessions[k] = &sess
	}
	for k, v := range s.chunks {
		c.chunks[k] = append([]datastore.Chunk(nil), v...)
	}
	return c
}

func (s *state) createRepository(name string) (*datastore.Repository, error) {
	if r, ok := s.repositories[name]; ok {
		out := *r
		return &out, nil
	}
	r := &datastore.Repository{ID: uuid.New(), Name: name}
	s.repositories[name] = r
	return r, nil
}

func (s *state) getRepository(name string) (*datastore.Repository, error) {
	r, ok := s.repositories[name]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *state) createBlob(dgst digest.Digest, bytesOnDisk int64) (*datastore.Blob, error) {
	b := &datastore.Blob{ID: uuid.New(), Digest: dgst, BytesOnDisk: bytesOnDisk}
	s.blobs[dgst] = b
	return b, nil
}

func (s *state) getBlob(dgst digest.Digest) (*datastore.Blob, error) {
	b, ok := s.blobs[dgst]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (s *state) deleteBlob(id uuid.UUID) error {
	for _, m := range s.manifests {
		if m.BlobID == id {
			return datastore.ErrContentReferenced
		}
	}
	for _, blobIDs := range s.layers {
		for _, blobID := range blobIDs {
			if blobID == id {
				return datastore.ErrContentReferenced
			}
		}
	}
	for dgst, b := range s.blobs {
		if b.ID == id {
			delete(s.blobs, dgst)
			return nil
		}
	}
	return nil
}

func (s *state) deleteManifest(id uuid.UUID) error {
	for _, childIDs := range s.indexes {
		for _, childID := range childIDs {
			if childID == id {
				return datastore.ErrContentReferenced
			}
		}
	}
	delete(s.manifests, id)
	return nil
}

func (s *state) getManifestByDigest(repositoryID uuid.UUID, dgst digest.Digest) (*datastore.Manifest, error) {
	for _, m := range s.manifests {
		if m.RepositoryID == repositoryID && m.Digest == dgst {
			out := *m
			s.fillManifestSize(&out)
			return &out, nil
		}
	}
	return nil, datastore.ErrNotFound
}

func (s *state) fillManifestSize(m *datastore.Manifest) {
	for _, b := range s.blobs {
		if b.ID == m.BlobID {
			m.BytesOnDisk = b.BytesOnDisk
			return
		}
	}
}

// Store methods: lock, delegate to the live state.

func (s *store) CreateRepository(ctx context.Context, name string) (*datastore.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createRepository(name)
}

func (s *store) GetRepository(ctx context.Context, name string) (*datastore.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getRepository(name)
}

func (s *store) RepositoryExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.repositories[name]
	return ok, nil
}

func (s *store) CreateBlob(ctx context.Context, dgst digest.Digest, bytesOnDisk int64) (*datastore.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createBlob(dgst, bytesOnDisk)
}

func (s *store) GetBlob(ctx context.Context, dgst digest.Digest) (*datastore.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getBlob(dgst)
}

func (s *store) GetBlobs(ctx context.Context, dgsts []digest.Digest) ([]*datastore.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getBlobs(s.state, dgsts)
}

func (s *store) DeleteBlob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.deleteBlob(id)
}

func (s *store) CreateManifest(ctx context.Context, m *datastore.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createManifest(s.state, m)
}

func (s *store) GetManifestByDigest(ctx context.Context, repositoryID uuid.UUID, dgst digest.Digest) (*datastore.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getManifestByDigest(repositoryID, dgst)
}

func (s *store) GetManifestByTag(ctx context.Context, repositoryID uuid.UUID, tag string) (*datastore.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getManifestByTag(s.state, repositoryID, tag)
}

func (s *store) GetManifests(ctx context.Context, repositoryID uuid.UUID, dgsts []digest.Digest) ([]*datastore.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getManifests(s.state, repositoryID, dgsts)
}

func (s *store) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.deleteManifest(id)
}

func (s *store) GetReferrers(ctx context.Context, repositoryID uuid.UUID, subject digest.Digest, artifactType string) ([]*datastore.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getReferrers(s.state, repositoryID, subject, artifactType)
}

func (s *store) AssociateLayers(ctx context.Context, manifestID uuid.UUID, blobIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.layers[manifestID] = append(s.state.layers[manifestID], blobIDs...)
	return nil
}

func (s *store) DeleteLayerAssociations(ctx context.Context, manifestID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.layers, manifestID)
	return nil
}

func (s *store) AssociateIndexManifests(ctx context.Context, parentID uuid.UUID, childIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.indexes[parentID] = append(s.state.indexes[parentID], childIDs...)
	return nil
}

func (s *store) DeleteIndexAssociations(ctx context.Context, parentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.indexes, parentID)
	return nil
}

func (s *store) UpsertTag(ctx context.Context, repositoryID, manifestID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	upsertTag(s.state, repositoryID, manifestID, name)
	return nil
}

func (s *store) GetTags(ctx context.Context, repositoryID uuid.UUID, n int, last string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getTags(s.state, repositoryID, n, last)
}

func (s *store) DeleteTagsByManifest(ctx context.Context, manifestID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleteTagsByManifest(s.state, manifestID)
	return nil
}

func (s *store) CreateUploadSession(ctx context.Context) (*datastore.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createUploadSession(s.state)
}

func (s *store) GetUploadSession(ctx context.Context, id uuid.UUID) (*datastore.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getUploadSession(s.state, id)
}

func (s *store) UpdateUploadSession(ctx context.Context, session *datastore.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateUploadSession(s.state, session)
}

func (s *store) DeleteUploadSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.sessions, id)
	return nil
}

func (s *store) CreateChunk(ctx context.Context, sessionID uuid.UUID, chunk *datastore.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.chunks[sessionID] = append(s.state.chunks[sessionID], *chunk)
	return nil
}

func (s *store) GetChunks(ctx context.Context, sessionID uuid.UUID) ([]datastore.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getChunks(s.state, sessionID)
}

func (s *store) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.chunks, sessionID)
	return nil
}

// Tx methods: delegate to the transaction's working copy.

func (t *tx) CreateRepository(ctx context.Context, name string) (*datastore.Repository, error) {
	return t.state.createRepository(name)
}

func (t *tx) GetRepository(ctx context.Context, name string) (*datastore.Repository, error) {
	return t.state.getRepository(name)
}

func (t *tx) RepositoryExists(ctx context.Context, name string) (bool, error) {
	_, ok := t.state.repositories[name]
	return ok, nil
}

func (t *tx) CreateBlob(ctx context.Context, dgst digest.Digest, bytesOnDisk int64) (*datastore.Blob, error) {
	return t.state.createBlob(dgst, bytesOnDisk)
}

func (t *tx) GetBlob(ctx context.Context, dgst digest.Digest) (*datastore.Blob, error) {
	return t.state.getBlob(dgst)
}

func (t *tx) GetBlobs(ctx context.Context, dgsts []digest.Digest) ([]*datastore.Blob, error) {
	return getBlobs(t.state, dgsts)
}

func (t *tx) DeleteBlob(ctx context.Context, id uuid.UUID) error {
	return t.state.deleteBlob(id)
}

func (t *tx) CreateManifest(ctx context.Context, m *datastore.Manifest) error {
	return createManifest(t.state, m)
}

func (t *tx) GetManifestByDigest(ctx context.Context, repositoryID uuid.UUID, dgst digest.Digest) (*datastore.Manifest, error) {
	return t.state.getManifestByDigest(repositoryID, dgst)
}

func (t *tx) GetManifestByTag(ctx context.Context, repositoryID uuid.UUID, tag string) (*datastore.Manifest, error) {
	return getManifestByTag(t.state, repositoryID, tag)
}

func (t *tx) GetManifests(ctx context.Context, repositoryID uuid.UUID, dgsts []digest.Digest) ([]*datastore.Manifest, error) {
	return getManifests(t.state, repositoryID, dgsts)
}

func (t *tx) DeleteManifest(ctx context.Context, id uuid.UUID) error {
	return t.state.deleteManifest(id)
}

func (t *tx) GetReferrers(ctx context.Context, repositoryID uuid.UUID, subject digest.Digest, artifactType string) ([]*datastore.Manifest, error) {
	return getReferrers(t.state, repositoryID, subject, artifactType)
}

func (t *tx) AssociateLayers(ctx context.Context, manifestID uuid.UUID, blobIDs []uuid.UUID) error {
	t.state.layers[manifestID] = append(t.state.layers[manifestID], blobIDs...)
	return nil
}

func (t *tx) DeleteLayerAssociations(ctx context.Context, manifestID uuid.UUID) error {
	delete(t.state.layers, manifestID)
	return nil
}

func (t *tx) AssociateIndexManifests(ctx context.Context, parentID uuid.UUID, childIDs []uuid.UUID) error {
	t.state.indexes[parentID] = append(t.state.indexes[parentID], childIDs...)
	return nil
}

func (t *tx) DeleteIndexAssociations(ctx context.Context, parentID uuid.UUID) error {
	delete(t.state.indexes, parentID)
	return nil
}

func (t *tx) UpsertTag(ctx context.Context, repositoryID, manifestID uuid.UUID, name string) error {
	upsertTag(t.state, repositoryID, manifestID, name)
	return nil
}

func (t *tx) GetTags(ctx context.Context, repositoryID uuid.UUID, n int, last string) ([]string, error) {
	return getTags(t.state, repositoryID, n, last)
}

func (t *tx) DeleteTagsByManifest(ctx context.Context, manifestID uuid.UUID) error {
	deleteTagsByManifest(t.state, manifestID)
	return nil
}

func (t *tx) CreateUploadSession(ctx context.Context) (*datastore.UploadSession, error) {
	return createUploadSession(t.state)
}

func (t *tx) GetUploadSession(ctx context.Context, id uuid.UUID) (*datastore.UploadSession, error) {
	return getUploadSession(t.state, id)
}

func (t *tx) UpdateUploadSession(ctx context.Context, session *datastore.UploadSession) error {
	return updateUploadSession(t.state, session)
}

func (t *tx) DeleteUploadSession(ctx context.Context, id uuid.UUID) error {
	delete(t.state.sessions, id)
	return nil
}

func (t *tx) CreateChunk(ctx context.Context, sessionID uuid.UUID, chunk *datastore.Chunk) error {
	t.state.chunks[sessionID] = append(t.state.chunks[sessionID], *chunk)
	return nil
}

func (t *tx) GetChunks(ctx context.Context, sessionID uuid.UUID) ([]datastore.Chunk, error) {
	return getChunks(t.state, sessionID)
}

func (t *tx) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	delete(t.state.chunks, sessionID)
	return nil
}

// Shared query helpers.

func getChunks(s *state, sessionID uuid.UUID) ([]datastore.Chunk, error) {
	return append([]datastore.Chunk(nil), s.chunks[sessionID]...), nil
}

func getBlobs(s *state, dgsts []digest.Digest) ([]*datastore.Blob, error) {
	var blobs []*datastore.Blob
	for _, dgst := range dgsts {
		if b, ok := s.blobs[dgst]; ok {
			out := *b
			blobs = append(blobs, &out)
		}
	}
	return blobs, nil
}

func createManifest(s *state, m *datastore.Manifest) error {
	stored := *m
	s.manifests[m.ID] = &stored
	return nil
}

func getManifestByTag(s *state, repositoryID uuid.UUID, tag string) (*datastore.Manifest, error) {
	names, ok := s.tags[repositoryID]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	manifestID, ok := names[tag]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	out := *m
	s.fillManifestSize(&out)
	return &out, nil
}

func getManifests(s *state, repositoryID uuid.UUID, dgsts []digest.Digest) ([]*datastore.Manifest, error) {
	var manifests []*datastore.Manifest
	for _, dgst := range dgsts {
		if m, err := s.getManifestByDigest(repositoryID, dgst); err == nil {
			manifests = append(manifests, m)
		}
	}
	return manifests, nil
}

func getReferrers(s *state, repositoryID uuid.UUID, subject digest.Digest, artifactType string) ([]*datastore.Manifest, error) {
	var manifests []*datastore.Manifest
	for _, m := range s.manifests {
		if m.RepositoryID != repositoryID {
			continue
		}
		if !m.Subject.Valid || m.Subject.String != subject.String() {
			continue
		}
		if artifactType != "" && (!m.ArtifactType.Valid || m.ArtifactType.String != artifactType) {
			continue
		}
		out := *m
		s.fillManifestSize(&out)
		manifests = append(manifests, &out)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Digest < manifests[j].Digest
	})
	return manifests, nil
}

func upsertTag(s *state, repositoryID, manifestID uuid.UUID, name string) {
	names, ok := s.tags[repositoryID]
	if !ok {
		names = map[string]uuid.UUID{}
		s.tags[repositoryID] = names
	}
	names[name] = manifestID
}

func getTags(s *state, repositoryID uuid.UUID, n int, last string) ([]string, error) {
	names := []string{}
	for name := range s.tags[repositoryID] {
		if last != "" && name <= last {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if n >= 0 && len(names) > n {
		names = names[:n]
	}
	return names, nil
}

func deleteTagsByManifest(s *state, manifestID uuid.UUID) {
	for _, names := range s.tags {
		for name, id := range names {
			if id == manifestID {
				delete(names, name)
			}
		}
	}
}

func createUploadSession(s *state) (*datastore.UploadSession, error) {
	session := &datastore.UploadSession{
		ID:           uuid.New(),
		StartDate:    time.Now().UTC(),
		ChunkNumber:  1,
		LastRangeEnd: -1,
	}
	stored := *session
	s.sessions[session.ID] = &stored
	return session, nil
}

func getUploadSession(s *state, id uuid.UUID) (*datastore.UploadSession, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	out := *session
	out.DigestState = append([]byte(nil), session.DigestState...)
	return &out, nil
}

func updateUploadSession(s *state, session *datastore.UploadSession) error {
	stored := *session
	stored.DigestState = append([]byte(nil), session.DigestState...)
	s.sessions[session.ID] = &stored
	return nil
}
