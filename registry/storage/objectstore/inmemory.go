package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// inMemory is an ObjectStore holding all objects in process memory. It backs
// tests and small ephemeral deployments; it is not safe against process
// restarts.
type inMemory struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*inMemoryUpload
	nextID  int
}

type inMemoryUpload struct {
	sessionKey string
	parts      map[int64][]byte
}

// NewInMemory returns an ObjectStore holding all state in memory.
func NewInMemory() ObjectStore {
	return &inMemory{
		objects: map[string][]byte{},
		uploads: map[string]*inMemoryUpload{},
	}
}

func (m *inMemory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *inMemory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *inMemory) Put(ctx context.Context, key string, length int64, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return fmt.Errorf("objectstore: expected %d bytes, read %d", length, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *inMemory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *inMemory) InitiateMultipart(ctx context.Context, sessionKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	uploadID := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[uploadID] = &inMemoryUpload{
		sessionKey: sessionKey,
		parts:      map[int64][]byte{},
	}
	return uploadID, nil
}

func (m *inMemory) UploadPart(ctx context.Context, uploadID, sessionKey string, partNumber, length int64, body io.Reader) (Chunk, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Chunk{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadID]
	if !ok {
		return Chunk{}, fmt.Errorf("objectstore: unknown upload %q", uploadID)
	}
	upload.parts[partNumber] = data
	return Chunk{
		ETag:       fmt.Sprintf("etag-%s-%d", uploadID, partNumber),
		PartNumber: partNumber,
	}, nil
}

func (m *inMemory) CompleteMultipart(ctx context.Context, uploadID, sessionKey string, parts []Chunk, finalKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("objectstore: unknown upload %q", uploadID)
	}

	var composed []byte
	for _, part := range parts {
		data, ok := upload.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("objectstore: upload %q missing part %d", uploadID, part.PartNumber)
		}
		composed = append(composed, data...)
	}

	m.objects[finalKey] = composed
	delete(m.uploads, uploadID)
	return nil
}

func (m *inMemory) AbortMultipart(ctx context.Context, uploadID, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}
