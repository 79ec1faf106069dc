package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	require.NoError(t, store.Put(ctx, "key", 5, strings.NewReader("hello")))

	exists, err := store.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists)

	body, err := store.Get(ctx, "key")
	require.NoError(t, err)
	out, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "hello", string(out))

	require.NoError(t, store.Delete(ctx, "key"))
	exists, err = store.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryPutLengthMismatch(t *testing.T) {
	store := NewInMemory()
	err := store.Put(context.Background(), "key", 10, strings.NewReader("short"))
	require.Error(t, err)
}

func TestInMemoryMultipart(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	uploadID, err := store.InitiateMultipart(ctx, "session")
	require.NoError(t, err)

	// Upload order does not matter; the completion list drives composition.
	second, err := store.UploadPart(ctx, uploadID, "session", 2, 5, strings.NewReader("world"))
	require.NoError(t, err)
	first, err := store.UploadPart(ctx, uploadID, "session", 1, 6, strings.NewReader("hello "))
	require.NoError(t, err)

	require.NoError(t, store.CompleteMultipart(ctx, uploadID, "session", []Chunk{first, second}, "final"))

	body, err := store.Get(ctx, "final")
	require.NoError(t, err)
	out, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestInMemoryAbortMultipart(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	uploadID, err := store.InitiateMultipart(ctx, "session")
	require.NoError(t, err)
	_, err = store.UploadPart(ctx, uploadID, "session", 1, 4, strings.NewReader("data"))
	require.NoError(t, err)

	require.NoError(t, store.AbortMultipart(ctx, uploadID, "session"))

	_, err = store.UploadPart(ctx, uploadID, "session", 2, 4, strings.NewReader("more"))
	require.Error(t, err, "an aborted upload accepts no further parts")
}
