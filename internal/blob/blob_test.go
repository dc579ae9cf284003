package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("http://blobs.local/")

	obj, err := store.Put(ctx, "markups/m1/preview.png", []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "http://blobs.local/markups/m1/preview.png", obj.URL)
	assert.Equal(t, "image/png", store.ContentType(obj.Path))

	data, err := store.Get(ctx, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	data[0] = 'x'
	again, err := store.Get(ctx, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), again, "returned bytes must be a copy")

	require.NoError(t, store.Delete(ctx, obj.Path))
	require.NoError(t, store.Delete(ctx, obj.Path))
	_, err = store.Get(ctx, obj.Path)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.Paths())
}
