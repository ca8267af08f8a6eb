package blob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signrelay/signrelay/types"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "docs/a.pdf", []byte("pdf bytes"), "application/pdf"))

	data, err := store.Get(ctx, "docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), data)

	// Mutating the returned slice must not corrupt the stored copy.
	data[0] = 'X'
	again, err := store.Get(ctx, "docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), again)

	url, err := store.URL(ctx, "docs/a.pdf", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://docs/a.pdf", url)
}

func TestMemoryStoreMissing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.URL(ctx, "nope", time.Minute)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
