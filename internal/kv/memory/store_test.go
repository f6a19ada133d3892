package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "settings")
	require.NoError(t, err)
	require.False(t, ok)

	value := []byte(`{"autoArchive":false}`)
	require.NoError(t, store.Put(ctx, "settings", value))
	value[0] = 'X'

	got, ok, err := store.Get(ctx, "settings")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"autoArchive":false}`, string(got))

	got[0] = 'Y'
	again, _, err := store.Get(ctx, "settings")
	require.NoError(t, err)
	require.Equal(t, byte('{'), again[0], "Get must return a copy")

	require.NoError(t, store.Delete(ctx, "settings"))
	require.NoError(t, store.Delete(ctx, "settings"))
	_, ok, err = store.Get(ctx, "settings")
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, store.Put(ctx, "", nil))
}
