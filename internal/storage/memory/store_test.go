package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectAndGet(t *testing.T) {
	t.Parallel()

	store := New()
	uri, err := store.PutObject(context.Background(), "clips/a.md", "text/markdown", strings.NewReader("# A"))
	require.NoError(t, err)
	require.Equal(t, "memory://clips/a.md", uri)

	got, ok := store.Get("clips/a.md")
	require.True(t, ok)
	require.Equal(t, "# A", string(got))

	got[0] = 'X'
	again, _ := store.Get("clips/a.md")
	require.Equal(t, "# A", string(again), "Get must return a copy")

	_, ok = store.Get("missing")
	require.False(t, ok)
	require.Equal(t, []string{"clips/a.md"}, store.Paths())
}
