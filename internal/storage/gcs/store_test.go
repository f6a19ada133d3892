package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, prefix string) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "clips", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/clips/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "vault/Obsidian-Clips/a.md")
		assert.Contains(t, string(body), "# Title")
		fmt.Fprintln(w, `{"name":"vault/Obsidian-Clips/a.md","bucket":"clips"}`)
	})
	store := newTestStore(t, handler, "/vault/")

	uri, err := store.PutObject(context.Background(), "Obsidian-Clips/a.md", "text/markdown", strings.NewReader("# Title"))
	require.NoError(t, err)
	require.Equal(t, "gs://clips/vault/Obsidian-Clips/a.md", uri)
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "a.md", "text/markdown", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}
