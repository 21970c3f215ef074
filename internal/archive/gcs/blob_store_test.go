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

const bucket = "archive-bucket"

// newTestBlobStore points a storage client at a fake JSON API server.
func newTestBlobStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: bucket})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: bucket})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithMetadata(t *testing.T) {
	t.Parallel()

	objectPath := "archive/item-1/abc.json"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucket))
		assert.Equal(t, objectPath, r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `"item_id":"item-1"`)
		assert.Contains(t, string(body), `{"id":"item-1"}`)

		fmt.Fprintln(w, `{"name": "`+objectPath+`", "bucket": "`+bucket+`"}`)
	})

	store := newTestBlobStore(t, handler)
	uri, err := store.PutObject(context.Background(), objectPath, "application/json",
		map[string]string{"item_id": "item-1"}, strings.NewReader(`{"id":"item-1"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://archive-bucket/archive/item-1/abc.json", uri)
}

func TestPutObjectTreatsExistingObjectAsArchived(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	})

	store := newTestBlobStore(t, handler)
	uri, err := store.PutObject(context.Background(), "archive/a/b.json", "application/json", nil, strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive-bucket/archive/a/b.json", uri)
}

func TestPutObjectError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error": {"code": 403, "message": "denied"}}`)
	})

	store := newTestBlobStore(t, handler)
	_, err := store.PutObject(context.Background(), "archive/a/b.json", "application/json", nil, strings.NewReader("{}"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "application/json", nil, strings.NewReader("{}"))
	require.Error(t, err)
}
