package gcs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawlengine/internal/storage/gcs"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"bucket": "items",
			"name":   "run/abc.json",
		})
	}))
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "items"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "run/abc.json", "application/json", bytes.NewReader([]byte(`{"k":"v"}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://items/run/abc.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies)
	require.True(t, strings.Contains(strings.Join(bodies, ""), `{"k":"v"}`))
	require.NoError(t, store.Close(), "borrowed clients are not closed")

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
