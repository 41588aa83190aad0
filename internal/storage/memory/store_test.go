package memory_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/storage/memory"
)

func TestStorePutAndGet(t *testing.T) {
	t.Parallel()

	store := memory.New()
	payload := []byte(`{"title":"a"}`)
	uri, err := store.PutObject(context.Background(), "run/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/abc.json", uri)

	obj, ok := store.Get("run/abc.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, payload, obj.Data)

	obj.Data[0] = 'X'
	again, _ := store.Get("run/abc.json")
	require.Equal(t, payload, again.Data, "Get returns a copy")

	_, err = store.PutObject(context.Background(), "run/0.json", "", bytes.NewReader(nil))
	require.NoError(t, err)
	require.Equal(t, []string{"run/0.json", "run/abc.json"}, store.Paths())
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStoreErrors(t *testing.T) {
	t.Parallel()

	store := memory.New()
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "x", "", errReader{})
	require.ErrorContains(t, err, "boom")

	_, ok := store.Get("x")
	require.False(t, ok)
}
