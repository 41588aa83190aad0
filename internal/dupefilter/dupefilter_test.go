package dupefilter

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

func TestMemoryFiltersRepeats(t *testing.T) {
	t.Parallel()

	f := NewMemory()
	require.False(t, f.IsDuplicated(crawler.NewRequest("https://example.com/a?x=1&y=2")))
	require.True(t, f.IsDuplicated(crawler.NewRequest("https://example.com/a?y=2&x=1")))
	require.False(t, f.IsDuplicated(crawler.NewRequest("https://example.com/b")))
	require.Equal(t, 2, f.Len())
}

func TestMemoryDontFilter(t *testing.T) {
	t.Parallel()

	f := NewMemory()
	forced := crawler.NewRequest("https://example.com/", crawler.WithDontFilter(true))
	require.False(t, f.IsDuplicated(forced))
	require.False(t, f.IsDuplicated(forced))
	require.Zero(t, f.Len(), "dont_filter requests are not recorded")

	require.False(t, f.IsDuplicated(crawler.NewRequest("https://example.com/")))
	require.True(t, f.IsDuplicated(crawler.NewRequest("https://example.com/")))
	require.False(t, f.IsDuplicated(forced))
}

func TestMemoryDistinguishesMethodAndBody(t *testing.T) {
	t.Parallel()

	f := NewMemory()
	require.False(t, f.IsDuplicated(crawler.NewRequest("https://example.com/api")))
	require.False(t, f.IsDuplicated(crawler.NewRequest("https://example.com/api", crawler.WithMethod("POST"))))
	require.False(t, f.IsDuplicated(crawler.NewRequest("https://example.com/api",
		crawler.WithMethod("POST"), crawler.WithJSON(map[string]int{"page": 2}))))
	require.True(t, f.IsDuplicated(crawler.NewRequest("https://example.com/api",
		crawler.WithMethod("POST"), crawler.WithBody([]byte(`{"page":2}`)))))
	require.True(t, f.IsDuplicated(crawler.NewRequest("https://example.com/api",
		crawler.WithParams(url.Values{}))))
}

func TestMemoryConcurrentFirstSight(t *testing.T) {
	t.Parallel()

	f := NewMemory()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				if !f.IsDuplicated(crawler.NewRequest(fmt.Sprintf("https://example.com/%d", i))) {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 10, admitted.Load())
	require.Equal(t, 10, f.Len())
}

func TestNone(t *testing.T) {
	t.Parallel()

	var f None
	req := crawler.NewRequest("https://example.com/")
	require.False(t, f.IsDuplicated(req))
	require.False(t, f.IsDuplicated(req))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := Registry()
	factory, err := reg.Lookup("memory")
	require.NoError(t, err)
	require.IsType(t, &Memory{}, factory())

	factory, err = reg.Lookup("none")
	require.NoError(t, err)
	require.IsType(t, None{}, factory())
}
