package extensions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

func TestLimiterWaitsPerDomain(t *testing.T) {
	t.Parallel()

	l := NewLimiter(10, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "other domains are not blocked")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := NewLimiter(0, 0)
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimitHandleRequestCanceled(t *testing.T) {
	t.Parallel()

	ext := NewRateLimit(NewLimiter(0.001, 1))
	req := crawler.NewRequest("https://slow.example.com/")
	_, _, err := ext.HandleRequest(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	next, resp, err := ext.HandleRequest(ctx, req)
	require.Error(t, err)
	require.Nil(t, next)
	require.Nil(t, resp)
}
