package extensions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

func TestRobotsBlocksDisallowedPaths(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	robots := NewRobots(srv.Client(), "crawlengine-test", time.Second, nil)
	ctx := context.Background()

	_, _, err := robots.HandleRequest(ctx, crawler.NewRequest(srv.URL+"/public"))
	require.NoError(t, err)

	_, _, err = robots.HandleRequest(ctx, crawler.NewRequest(srv.URL+"/private/page"))
	require.ErrorIs(t, err, crawler.ErrIgnoreRequest)
	require.EqualValues(t, 1, fetches.Load(), "robots.txt is cached per host")
}

func TestRobotsAllowsWhenUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	robots := NewRobots(srv.Client(), "", time.Second, nil)
	require.True(t, robots.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestRobotsAllowsOnFetchFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	robots := NewRobots(&http.Client{Timeout: 100 * time.Millisecond}, "", 0, nil)
	require.True(t, robots.Allowed(context.Background(), url+"/page"))
}

type flakyTransport struct {
	failures int
	calls    atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := int(f.calls.Add(1))
	if n <= f.failures {
		return nil, timeoutErr{}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("User-agent: *\nDisallow: /")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func TestRetryingTransportRecovers(t *testing.T) {
	t.Parallel()

	base := &flakyTransport{failures: 2}
	tr := &retryingTransport{base: base, backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com/robots.txt", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Disallow")
	require.EqualValues(t, 3, base.calls.Load())
}

func TestRetryingTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &flakyTransport{failures: 100}
	tr := &retryingTransport{base: base, backoff: []time.Duration{time.Millisecond}}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com/robots.txt", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Allow: /")
	require.EqualValues(t, 2, base.calls.Load())
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestRetryingTransportPermanentError(t *testing.T) {
	t.Parallel()

	tr := &retryingTransport{base: failingTransport{}, backoff: robotsRetryBackoff}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com/robots.txt", nil)
	require.NoError(t, err)
	_, err = tr.RoundTrip(req)
	require.ErrorContains(t, err, "connection refused")
}
