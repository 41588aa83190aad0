package extensions

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func httpErr(status int) error {
	return &crawler.HTTPError{Resp: &crawler.Response{URL: "https://example.com", Status: status}}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, time.Millisecond, 5*time.Millisecond)
	req := crawler.NewRequest("https://example.com")
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "client error", err: &crawler.ClientError{Request: req, Err: errors.New("refused")}, want: true},
		{name: "timeout", err: timeoutErr{}, want: true},
		{name: "503", err: httpErr(http.StatusServiceUnavailable), want: true},
		{name: "429", err: httpErr(http.StatusTooManyRequests), want: true},
		{name: "404", err: httpErr(http.StatusNotFound), want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "wrapped canceled", err: &crawler.ClientError{Request: req, Err: context.Canceled}, want: false},
		{name: "plain error", err: errors.New("parse"), want: false},
		{name: "exhausted", err: httpErr(http.StatusBadGateway), attempt: 2, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestRetryReschedulesCopy(t *testing.T) {
	t.Parallel()

	r := NewRetry(NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond), nil)
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	orig := crawler.NewRequest("https://example.com/a", crawler.WithMeta("k", "v"))

	next, resp, err := r.HandleError(context.Background(), orig, httpErr(http.StatusBadGateway))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, next)
	require.NotSame(t, orig, next)
	require.True(t, next.DontFilter)
	require.Equal(t, 1, next.Meta[MetaRetryTimes])
	require.Equal(t, "v", next.Meta["k"])
	require.NotContains(t, orig.Meta, MetaRetryTimes)

	next, _, _ = r.HandleError(context.Background(), next, httpErr(http.StatusBadGateway))
	require.Equal(t, 2, next.Meta[MetaRetryTimes])

	next, resp, err = r.HandleError(context.Background(), next, httpErr(http.StatusBadGateway))
	require.Nil(t, next)
	require.Nil(t, resp)
	require.NoError(t, err)
	require.Len(t, slept, 2)
}

func TestRetryPassesPermanentErrors(t *testing.T) {
	t.Parallel()

	r := NewRetry(NewExponentialRetryPolicy(3, 0, 0), nil)
	next, resp, err := r.HandleError(context.Background(), crawler.NewRequest("https://example.com"), httpErr(http.StatusNotFound))
	require.Nil(t, next)
	require.Nil(t, resp)
	require.NoError(t, err)
}

func TestRetryBackoffHonoursCancellation(t *testing.T) {
	t.Parallel()

	r := NewRetry(NewExponentialRetryPolicy(3, time.Hour, time.Hour), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := r.HandleError(ctx, crawler.NewRequest("https://example.com"), timeoutErr{})
	require.ErrorIs(t, err, context.Canceled)
}
