package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/app"
	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/spider"
	"github.com/JakeFAU/crawlengine/internal/store"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<title>home</title><a href="/a">a</a><a href="/b">b</a>`)
		case "/a":
			fmt.Fprint(w, `<title>a</title><a href="/">home</a>`)
		case "/b":
			fmt.Fprint(w, `<title>b</title><a href="/a">a</a>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(startURL string) config.Config {
	cfg := config.Default()
	cfg.Engine.Workers = 2
	cfg.Spider.StartURLs = []string{startURL}
	cfg.Progress.FlushIntervalMs = 10
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://example.com/")
	cfg.Engine.Queue = "stack"
	_, err := app.New(context.Background(), cfg, app.Options{})
	require.ErrorContains(t, err, "engine.queue")
}

func TestNewRejectsUnknownExtension(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://example.com/")
	cfg.Engine.Extensions = []string{"does-not-exist"}
	_, err := app.New(context.Background(), cfg, app.Options{})
	require.ErrorContains(t, err, "does-not-exist")
}

func TestRunCrawlsSiteAndRecordsProgress(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	exportDir := t.TempDir()
	cfg := baseConfig(srv.URL + "/")
	cfg.Engine.RunID = "run-1"
	cfg.Progress.Sinks = []string{"log", "prometheus", "store"}
	cfg.Export.Store = "local"
	cfg.Export.LocalDir = exportDir

	a, err := app.New(context.Background(), cfg, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.Equal(t, "run-1", a.RunID())
	require.Nil(t, a.Server())

	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	run, err := a.Progress().GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.NotNil(t, run.FinishedAt)

	sites, err := a.Progress().ListRunSites(context.Background(), "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.EqualValues(t, 3, sites[0].Fetched)
	assert.EqualValues(t, 3, sites[0].Fetch2xx)

	items, err := filepath.Glob(filepath.Join(exportDir, "items", "run-1", "*.json"))
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestRunWithSpiderOverride(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	s := spider.NewStaticSpiderFromURLs(srv.URL+"/a", srv.URL+"/missing")
	a, err := app.New(context.Background(), baseConfig(srv.URL+"/"), app.Options{Spider: s})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, a.Run(context.Background()))
	results := s.Results()
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Response)
	require.Error(t, results[1].Err)
}

func TestServerExposesRunner(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://example.com/")
	cfg.Engine.RunID = "run-2"
	cfg.Server.Enabled = true
	a, err := app.New(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	require.NotNil(t, a.Server())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		RunID   string `json:"run_id"`
		Running bool   `json:"running"`
		Workers int    `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "run-2", stats.RunID)
	assert.False(t, stats.Running)
	assert.Equal(t, 2, stats.Workers)

	rec = httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
