package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/store"
	"github.com/JakeFAU/crawlengine/internal/store/memory"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func seededRepo(t *testing.T) *memory.Repository {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertRunStart(ctx, "run-1", start))
	require.NoError(t, repo.UpsertRunStart(ctx, "run-2", start.Add(time.Hour)))
	require.NoError(t, repo.CompleteRun(ctx, "run-1", start.Add(time.Minute), store.RunSuccess, nil))
	require.NoError(t, repo.UpsertSiteStats(ctx, "run-1", "example.com",
		store.SiteDelta{Scheduled: 3, Fetch2xx: 2, Bytes: 300, At: start}))
	return repo
}

func TestProgressListRuns(t *testing.T) {
	t.Parallel()

	h := NewServer(Options{Progress: seededRepo(t)}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, "run-2", body.Runs[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/runs?status=success&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "run-1", body.Runs[0].ID)
	require.NotNil(t, body.Runs[0].FinishedAt)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs?status=paused", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs?limit=-1", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs?offset=x", nil).Code)
}

func TestProgressGetRun(t *testing.T) {
	t.Parallel()

	h := NewServer(Options{Progress: seededRepo(t)}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body.Run.Status)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/nope", nil).Code)
}

func TestProgressListRunSites(t *testing.T) {
	t.Parallel()

	h := NewServer(Options{Progress: seededRepo(t)}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs/run-1/sites?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sites []siteDTO `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sites, 1)
	require.Equal(t, "example.com", body.Sites[0].Site)
	require.Equal(t, int64(2), body.Sites[0].Fetched)
	require.Equal(t, int64(300), body.Sites[0].BytesTotal)
}

type failingRepo struct {
	store.ProgressRepository
}

func (failingRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, errors.New("db down")
}

func (failingRepo) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{}, errors.New("db down")
}

func TestProgressRepositoryFailures(t *testing.T) {
	t.Parallel()

	h := NewServer(Options{Progress: failingRepo{}}).Handler()
	require.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/v1/runs", nil).Code)
	require.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/v1/runs/x", nil).Code)
}

func TestParseLimitOffsetClamps(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest(http.MethodGet, "/?limit=100000&offset=3", nil)
	require.NoError(t, err)
	limit, offset, err := parseLimitOffset(req, 10, 500)
	require.NoError(t, err)
	require.Equal(t, 500, limit)
	require.Equal(t, 3, offset)
}
