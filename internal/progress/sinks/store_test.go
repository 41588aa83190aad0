package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/store"
	"github.com/JakeFAU/crawlengine/internal/store/memory"
)

func TestStoreSinkFoldsSiteEvents(t *testing.T) {
	t.Parallel()

	repo := memory.New()
	sink := NewStoreSink(repo, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) time.Time { return now.Add(d) }

	batch := []progress.Event{
		{RunID: "r", TS: now, Stage: progress.StageRunStart},
		{RunID: "r", TS: at(time.Second), Stage: progress.StageRequestScheduled, Site: "example.com"},
		{RunID: "r", TS: at(time.Second), Stage: progress.StageRequestScheduled, Site: "example.com"},
		{RunID: "r", TS: at(time.Second), Stage: progress.StageRequestDropped, Site: "example.com"},
		{RunID: "r", TS: at(2 * time.Second), Stage: progress.StageFetchDone, Site: "example.com", Bytes: 100, StatusClass: progress.Status2xx},
		{RunID: "r", TS: at(3 * time.Second), Stage: progress.StageFetchDone, Site: "example.com", Bytes: 50, StatusClass: progress.Status5xx},
		{RunID: "r", TS: at(3 * time.Second), Stage: progress.StageFetchError, Site: "other.org"},
		{RunID: "r", TS: at(4 * time.Second), Stage: progress.StageRunError, Note: "stopped"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	run, err := repo.GetRun(context.Background(), "r")
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, "stopped", *run.ErrorMessage)
	require.Equal(t, at(4*time.Second), *run.FinishedAt)

	sites, err := repo.ListRunSites(context.Background(), "r", 10, 0)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	ex := sites[0]
	require.Equal(t, "example.com", ex.Site)
	require.Equal(t, int64(2), ex.Scheduled)
	require.Equal(t, int64(1), ex.Dropped)
	require.Equal(t, int64(2), ex.Fetched)
	require.Equal(t, int64(1), ex.Fetch5xx)
	require.Equal(t, int64(150), ex.BytesTotal)
	require.Equal(t, at(3*time.Second), ex.LastUpdate)
	require.Equal(t, int64(1), sites[1].FetchErrors)
}

type mockRepo struct {
	mock.Mock
	store.ProgressRepository
}

func (m *mockRepo) UpsertRunStart(ctx context.Context, runID string, startedAt time.Time) error {
	return m.Called(ctx, runID, startedAt).Error(0)
}

func (m *mockRepo) UpsertSiteStats(ctx context.Context, runID, site string, d store.SiteDelta) error {
	return m.Called(ctx, runID, site, d).Error(0)
}

func TestStoreSinkSurfacesRepositoryErrors(t *testing.T) {
	t.Parallel()

	now := time.Now()
	repo := &mockRepo{}
	repo.On("UpsertRunStart", mock.Anything, "r", now).Return(nil)
	repo.On("UpsertSiteStats", mock.Anything, "r", "example.com", mock.Anything).Return(errors.New("db down"))

	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: "r", TS: now, Stage: progress.StageRunStart},
		{RunID: "r", TS: now, Stage: progress.StageRequestScheduled, Site: "example.com"},
	})
	require.ErrorContains(t, err, "db down")
	repo.AssertExpectations(t)
}

func TestStoreSinkNilRepository(t *testing.T) {
	t.Parallel()

	var sink *StoreSink
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageRunStart}}))
}
