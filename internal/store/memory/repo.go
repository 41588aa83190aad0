// Package memory keeps run progress in process, for single-run CLI use and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/crawlengine/internal/store"
)

// Repository is an in-memory store.ProgressRepository.
type Repository struct {
	mu    sync.RWMutex
	runs  map[string]store.Run
	sites map[string]map[string]store.SiteStats
}

var _ store.ProgressRepository = (*Repository)(nil)

// New builds an empty repository.
func New() *Repository {
	return &Repository{
		runs:  make(map[string]store.Run),
		sites: make(map[string]map[string]store.SiteStats),
	}
}

// UpsertRunStart records the run as running unless it already exists.
func (r *Repository) UpsertRunStart(_ context.Context, runID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; !ok {
		r.runs[runID] = store.Run{ID: runID, StartedAt: startedAt, Status: store.RunRunning}
	}
	return nil
}

// CompleteRun stamps the terminal status.
func (r *Repository) CompleteRun(
	_ context.Context,
	runID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	r.runs[runID] = run
	return nil
}

// UpsertSiteStats adds d to the (run, site) aggregate.
func (r *Repository) UpsertSiteStats(_ context.Context, runID, site string, d store.SiteDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bySite := r.sites[runID]
	if bySite == nil {
		bySite = make(map[string]store.SiteStats)
		r.sites[runID] = bySite
	}
	st := bySite[site]
	st.RunID, st.Site = runID, site
	if d.At.After(st.LastUpdate) {
		st.LastUpdate = d.At
	}
	st.Scheduled += d.Scheduled
	st.Dropped += d.Dropped
	st.Ignored += d.Ignored
	st.Fetched += d.Fetched()
	st.FetchErrors += d.FetchErrors
	st.BytesTotal += d.Bytes
	st.Fetch2xx += d.Fetch2xx
	st.Fetch3xx += d.Fetch3xx
	st.Fetch4xx += d.Fetch4xx
	st.Fetch5xx += d.Fetch5xx
	bySite[site] = st
	return nil
}

// GetRun returns the run or store.ErrNotFound.
func (r *Repository) GetRun(_ context.Context, runID string) (store.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (r *Repository) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	r.mu.RLock()
	runs := make([]store.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if status == nil || run.Status == *status {
			runs = append(runs, run)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(runs, func(a, b store.Run) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return page(runs, limit, offset), nil
}

// ListRunSites returns a run's sites, busiest first.
func (r *Repository) ListRunSites(_ context.Context, runID string, limit, offset int) ([]store.SiteStats, error) {
	r.mu.RLock()
	stats := make([]store.SiteStats, 0, len(r.sites[runID]))
	for _, st := range r.sites[runID] {
		stats = append(stats, st)
	}
	r.mu.RUnlock()
	slices.SortFunc(stats, func(a, b store.SiteStats) int {
		return cmp.Or(cmp.Compare(b.Fetched, a.Fetched), cmp.Compare(a.Site, b.Site))
	})
	return page(stats, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
