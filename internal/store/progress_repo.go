package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError:
		return true
	default:
		return false
	}
}

// Run models one crawl run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage is set only for runs that ended with an error.
	ErrorMessage *string
}

// SiteStats is the per-host aggregate for a run.
type SiteStats struct {
	RunID      string
	Site       string
	LastUpdate time.Time
	Scheduled  int64
	Dropped    int64
	Ignored    int64
	// Fetched counts responses of any status; FetchErrors counts transport failures.
	Fetched     int64
	FetchErrors int64
	BytesTotal  int64
	Fetch2xx    int64
	Fetch3xx    int64
	Fetch4xx    int64
	Fetch5xx    int64
}

// SiteDelta is an increment applied to a SiteStats row.
type SiteDelta struct {
	Scheduled   int64
	Dropped     int64
	Ignored     int64
	FetchErrors int64
	Bytes       int64
	Fetch2xx    int64
	Fetch3xx    int64
	Fetch4xx    int64
	Fetch5xx    int64
	At          time.Time
}

// Fetched sums the per-class response counts.
func (d SiteDelta) Fetched() int64 {
	return d.Fetch2xx + d.Fetch3xx + d.Fetch4xx + d.Fetch5xx
}

// Empty reports whether applying d would change nothing but the timestamp.
func (d SiteDelta) Empty() bool {
	return d.Scheduled == 0 && d.Dropped == 0 && d.Ignored == 0 &&
		d.FetchErrors == 0 && d.Bytes == 0 && d.Fetched() == 0
}

// Add accumulates other into d, keeping the later timestamp.
func (d *SiteDelta) Add(other SiteDelta) {
	d.Scheduled += other.Scheduled
	d.Dropped += other.Dropped
	d.Ignored += other.Ignored
	d.FetchErrors += other.FetchErrors
	d.Bytes += other.Bytes
	d.Fetch2xx += other.Fetch2xx
	d.Fetch3xx += other.Fetch3xx
	d.Fetch4xx += other.Fetch4xx
	d.Fetch5xx += other.Fetch5xx
	if other.At.After(d.At) {
		d.At = other.At
	}
}

// ProgressRepository persists incremental run progress.
type ProgressRepository interface {
	// UpsertRunStart records a run as running; repeated calls are idempotent.
	UpsertRunStart(ctx context.Context, runID string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID string, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertSiteStats applies delta to the (run, site) aggregate.
	UpsertSiteStats(ctx context.Context, runID, site string, delta SiteDelta) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSites returns per-site aggregates for one run.
	ListRunSites(ctx context.Context, runID string, limit, offset int) ([]SiteStats, error)
}
