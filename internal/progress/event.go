package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event records.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageRunDone          Stage = "RUN_DONE"
	StageRunError         Stage = "RUN_ERROR"
	StageRequestScheduled Stage = "REQUEST_SCHEDULED"
	StageRequestDropped   Stage = "REQUEST_DROPPED"
	StageRequestIgnored   Stage = "REQUEST_IGNORED"
	StageFetchDone        Stage = "FETCH_DONE"
	StageFetchError       Stage = "FETCH_ERROR"
)

// IsRunStage reports whether s describes the run rather than a single site.
func (s Stage) IsRunStage() bool {
	return s == StageRunStart || s == StageRunDone || s == StageRunError
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress record.
type Event struct {
	RunID string
	// TS is the time the lifecycle event was published.
	TS    time.Time
	Stage Stage
	// Site is the lowercased host for request and fetch stages.
	Site string
	URL  string
	// Bytes is the response body size for FETCH_DONE.
	Bytes       int64
	StatusClass StatusClass
	// Dur is the fetch latency, or the run length for RUN_DONE and RUN_ERROR.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageRequestScheduled, StageRequestDropped, StageRequestIgnored, StageFetchError:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
