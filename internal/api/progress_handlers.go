package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/store"
)

const (
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
	progressTimeout   = 3 * time.Second
)

// ProgressHandler serves read-only run progress.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger. A nil repo makes every
// route answer 503.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{repo: repo, timeout: progressTimeout, logger: logger}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset= and answers
// {"runs": [...]}.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{run_id}.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunSites handles GET /v1/runs/{run_id}/sites?limit=&offset=.
func (h *ProgressHandler) ListRunSites(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSitesLimit, maxSitesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sites, err := h.repo.ListRunSites(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list run sites failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run sites")
		return
	}
	out := make([]siteDTO, 0, len(sites))
	for _, s := range sites {
		out = append(out, siteDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": out})
}

func (h *ProgressHandler) available(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return false
	}
	return true
}

func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" || len(runID) > 128 {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return "", false
	}
	return runID, true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

type runDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

type siteDTO struct {
	RunID       string    `json:"run_id"`
	Site        string    `json:"site"`
	LastUpdate  time.Time `json:"last_update"`
	Scheduled   int64     `json:"scheduled"`
	Dropped     int64     `json:"dropped"`
	Ignored     int64     `json:"ignored"`
	Fetched     int64     `json:"fetched"`
	FetchErrors int64     `json:"fetch_errors"`
	BytesTotal  int64     `json:"bytes_total"`
	Fetch2xx    int64     `json:"fetch_2xx"`
	Fetch3xx    int64     `json:"fetch_3xx"`
	Fetch4xx    int64     `json:"fetch_4xx"`
	Fetch5xx    int64     `json:"fetch_5xx"`
}
