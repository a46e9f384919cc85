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

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	registryTimeout = 3 * time.Second
)

// RunHandler exposes read-only run status endpoints.
type RunHandler struct {
	runs    catalog.RunStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the registry and logger.
func NewRunHandler(runs catalog.RunStore, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:    runs,
		timeout: registryTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/refresh?status=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, 503 when no registry
// is configured, or 500 if the registry call fails.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run registry unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status catalog.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		if status, err = catalog.ParseRunStatus(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.ListRuns(ctx, status, limit, offset)
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

// GetRun handles GET /v1/refresh/{run_id}. It returns {"run": {...}} on
// success, 404 for unknown runs, 503 when no registry is configured, or 500
// otherwise.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run registry unavailable")
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, catalog.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type progressDTO struct {
	Phase   string `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

type runDTO struct {
	ID                    string                `json:"run_id"`
	Status                string                `json:"status"`
	Stores                []string              `json:"stores"`
	TargetDurationSeconds float64               `json:"target_duration_seconds"`
	CreatedAt             time.Time             `json:"created_at"`
	StartedAt             *time.Time            `json:"started_at,omitempty"`
	FinishedAt            *time.Time            `json:"finished_at,omitempty"`
	Error                 string                `json:"error,omitempty"`
	Progress              progressDTO           `json:"progress"`
	Results               []catalog.StoreResult `json:"results"`
}

func toRunDTO(run catalog.Run) runDTO {
	results := run.Results
	if results == nil {
		results = []catalog.StoreResult{}
	}
	return runDTO{
		ID:                    run.ID,
		Status:                string(run.Status),
		Stores:                run.Stores,
		TargetDurationSeconds: run.TargetDuration.Seconds(),
		CreatedAt:             run.CreatedAt,
		StartedAt:             run.StartedAt,
		FinishedAt:            run.FinishedAt,
		Error:                 run.Error,
		Progress: progressDTO{
			Phase:   string(run.Progress.Phase),
			Current: run.Progress.Current,
			Total:   run.Progress.Total,
			Message: run.Progress.Message,
		},
		Results: results,
	}
}
