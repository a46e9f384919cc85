package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/config"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/refresh"
)

const (
	submitTimeout   = 5 * time.Second
	maxRequestBytes = 1 << 20
	maxStores       = 500

	// maxTargetSeconds is the largest target that still fits in a
	// time.Duration.
	maxTargetSeconds = float64(math.MaxInt64) / float64(time.Second)
)

// Submitter queues refresh runs.
type Submitter interface {
	Submit(ctx context.Context, stores []string, target time.Duration) (catalog.Run, error)
}

// Server wires HTTP handlers to the refresh dispatcher and run registry.
type Server struct {
	router    chi.Router
	submitter Submitter
	runs      *RunHandler
	ready     atomic.Bool
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(submitter Submitter, runs catalog.RunStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		runs:      NewRunHandler(runs, logger),
		logger:    logger.Named("api"),
	}
	s.ready.Store(true)

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/refresh", func(r chi.Router) {
			r.Post("/", s.submitRefresh)
			r.Get("/", s.runs.ListRuns)
			r.Get("/{run_id}", s.runs.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe, e.g. while draining on shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type refreshRequest struct {
	Stores                []string `json:"stores"`
	TargetDurationSeconds *float64 `json:"target_duration_seconds"`
}

func (s *Server) submitRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	stores, err := normalizeStores(req.Stores)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := targetDuration(req.TargetDurationSeconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	run, err := s.submitter.Submit(ctx, stores, target)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, refresh.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusTooManyRequests
		}
		s.logger.Warn("submit refresh failed", zap.Strings("stores", stores), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("refresh queued",
		zap.String("run_id", run.ID),
		zap.Int("stores", len(stores)),
		zap.Duration("target_duration", target),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func normalizeStores(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, errors.New("stores required")
	}
	if len(in) > maxStores {
		return nil, errors.New("too many stores")
	}
	out := make([]string, 0, len(in))
	for _, store := range in {
		store = strings.TrimSpace(store)
		if store == "" {
			return nil, errors.New("store ids must be non-empty")
		}
		out = append(out, store)
	}
	return out, nil
}

func targetDuration(seconds *float64) (time.Duration, error) {
	if seconds == nil {
		return 0, nil
	}
	if *seconds < 0 || math.IsNaN(*seconds) || math.IsInf(*seconds, 0) {
		return 0, errors.New("target_duration_seconds must be >= 0")
	}
	if *seconds >= maxTargetSeconds {
		return 0, errors.New("target_duration_seconds is too large")
	}
	target := time.Duration(*seconds * float64(time.Second))
	// A positive target that rounds to zero would silently select burst mode.
	if *seconds > 0 && target <= 0 {
		return 0, errors.New("target_duration_seconds must be at least 1ns when set")
	}
	return target, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
