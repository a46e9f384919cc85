package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// RunStore is an in-memory catalog.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]catalog.Run
	now  func() time.Time
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]catalog.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun registers a new run.
func (s *RunStore) CreateRun(_ context.Context, run catalog.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = catalog.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	run.Stores = append([]string(nil), run.Stores...)
	s.runs[run.ID] = run
	return nil
}

// UpdateRunStatus moves a run to status, stamping start and finish times.
// Terminal runs are immutable.
func (s *RunStore) UpdateRunStatus(_ context.Context, id string, status catalog.RunStatus, errText string) error {
	return s.update(id, func(run *catalog.Run) {
		now := s.now()
		run.Status = status
		run.Error = errText
		if status == catalog.RunRunning && run.StartedAt == nil {
			run.StartedAt = &now
		}
		if status.Terminal() {
			run.FinishedAt = &now
		}
	})
}

// UpdateRunProgress stores the latest progress snapshot.
func (s *RunStore) UpdateRunProgress(_ context.Context, id string, p catalog.FetchProgress) error {
	return s.update(id, func(run *catalog.Run) {
		run.Progress = p
	})
}

// RecordStoreResult appends a per-store outcome.
func (s *RunStore) RecordStoreResult(_ context.Context, id string, res catalog.StoreResult) error {
	return s.update(id, func(run *catalog.Run) {
		run.Results = append(run.Results, res)
	})
}

func (s *RunStore) update(id string, fn func(*catalog.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", id, run.Status)
	}
	fn(&run)
	s.runs[id] = run
	return nil
}

// GetRun returns a copy of the run.
func (s *RunStore) GetRun(_ context.Context, id string) (catalog.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.Run{}, catalog.ErrRunNotFound
	}
	run.Stores = append([]string(nil), run.Stores...)
	run.Results = append([]catalog.StoreResult(nil), run.Results...)
	return run, nil
}

// ListRuns returns copies of the matching runs, newest first.
func (s *RunStore) ListRuns(_ context.Context, status catalog.RunStatus, limit, offset int) ([]catalog.Run, error) {
	s.mu.RLock()
	matched := make([]catalog.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		matched = append(matched, run)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if offset >= len(matched) {
		return []catalog.Run{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]catalog.Run, len(matched))
	for i, run := range matched {
		run.Stores = append([]string(nil), run.Stores...)
		run.Results = append([]catalog.StoreResult(nil), run.Results...)
		out[i] = run
	}
	return out, nil
}
