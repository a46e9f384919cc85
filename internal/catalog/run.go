package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound is returned by RunStore lookups for unknown IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStatus enumerates refresh run states.
type RunStatus string

// Supported run states.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ParseRunStatus maps user input onto a RunStatus.
func ParseRunStatus(input string) (RunStatus, error) {
	switch s := RunStatus(strings.ToLower(strings.TrimSpace(input))); s {
	case RunQueued, RunRunning, RunSucceeded, RunFailed:
		return s, nil
	default:
		return "", fmt.Errorf("invalid run status %q", input)
	}
}

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// StoreResult summarizes one store's outcome in a refresh.
type StoreResult struct {
	Store     string  `json:"store"`
	Expected  int     `json:"expected_products"`
	Fetched   int     `json:"fetched_products"`
	Coverage  float64 `json:"coverage"`
	Committed bool    `json:"committed"`
}

// Run is the registry record of one refresh.
type Run struct {
	ID             string        `json:"run_id"`
	Stores         []string      `json:"stores"`
	TargetDuration time.Duration `json:"target_duration"`
	Status         RunStatus     `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Error          string        `json:"error,omitempty"`
	Progress       FetchProgress `json:"progress"`
	Results        []StoreResult `json:"results,omitempty"`
}

// RunStore tracks refresh runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errText string) error
	UpdateRunProgress(ctx context.Context, id string, p FetchProgress) error
	RecordStoreResult(ctx context.Context, id string, res StoreResult) error
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns runs newest first. An empty status matches every run.
	ListRuns(ctx context.Context, status RunStatus, limit, offset int) ([]Run, error)
}
