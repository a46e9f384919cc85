package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageProbeDone    Stage = "PROBE_DONE"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchDropped Stage = "FETCH_DROPPED"
	StageStoreDone    Stage = "STORE_DONE"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
)

// Event captures a single step of a catalog run.
type Event struct {
	// RunID identifies the engine invocation using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Store scopes probe, fetch and store events.
	Store string
	// Task is the split task label, when relevant.
	Task string
	// Hits is nbHits for probes, items received for fetches and fetched
	// products for store completion.
	Hits int64
	// Expected is the root probe count, set on STORE_DONE.
	Expected int64
	// Dur captures upstream latency for probes and fetches, wall time for runs.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageProbeDone, StageFetchDone, StageFetchDropped, StageStoreDone:
		if e.Store == "" {
			return fmt.Errorf("%s requires store", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Hits < 0 || e.Expected < 0 {
		return errors.New("hit counts must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
