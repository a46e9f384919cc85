package catalog

import (
	"fmt"
	"strconv"
)

// HitIDField is the upstream attribute that uniquely identifies an item.
const HitIDField = "objectID"

// Hit is one loosely typed catalog record returned by the upstream index.
type Hit map[string]any

// ID returns the stable item identifier, or "" when the hit carries none.
func (h Hit) ID() string {
	switch v := h[HitIDField].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// SplitTask is one candidate partition of a store's catalog. An empty Filter
// means no predicate beyond the store's base filter.
type SplitTask struct {
	Label  string `json:"label"`
	Filter string `json:"filter,omitempty"`
}

// RootTask returns the unfiltered task every store traversal starts from.
func RootTask() SplitTask {
	return SplitTask{Label: "root"}
}

// WorkKind tags a WorkItem.
type WorkKind int

// Work item kinds.
const (
	WorkPlan WorkKind = iota
	WorkFetch
)

func (k WorkKind) String() string {
	switch k {
	case WorkPlan:
		return "plan"
	case WorkFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// WorkItem is a unit of queued work for a single store.
type WorkItem struct {
	Kind  WorkKind
	Store string
	Task  SplitTask
}

// StoreTracker is the per-store traversal bookkeeping.
type StoreTracker struct {
	PlanInflight     int
	PlanIterations   int
	FetchRemaining   int
	AllPlanned       bool
	ExpectedProducts int
	FetchedProducts  int
}

// Complete reports whether every plan and fetch for the store has resolved.
func (t StoreTracker) Complete() bool {
	return t.AllPlanned && t.FetchRemaining == 0
}

// BatchKind tags a CatalogBatch.
type BatchKind string

// Batch kinds.
const (
	BatchHits BatchKind = "hits"
	BatchDone BatchKind = "done"
)

// CatalogBatch is the engine's output unit. Hits batches carry Items; a Done
// batch carries the store's final counts and follows all of its Hits.
type CatalogBatch struct {
	Kind             BatchKind
	Store            string
	Items            []Hit
	ExpectedProducts int
	FetchedProducts  int
}

// HitsBatch builds a Hits batch.
func HitsBatch(store string, items []Hit) CatalogBatch {
	return CatalogBatch{Kind: BatchHits, Store: store, Items: items}
}

// DoneBatch builds the terminal marker for a store.
func DoneBatch(store string, expected, fetched int) CatalogBatch {
	return CatalogBatch{Kind: BatchDone, Store: store, ExpectedProducts: expected, FetchedProducts: fetched}
}

// Coverage returns fetched/expected for a Done batch. An empty catalog is
// fully covered.
func (b CatalogBatch) Coverage() float64 {
	if b.ExpectedProducts <= 0 {
		return 1
	}
	return float64(b.FetchedProducts) / float64(b.ExpectedProducts)
}

// Phase is the coarse stage reported in FetchProgress.
type Phase string

// Progress phases.
const (
	PhasePlanning Phase = "planning"
	PhaseFetching Phase = "fetching"
)

// FetchProgress is an aggregate across every store in a run.
type FetchProgress struct {
	Phase   Phase  `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}
