// Package engine runs the adaptive catalog fetch. One shared FIFO queue holds
// plan and fetch work for every requested store, and a worker pool drains it,
// probing, splitting and fetching until every store reports done.
package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/planner"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
)

// Defaults for Config.
const (
	DefaultBurstWorkers = 2000
	DefaultOutputBuffer = 256
)

// Config sizes the engine.
type Config struct {
	// BurstWorkers is the pool size when no target duration is given.
	BurstWorkers int
	// OutputBuffer bounds batches waiting for the consumer; producers block
	// once it is full.
	OutputBuffer int
}

// Options tune a single FetchCatalogs call.
type Options struct {
	// OnProgress receives cross-store aggregate progress. Calls are serialized.
	OnProgress func(catalog.FetchProgress)
	// TargetDuration switches to paced mode: one worker, with the delay after
	// each step recomputed so the whole run takes roughly this long.
	TargetDuration time.Duration
	// RunID tags progress events; a random ID is used when zero.
	RunID uuid.UUID
}

// Engine is safe to reuse across runs; each FetchCatalogs call owns its own
// queue, trackers and stream.
type Engine struct {
	searcher catalog.Searcher
	planner  *planner.Planner
	cfg      Config
	logger   *zap.Logger
	emitter  progress.Emitter
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds an Engine. A nil planner uses planner defaults and a nil emitter
// discards progress events.
func New(
	searcher catalog.Searcher,
	pl *planner.Planner,
	cfg Config,
	logger *zap.Logger,
	emitter progress.Emitter,
) *Engine {
	if cfg.BurstWorkers <= 0 {
		cfg.BurstWorkers = DefaultBurstWorkers
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = DefaultOutputBuffer
	}
	if pl == nil {
		pl = planner.New(planner.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	return &Engine{
		searcher: searcher,
		planner:  pl,
		cfg:      cfg,
		logger:   logger.Named("engine"),
		emitter:  emitter,
		sleep:    sleepContext,
	}
}

// FetchCatalogs starts harvesting the given stores and returns the lazy batch
// stream. Duplicate and empty store identifiers are ignored. The run stops
// when ctx is cancelled, the stream is closed, or a fatal error occurs.
func (e *Engine) FetchCatalogs(
	ctx context.Context,
	creds catalog.Credentials,
	stores []string,
	opts Options,
) *Stream {
	runID := opts.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan catalog.CatalogBatch, e.cfg.OutputBuffer)
	s := &Stream{out: out, cancel: cancel}

	r := newRun(e, creds, uniqueStores(stores), opts, runID, out)
	go func() {
		defer cancel()
		s.err = r.execute(ctx)
		close(out)
	}()
	return s
}

func uniqueStores(stores []string) []string {
	seen := make(map[string]struct{}, len(stores))
	out := make([]string, 0, len(stores))
	for _, s := range stores {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return slices.Clip(out)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
