package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/planner"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
)

// probeFacets asks the upstream for every facet histogram.
var probeFacets = []string{"*"}

// errRunAborted is returned to a worker whose Done marker was suppressed
// because another worker already failed the run.
var errRunAborted = errors.New("catalog run aborted")

// run is the state of one FetchCatalogs call. mu guards the queue, the
// counters and the trackers; wake is closed and replaced whenever any of
// them change so idle workers can re-check.
type run struct {
	e      *Engine
	creds  catalog.Credentials
	stores []string
	opts   Options
	id     uuid.UUID
	logger *zap.Logger
	pace   pacer
	out    chan<- catalog.CatalogBatch

	mu               sync.Mutex
	wake             chan struct{}
	queue            []catalog.WorkItem
	inflight         int
	completedPlans   int
	completedFetches int
	planOutstanding  int
	trackers         map[string]*catalog.StoreTracker
	finished         map[string]bool

	progressMu sync.Mutex

	// doneMu orders Done sends against abort: a Done is either sent before
	// fatal is set or not at all. fatal holds the first error.
	doneMu sync.RWMutex
	fatal  error
}

func newRun(
	e *Engine,
	creds catalog.Credentials,
	stores []string,
	opts Options,
	id uuid.UUID,
	out chan<- catalog.CatalogBatch,
) *run {
	r := &run{
		e:        e,
		creds:    creds,
		stores:   stores,
		opts:     opts,
		id:       id,
		logger:   e.logger.With(zap.String("run_id", id.String())),
		pace:     newPacer(opts.TargetDuration, e.cfg.BurstWorkers),
		out:      out,
		wake:     make(chan struct{}),
		trackers: make(map[string]*catalog.StoreTracker, len(stores)),
		finished: make(map[string]bool, len(stores)),
	}
	for _, store := range stores {
		r.trackers[store] = &catalog.StoreTracker{PlanInflight: 1}
		r.queue = append(r.queue, catalog.WorkItem{Kind: catalog.WorkPlan, Store: store, Task: catalog.RootTask()})
		r.planOutstanding++
	}
	return r
}

func (r *run) execute(ctx context.Context) error {
	start := time.Now()
	workers := r.pace.workers()
	r.logger.Info("catalog run started",
		zap.Strings("stores", r.stores),
		zap.Int("workers", workers),
		zap.Duration("target_duration", r.opts.TargetDuration),
	)
	r.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("%d stores", len(r.stores))})

	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			if err := r.work(gctx); err != nil {
				r.abort(err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	if cause := r.fatalErr(); cause != nil {
		err = cause
	}
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Error("catalog run aborted", zap.Error(err), zap.Duration("elapsed", elapsed))
		r.emit(progress.Event{Stage: progress.StageRunError, Dur: elapsed, Note: err.Error()})
		return err
	}
	r.logger.Info("catalog run finished", zap.Duration("elapsed", elapsed))
	r.emit(progress.Event{Stage: progress.StageRunDone, Dur: elapsed})
	return nil
}

// work is one worker's loop. Any returned error cancels ctx for every other
// worker.
func (r *run) work(ctx context.Context) error {
	for {
		item, ok, err := r.dequeue(ctx)
		if err != nil || !ok {
			return err
		}
		switch item.Kind {
		case catalog.WorkPlan:
			err = r.plan(ctx, item)
		case catalog.WorkFetch:
			err = r.fetch(ctx, item)
		default:
			err = fmt.Errorf("unknown work kind %d", item.Kind)
		}
		known := r.release()
		if err != nil {
			return err
		}
		if err := r.e.sleep(ctx, r.pace.delay(known)); err != nil {
			return err
		}
	}
}

// dequeue pops the next item. It reports ok=false once the queue is empty and
// nothing is in flight, since no more work can appear.
func (r *run) dequeue(ctx context.Context) (catalog.WorkItem, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return catalog.WorkItem{}, false, err
		}
		r.mu.Lock()
		if len(r.queue) > 0 {
			item := r.queue[0]
			r.queue[0] = catalog.WorkItem{}
			r.queue = r.queue[1:]
			r.inflight++
			r.mu.Unlock()
			return item, true, nil
		}
		if r.inflight == 0 {
			r.mu.Unlock()
			return catalog.WorkItem{}, false, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return catalog.WorkItem{}, false, ctx.Err()
		}
	}
}

// release marks the current item finished and returns the known task total
// used for pacing.
func (r *run) release() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	r.broadcastLocked()
	return r.knownTotalLocked()
}

func (r *run) knownTotalLocked() int {
	return r.completedPlans + r.completedFetches + len(r.queue) + r.inflight
}

func (r *run) broadcastLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *run) plan(ctx context.Context, item catalog.WorkItem) error {
	r.mu.Lock()
	tracker := r.trackers[item.Store]
	tracker.PlanIterations++
	iteration := tracker.PlanIterations
	r.mu.Unlock()

	start := time.Now()
	res, err := r.e.searcher.Search(ctx, r.creds, catalog.Query{
		Store:       item.Store,
		Filter:      item.Task.Filter,
		HitsPerPage: 0,
		Facets:      probeFacets,
	})
	if err != nil {
		return fmt.Errorf("probe store %s task %q: %w", item.Store, item.Task.Label, err)
	}
	r.emit(progress.Event{
		Stage: progress.StageProbeDone,
		Store: item.Store,
		Task:  item.Task.Label,
		Hits:  int64(res.NbHits),
		Dur:   time.Since(start),
	})

	decision := r.e.planner.Plan(item.Task, planner.Probe{NbHits: res.NbHits, Facets: res.Facets}, iteration)
	if decision.Truncated {
		r.logger.Warn("fetching task over hit cap",
			zap.String("store", item.Store),
			zap.String("task", item.Task.Label),
			zap.Int("nb_hits", res.NbHits),
			zap.Int("iteration", iteration),
		)
	}

	r.mu.Lock()
	if item.Task == catalog.RootTask() {
		tracker.ExpectedProducts = res.NbHits
	}
	tracker.PlanInflight--
	r.planOutstanding--
	switch decision.Decision {
	case planner.Split:
		for _, child := range decision.Children {
			r.queue = append(r.queue, catalog.WorkItem{Kind: catalog.WorkPlan, Store: item.Store, Task: child})
		}
		tracker.PlanInflight += len(decision.Children)
		r.planOutstanding += len(decision.Children)
	case planner.Fetch:
		r.queue = append(r.queue, catalog.WorkItem{Kind: catalog.WorkFetch, Store: item.Store, Task: item.Task})
		tracker.FetchRemaining++
	}
	r.completedPlans++
	done, isDone := r.checkCompleteLocked(item.Store)
	r.broadcastLocked()
	r.mu.Unlock()

	r.report(catalog.PhasePlanning, planMessage(item, decision, res.NbHits))
	if isDone {
		return r.finishStore(ctx, done)
	}
	return nil
}

func (r *run) fetch(ctx context.Context, item catalog.WorkItem) error {
	start := time.Now()
	res, err := r.e.searcher.Search(ctx, r.creds, catalog.Query{
		Store:       item.Store,
		Filter:      item.Task.Filter,
		HitsPerPage: r.e.planner.HardCap(),
	})
	switch {
	case err == nil:
		r.emit(progress.Event{
			Stage: progress.StageFetchDone,
			Store: item.Store,
			Task:  item.Task.Label,
			Hits:  int64(len(res.Hits)),
			Dur:   time.Since(start),
		})
		if len(res.Hits) > 0 {
			if err := r.send(ctx, catalog.HitsBatch(item.Store, res.Hits)); err != nil {
				return err
			}
		}
	case errors.Is(err, catalog.ErrUnauthorized):
		return fmt.Errorf("fetch store %s task %q: %w", item.Store, item.Task.Label, err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		r.logger.Warn("dropping fetch task",
			zap.String("store", item.Store),
			zap.String("task", item.Task.Label),
			zap.Error(err),
		)
		r.emit(progress.Event{
			Stage: progress.StageFetchDropped,
			Store: item.Store,
			Task:  item.Task.Label,
			Dur:   time.Since(start),
			Note:  err.Error(),
		})
		res = catalog.SearchResult{}
	}

	r.mu.Lock()
	tracker := r.trackers[item.Store]
	tracker.FetchRemaining--
	tracker.FetchedProducts += len(res.Hits)
	r.completedFetches++
	done, isDone := r.checkCompleteLocked(item.Store)
	r.mu.Unlock()

	r.report(catalog.PhaseFetching, fmt.Sprintf("store %s: fetched %d items for %s", item.Store, len(res.Hits), item.Task.Label))
	if isDone {
		return r.finishStore(ctx, done)
	}
	return nil
}

// checkCompleteLocked flips AllPlanned once no plans remain and returns the
// Done batch the first time the store is complete.
func (r *run) checkCompleteLocked(store string) (catalog.CatalogBatch, bool) {
	tracker := r.trackers[store]
	if tracker.PlanInflight == 0 {
		tracker.AllPlanned = true
	}
	if !tracker.Complete() || r.finished[store] {
		return catalog.CatalogBatch{}, false
	}
	r.finished[store] = true
	return catalog.DoneBatch(store, tracker.ExpectedProducts, tracker.FetchedProducts), true
}

func (r *run) finishStore(ctx context.Context, done catalog.CatalogBatch) error {
	if err := r.sendDone(ctx, done); err != nil {
		return err
	}
	r.logger.Info("store catalog complete",
		zap.String("store", done.Store),
		zap.Int("expected", done.ExpectedProducts),
		zap.Int("fetched", done.FetchedProducts),
		zap.Float64("coverage", done.Coverage()),
	)
	r.emit(progress.Event{
		Stage:    progress.StageStoreDone,
		Store:    done.Store,
		Hits:     int64(done.FetchedProducts),
		Expected: int64(done.ExpectedProducts),
	})
	return nil
}

// send blocks while the output buffer is full. Nothing is sent once ctx is
// cancelled.
func (r *run) send(ctx context.Context, b catalog.CatalogBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort raises the fatal flag. It runs before the worker's error reaches the
// errgroup, so it is set before ctx is cancelled. Only the first cause is kept.
func (r *run) abort(err error) {
	r.doneMu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.doneMu.Unlock()
}

func (r *run) fatalErr() error {
	r.doneMu.RLock()
	defer r.doneMu.RUnlock()
	return r.fatal
}

// sendDone holds doneMu across the fatal check and the send so no Done can
// follow abort.
func (r *run) sendDone(ctx context.Context, done catalog.CatalogBatch) error {
	r.doneMu.RLock()
	defer r.doneMu.RUnlock()
	if r.fatal != nil {
		return errRunAborted
	}
	return r.send(ctx, done)
}

func (r *run) progressLocked(phase catalog.Phase) catalog.FetchProgress {
	if r.planOutstanding > 0 {
		phase = catalog.PhasePlanning
	}
	// The reporting item is both completed and still in flight.
	return catalog.FetchProgress{
		Phase:   phase,
		Current: r.completedPlans + r.completedFetches,
		Total:   r.knownTotalLocked() - 1,
	}
}

// report snapshots the counters and invokes OnProgress under one lock so
// callers observe non-decreasing Current values.
func (r *run) report(phase catalog.Phase, message string) {
	if r.opts.OnProgress == nil {
		return
	}
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.mu.Lock()
	p := r.progressLocked(phase)
	r.mu.Unlock()
	p.Message = message
	r.opts.OnProgress(p)
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(r.id)
	evt.TS = time.Now().UTC()
	r.e.emitter.Emit(evt)
}

func planMessage(item catalog.WorkItem, res planner.Result, nbHits int) string {
	switch res.Decision {
	case planner.Discard:
		return fmt.Sprintf("store %s: %s is empty", item.Store, item.Task.Label)
	case planner.Split:
		return fmt.Sprintf("store %s: split %s (%d hits) on %s into %d tasks",
			item.Store, item.Task.Label, nbHits, res.Attribute, len(res.Children))
	default:
		return fmt.Sprintf("store %s: %s ready to fetch (%d hits)", item.Store, item.Task.Label, nbHits)
	}
}
