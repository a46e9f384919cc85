package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Dispatcher runs queued refreshes on a fixed number of workers and keeps the
// run registry current.
type Dispatcher struct {
	queue   *Queue
	runner  *Runner
	runs    catalog.RunStore
	workers int
	ids     catalog.IDGenerator
	logger  *zap.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIDGenerator replaces the random run ID source.
func WithIDGenerator(ids catalog.IDGenerator) DispatcherOption {
	return func(d *Dispatcher) { d.ids = ids }
}

type randomIDs struct{}

func (randomIDs) NewID() (string, error) { return uuid.NewString(), nil }

// NewDispatcher wires a dispatcher. workers below one means one.
func NewDispatcher(
	queue *Queue,
	runner *Runner,
	runs catalog.RunStore,
	workers int,
	logger *zap.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   queue,
		runner:  runner,
		runs:    runs,
		workers: workers,
		ids:     randomIDs{},
		logger:  logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit registers a queued run and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, stores []string, target time.Duration) (catalog.Run, error) {
	if len(stores) == 0 {
		return catalog.Run{}, errors.New("at least one store is required")
	}
	runID, err := d.ids.NewID()
	if err != nil {
		return catalog.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	run := catalog.Run{
		ID:             runID,
		Stores:         append([]string(nil), stores...),
		TargetDuration: target,
		Status:         catalog.RunQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return catalog.Run{}, fmt.Errorf("create run: %w", err)
	}
	req := Request{RunID: run.ID, Stores: run.Stores, TargetDuration: target}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		if uerr := d.runs.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, catalog.RunFailed, err.Error()); uerr != nil {
			d.logger.Warn("mark unqueued run failed", zap.String("run_id", run.ID), zap.Error(uerr))
		}
		return catalog.Run{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return run, nil
}

// Run starts the workers and blocks until ctx ends or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrQueueClosed) {
				d.logger.Error("dequeue failed", zap.Error(err))
				continue
			}
			return
		}
		d.process(ctx, req)
	}
}

func (d *Dispatcher) process(ctx context.Context, req Request) {
	logger := d.logger.With(zap.String("run_id", req.RunID))
	if err := d.runs.UpdateRunStatus(ctx, req.RunID, catalog.RunRunning, ""); err != nil {
		logger.Error("update run status failed", zap.Error(err))
		return
	}
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		runID = uuid.Nil
	}
	opts := Options{
		RunID:          runID,
		TargetDuration: req.TargetDuration,
		OnProgress: func(p catalog.FetchProgress) {
			if err := d.runs.UpdateRunProgress(ctx, req.RunID, p); err != nil {
				logger.Debug("update run progress failed", zap.Error(err))
			}
		},
	}
	summary, runErr := d.runner.Run(ctx, req.Stores, opts)

	// Results and the final status must land even when ctx was cancelled.
	bg := context.WithoutCancel(ctx)
	for _, res := range summary.Results {
		if err := d.runs.RecordStoreResult(bg, req.RunID, res); err != nil {
			logger.Warn("record store result failed", zap.String("store", res.Store), zap.Error(err))
		}
	}
	status, errText := catalog.RunSucceeded, ""
	if runErr != nil {
		status, errText = catalog.RunFailed, runErr.Error()
	}
	if err := d.runs.UpdateRunStatus(bg, req.RunID, status, errText); err != nil {
		logger.Error("final run status update failed", zap.Error(err))
	}
	logger.Info("refresh finished",
		zap.String("status", string(status)),
		zap.Int("stores", len(summary.Results)),
		zap.Duration("elapsed", summary.Duration),
	)
}
