// Package refresh drives catalog refreshes end to end: it obtains
// credentials, drains the engine's batch stream into a catalog writer and
// announces every committed store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/engine"
)

// DefaultTopic is the notification topic when none is configured.
const DefaultTopic = "catalog.refreshed"

// Notification is published once per committed store.
type Notification struct {
	RunID            string    `json:"run_id"`
	Store            string    `json:"store"`
	ExpectedProducts int       `json:"expected_products"`
	FetchedProducts  int       `json:"fetched_products"`
	Coverage         float64   `json:"coverage"`
	RefreshedAt      time.Time `json:"refreshed_at"`
}

// Options tune one refresh.
type Options struct {
	RunID          uuid.UUID
	TargetDuration time.Duration
	OnProgress     func(catalog.FetchProgress)
}

// Summary reports the outcome of a refresh.
type Summary struct {
	RunID    string
	Results  []catalog.StoreResult
	Duration time.Duration
}

// Runner wires the engine to persistence.
type Runner struct {
	engine    *engine.Engine
	creds     catalog.CredentialProvider
	writer    catalog.Writer
	publisher catalog.Publisher
	topic     string
	logger    *zap.Logger
}

// NewRunner builds a Runner. publisher may be nil to skip notifications.
func NewRunner(
	eng *engine.Engine,
	creds catalog.CredentialProvider,
	writer catalog.Writer,
	publisher catalog.Publisher,
	topic string,
	logger *zap.Logger,
) *Runner {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:    eng,
		creds:     creds,
		writer:    writer,
		publisher: publisher,
		topic:     topic,
		logger:    logger.Named("refresh"),
	}
}

// Run refreshes stores. It returns an error when the engine aborts, in which
// case every uncommitted store is discarded, or when any store fails to
// persist. Stores committed before the failure stay committed.
func (r *Runner) Run(ctx context.Context, stores []string, opts Options) (Summary, error) {
	start := time.Now()
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	summary := Summary{RunID: opts.RunID.String()}
	creds, err := r.creds.Credentials(ctx)
	if err != nil {
		return summary, fmt.Errorf("get credentials: %w", err)
	}

	stream := r.engine.FetchCatalogs(ctx, creds, stores, engine.Options{
		OnProgress:     opts.OnProgress,
		TargetDuration: opts.TargetDuration,
		RunID:          opts.RunID,
	})
	defer stream.Close()

	d := &drain{runner: r, runID: summary.RunID, open: make(map[string]catalog.StoreWriter), failed: make(map[string]bool)}
	for stream.Next() {
		d.handle(ctx, stream.Batch())
	}
	summary.Results = d.results
	summary.Duration = time.Since(start)

	if err := stream.Err(); err != nil {
		d.abortAll(ctx)
		return summary, fmt.Errorf("fetch catalogs: %w", err)
	}
	if len(d.errs) > 0 {
		return summary, fmt.Errorf("persist catalogs: %w", errors.Join(d.errs...))
	}
	return summary, nil
}

// drain is the per-run consumer state.
type drain struct {
	runner  *Runner
	runID   string
	open    map[string]catalog.StoreWriter
	failed  map[string]bool
	results []catalog.StoreResult
	errs    []error
}

func (d *drain) handle(ctx context.Context, b catalog.CatalogBatch) {
	if d.failed[b.Store] {
		return
	}
	w, ok := d.open[b.Store]
	if !ok {
		var err error
		if w, err = d.runner.writer.Begin(ctx, b.Store); err != nil {
			d.fail(ctx, b.Store, nil, fmt.Errorf("begin store %s: %w", b.Store, err))
			return
		}
		d.open[b.Store] = w
	}

	switch b.Kind {
	case catalog.BatchHits:
		if err := w.Upsert(ctx, b.Items); err != nil {
			d.fail(ctx, b.Store, w, fmt.Errorf("upsert store %s: %w", b.Store, err))
		}
	case catalog.BatchDone:
		delete(d.open, b.Store)
		if err := w.Commit(ctx, b); err != nil {
			d.fail(ctx, b.Store, nil, fmt.Errorf("commit store %s: %w", b.Store, err))
			return
		}
		d.results = append(d.results, catalog.StoreResult{
			Store:     b.Store,
			Expected:  b.ExpectedProducts,
			Fetched:   b.FetchedProducts,
			Coverage:  b.Coverage(),
			Committed: true,
		})
		d.runner.notify(ctx, d.runID, b)
	}
}

func (d *drain) fail(ctx context.Context, store string, w catalog.StoreWriter, err error) {
	d.runner.logger.Error("store refresh failed", zap.String("store", store), zap.Error(err))
	if w != nil {
		if abortErr := w.Abort(ctx); abortErr != nil {
			d.runner.logger.Warn("abort store writer", zap.String("store", store), zap.Error(abortErr))
		}
	}
	delete(d.open, store)
	d.failed[store] = true
	d.results = append(d.results, catalog.StoreResult{Store: store})
	d.errs = append(d.errs, err)
}

func (d *drain) abortAll(ctx context.Context) {
	// ctx may already be cancelled; aborts must still run.
	ctx = context.WithoutCancel(ctx)
	for store, w := range d.open {
		if err := w.Abort(ctx); err != nil {
			d.runner.logger.Warn("abort store writer", zap.String("store", store), zap.Error(err))
		}
		delete(d.open, store)
	}
}

func (r *Runner) notify(ctx context.Context, runID string, done catalog.CatalogBatch) {
	if r.publisher == nil {
		return
	}
	msg := Notification{
		RunID:            runID,
		Store:            done.Store,
		ExpectedProducts: done.ExpectedProducts,
		FetchedProducts:  done.FetchedProducts,
		Coverage:         done.Coverage(),
		RefreshedAt:      time.Now().UTC(),
	}
	if _, err := r.publisher.Publish(ctx, r.topic, msg); err != nil {
		r.logger.Warn("publish refresh notification", zap.String("store", done.Store), zap.Error(err))
	}
}
