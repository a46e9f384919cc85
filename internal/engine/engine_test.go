package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/planner"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
)

// fakeUpstream answers probes from a filter→nbHits table and fetches with
// synthetic hits. Unknown filters probe as empty.
type fakeUpstream struct {
	mu       sync.Mutex
	nbHits   map[string]int
	facets   map[string]map[string]map[string]int
	fetchErr func(q catalog.Query) error
	probeErr func(q catalog.Query) error
	queries  []catalog.Query

	active    atomic.Int32
	maxActive atomic.Int32
	fetches   atomic.Int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		nbHits: make(map[string]int),
		facets: make(map[string]map[string]map[string]int),
	}
}

func key(store, filter string) string {
	return store + "|" + filter
}

func (f *fakeUpstream) set(store, filter string, nbHits int, facets map[string]map[string]int) {
	f.nbHits[key(store, filter)] = nbHits
	if facets != nil {
		f.facets[key(store, filter)] = facets
	}
}

func (f *fakeUpstream) Search(ctx context.Context, _ catalog.Credentials, q catalog.Query) (catalog.SearchResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return catalog.SearchResult{}, err
	}

	f.mu.Lock()
	f.queries = append(f.queries, q)
	nbHits := f.nbHits[key(q.Store, q.Filter)]
	facets := f.facets[key(q.Store, q.Filter)]
	f.mu.Unlock()

	if q.HitsPerPage == 0 {
		if f.probeErr != nil {
			if err := f.probeErr(q); err != nil {
				return catalog.SearchResult{}, err
			}
		}
		return catalog.SearchResult{NbHits: nbHits, Facets: facets}, nil
	}

	f.fetches.Add(1)
	if f.fetchErr != nil {
		if err := f.fetchErr(q); err != nil {
			return catalog.SearchResult{}, err
		}
	}
	count := min(nbHits, q.HitsPerPage)
	hits := make([]catalog.Hit, count)
	for i := range hits {
		hits[i] = catalog.Hit{catalog.HitIDField: fmt.Sprintf("%s-%s-%d", q.Store, q.Filter, i)}
	}
	return catalog.SearchResult{Hits: hits, NbHits: nbHits}, nil
}

func (f *fakeUpstream) Queries() []catalog.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.Query(nil), f.queries...)
}

// scenarioA seeds store 30 with 2500 items split cleanly across three
// categories.
func scenarioA(f *fakeUpstream) {
	f.set("30", "", 2500, map[string]map[string]int{
		"categories.lvl0": {"A": 1000, "B": 900, "C": 500},
	})
	f.set("30", "categories.lvl0:A", 1000, nil)
	f.set("30", "categories.lvl0:B", 900, nil)
	f.set("30", "categories.lvl0:C", 500, nil)
}

func newTestEngine(up catalog.Searcher, cfg Config, emitter progress.Emitter) *Engine {
	if cfg.BurstWorkers == 0 {
		cfg.BurstWorkers = 8
	}
	return New(up, planner.New(planner.Config{}), cfg, zap.NewNop(), emitter)
}

func collect(t *testing.T, s *Stream) ([]catalog.CatalogBatch, error) {
	t.Helper()
	var out []catalog.CatalogBatch
	for s.Next() {
		out = append(out, s.Batch())
	}
	return out, s.Err()
}

func doneFor(batches []catalog.CatalogBatch, store string) []catalog.CatalogBatch {
	var out []catalog.CatalogBatch
	for _, b := range batches {
		if b.Kind == catalog.BatchDone && b.Store == store {
			out = append(out, b)
		}
	}
	return out
}

func TestFetchCatalogsSplitsLargeStore(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	eng := newTestEngine(up, Config{}, nil)

	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"30"}, Options{}))
	require.NoError(t, err)

	var hitBatches, items int
	for _, b := range batches {
		if b.Kind == catalog.BatchHits {
			hitBatches++
			items += len(b.Items)
		}
	}
	require.Equal(t, 3, hitBatches)
	require.Equal(t, 2500, items)

	done := doneFor(batches, "30")
	require.Len(t, done, 1)
	require.Equal(t, 2500, done[0].ExpectedProducts)
	require.Equal(t, 2500, done[0].FetchedProducts)
	require.Equal(t, catalog.BatchDone, batches[len(batches)-1].Kind)

	var fetchFilters []string
	for _, q := range up.Queries() {
		require.NotContains(t, q.Filter, "NOT")
		if q.HitsPerPage > 0 {
			require.Equal(t, planner.DefaultHardCap, q.HitsPerPage)
			require.Empty(t, q.Facets)
			fetchFilters = append(fetchFilters, q.Filter)
		} else {
			require.Equal(t, []string{"*"}, q.Facets)
		}
	}
	require.ElementsMatch(t, []string{"categories.lvl0:A", "categories.lvl0:B", "categories.lvl0:C"}, fetchFilters)
}

func TestFetchCatalogsEmptyStoreEmitsOnlyDone(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.set("40", "", 0, nil)
	eng := newTestEngine(up, Config{}, nil)

	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"40"}, Options{}))
	require.NoError(t, err)
	require.Equal(t, []catalog.CatalogBatch{catalog.DoneBatch("40", 0, 0)}, batches)
	require.Len(t, up.Queries(), 1)
}

func TestFetchCatalogsDoneFollowsHitsPerStore(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	up.set("40", "", 0, nil)
	up.set("50", "", 700, nil)
	up.set("60", "", 1200, map[string]map[string]int{
		"brand": {"Acme": 400, "Zed": 300},
	})
	up.set("60", "brand:Acme", 400, nil)
	up.set("60", "brand:Zed", 300, nil)
	up.set("60", "NOT brand:Acme AND NOT brand:Zed", 500, nil)

	eng := newTestEngine(up, Config{OutputBuffer: 2}, nil)
	stores := []string{"30", "40", "50", "60", "30", ""}
	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, stores, Options{}))
	require.NoError(t, err)

	want := map[string]int{"30": 2500, "40": 0, "50": 700, "60": 1200}
	for store, expected := range want {
		doneIdx := -1
		lastHits := -1
		for i, b := range batches {
			if b.Store != store {
				continue
			}
			switch b.Kind {
			case catalog.BatchDone:
				require.Equal(t, -1, doneIdx, "store %s emitted Done twice", store)
				doneIdx = i
			case catalog.BatchHits:
				lastHits = i
			}
		}
		require.NotEqual(t, -1, doneIdx, "store %s never finished", store)
		require.Greater(t, doneIdx, lastHits, "store %s Done preceded its hits", store)
		require.Equal(t, expected, batches[doneIdx].ExpectedProducts)
		require.Equal(t, expected, batches[doneIdx].FetchedProducts)
	}
}

func TestFetchCatalogsUnauthorizedFetchIsFatal(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	up.set("50", "", 700, nil)
	up.fetchErr = func(catalog.Query) error {
		return fmt.Errorf("status 401: %w", catalog.ErrUnauthorized)
	}
	eng := newTestEngine(up, Config{}, nil)

	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"30", "50"}, Options{}))
	require.ErrorIs(t, err, catalog.ErrUnauthorized)
	for _, b := range batches {
		require.NotEqual(t, catalog.BatchDone, b.Kind)
	}
}

func TestFetchCatalogsDropsFailedFetch(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	up.fetchErr = func(q catalog.Query) error {
		if strings.HasSuffix(q.Filter, ":B") {
			return errors.New("upstream status 500")
		}
		return nil
	}
	rec := &recordingEmitter{}
	eng := newTestEngine(up, Config{}, rec)

	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"30"}, Options{}))
	require.NoError(t, err)

	done := doneFor(batches, "30")
	require.Len(t, done, 1)
	require.Equal(t, 2500, done[0].ExpectedProducts)
	require.Equal(t, 1500, done[0].FetchedProducts)
	require.InDelta(t, 0.6, done[0].Coverage(), 1e-9)
	require.Equal(t, 1, rec.count(progress.StageFetchDropped))
}

func TestFetchCatalogsProbeFailureAbortsRun(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	up.probeErr = func(q catalog.Query) error {
		if q.Filter != "" {
			return fmt.Errorf("rate limited: %w", catalog.ErrRetriesExhausted)
		}
		return nil
	}
	rec := &recordingEmitter{}
	eng := newTestEngine(up, Config{}, rec)

	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"30"}, Options{}))
	require.ErrorIs(t, err, catalog.ErrRetriesExhausted)
	require.Empty(t, batches)
	require.Equal(t, 1, rec.count(progress.StageRunError))
	require.Zero(t, rec.count(progress.StageRunDone))
}

func TestFetchCatalogsDeliversBufferedBatchesBeforeError(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.set("50", "", 700, nil)
	up.set("30", "", 2500, map[string]map[string]int{
		"categories.lvl0": {"A": 1000, "B": 900, "C": 500},
	})
	release := make(chan struct{})
	up.probeErr = func(q catalog.Query) error {
		if q.Store == "30" && q.Filter != "" {
			<-release
			return catalog.ErrUnauthorized
		}
		return nil
	}
	eng := newTestEngine(up, Config{BurstWorkers: 4, OutputBuffer: 8}, nil)
	s := eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"50", "30"}, Options{})

	// Store 50 finishes into the buffer before store 30 fails.
	require.Eventually(t, func() bool { return up.fetches.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	batches, err := collect(t, s)
	require.ErrorIs(t, err, catalog.ErrUnauthorized)
	require.Len(t, batches, 2)
	require.Equal(t, catalog.BatchHits, batches[0].Kind)
	require.Equal(t, catalog.DoneBatch("50", 700, 700), batches[1])
}

func TestFetchCatalogsBlocksOnFullBuffer(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	stores := []string{"1", "2", "3", "4", "5"}
	for _, s := range stores {
		up.set(s, "", 10, nil)
	}
	eng := newTestEngine(up, Config{BurstWorkers: 2, OutputBuffer: 1}, nil)
	s := eng.FetchCatalogs(context.Background(), catalog.Credentials{}, stores, Options{})

	require.Eventually(t, func() bool { return up.fetches.Load() >= 2 }, time.Second, 5*time.Millisecond)
	// One batch fits in the buffer and each of the two workers holds one more.
	require.Never(t, func() bool { return up.fetches.Load() > 3 }, 100*time.Millisecond, 10*time.Millisecond)

	batches, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, batches, 10)
}

func TestFetchCatalogsCloseStopsRun(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	eng := newTestEngine(up, Config{OutputBuffer: 1}, nil)
	s := eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"30"}, Options{})
	require.True(t, s.Next())
	s.Close()
	require.False(t, s.Next())
	require.ErrorIs(t, s.Err(), context.Canceled)
}

func TestFetchCatalogsNoStores(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(newFakeUpstream(), Config{}, nil)
	batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, nil, Options{}))
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestFetchCatalogsReportsProgress(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	scenarioA(up)
	rec := &recordingEmitter{}
	eng := newTestEngine(up, Config{}, rec)

	var (
		mu      sync.Mutex
		reports []catalog.FetchProgress
		active  atomic.Int32
		overlap atomic.Bool
	)
	opts := Options{OnProgress: func(p catalog.FetchProgress) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}}
	_, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, []string{"30"}, opts))
	require.NoError(t, err)
	require.False(t, overlap.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 7)
	var final catalog.FetchProgress
	for _, p := range reports {
		require.LessOrEqual(t, p.Current, p.Total)
		require.NotEmpty(t, p.Message)
		if p.Current > final.Current {
			final = p
		}
	}
	require.Equal(t, 7, final.Current)
	require.Equal(t, 7, final.Total)
	require.Equal(t, catalog.PhaseFetching, final.Phase)

	require.Eventually(t, func() bool { return rec.count(progress.StageRunDone) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, rec.count(progress.StageRunStart))
	require.Equal(t, 4, rec.count(progress.StageProbeDone))
	require.Equal(t, 3, rec.count(progress.StageFetchDone))
	require.Equal(t, 1, rec.count(progress.StageStoreDone))
}

func TestFetchCatalogsPacedRunTracksTarget(t *testing.T) {
	t.Parallel()

	const target = 300 * time.Millisecond
	for _, n := range []int{1, 3, 6} {
		t.Run(fmt.Sprintf("%d stores", n), func(t *testing.T) {
			t.Parallel()

			up := newFakeUpstream()
			stores := make([]string, n)
			for i := range stores {
				stores[i] = fmt.Sprint(100 + i)
				up.set(stores[i], "", 5, nil)
			}
			eng := newTestEngine(up, Config{}, nil)

			start := time.Now()
			batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, stores,
				Options{TargetDuration: target}))
			elapsed := time.Since(start)
			require.NoError(t, err)
			require.Len(t, batches, 2*n)
			require.EqualValues(t, 1, up.maxActive.Load())
			require.GreaterOrEqual(t, elapsed, target*8/10)
			require.LessOrEqual(t, elapsed, target*16/10)
		})
	}
}

func TestPacedDelaysAreRecomputedAfterEachStep(t *testing.T) {
	t.Parallel()

	const target = 1200 * time.Millisecond
	tests := []struct {
		name   string
		stores []string
		want   []time.Duration
	}{
		{
			name:   "one store",
			stores: []string{"30"},
			want:   []time.Duration{target / 2, target / 2},
		},
		{
			// The first delay is computed before the second root is probed,
			// so the run lands slightly over target.
			name:   "two stores",
			stores: []string{"30", "31"},
			want:   []time.Duration{target / 3, target / 4, target / 4, target / 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			up := newFakeUpstream()
			for _, store := range tt.stores {
				up.set(store, "", 5, nil)
			}
			eng := newTestEngine(up, Config{}, nil)
			var (
				mu     sync.Mutex
				delays []time.Duration
			)
			eng.sleep = func(ctx context.Context, d time.Duration) error {
				mu.Lock()
				delays = append(delays, d)
				mu.Unlock()
				return ctx.Err()
			}

			batches, err := collect(t, eng.FetchCatalogs(context.Background(), catalog.Credentials{}, tt.stores,
				Options{TargetDuration: target}))
			require.NoError(t, err)
			require.Len(t, batches, 2*len(tt.stores))

			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, tt.want, delays)
		})
	}
}

func TestDoneIsNotSentAfterAbort(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(newFakeUpstream(), Config{}, nil)
	out := make(chan catalog.CatalogBatch, 4)
	r := newRun(eng, catalog.Credentials{}, []string{"30", "40"}, Options{}, uuid.New(), out)
	ctx := context.Background()

	require.NoError(t, r.sendDone(ctx, catalog.DoneBatch("30", 5, 5)))
	require.Len(t, out, 1)

	// ctx is still live and the buffer has room; only the flag stops the send.
	cause := fmt.Errorf("fetch store 40: %w", catalog.ErrUnauthorized)
	r.abort(cause)
	r.abort(errRunAborted)
	require.ErrorIs(t, r.sendDone(ctx, catalog.DoneBatch("40", 5, 5)), errRunAborted)
	require.Len(t, out, 1)
	require.ErrorIs(t, r.fatalErr(), catalog.ErrUnauthorized)
}

func TestPacerDelay(t *testing.T) {
	t.Parallel()

	burst := newPacer(0, 2000)
	require.Equal(t, 2000, burst.workers())
	require.Zero(t, burst.delay(10))

	paced := newPacer(time.Second, 2000)
	require.Equal(t, 1, paced.workers())
	require.Equal(t, 250*time.Millisecond, paced.delay(4))
	require.Equal(t, 333333333*time.Nanosecond, paced.delay(3))
	require.Zero(t, paced.delay(0))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}
