package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/config"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/refresh"
)

type fakeApp struct {
	mu       sync.Mutex
	stores   []string
	target   time.Duration
	err      error
	served   bool
	closed   int
	progress []catalog.FetchProgress
}

func (f *fakeApp) Refresh(_ context.Context, stores []string, opts refresh.Options) (refresh.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = stores
	f.target = opts.TargetDuration
	if opts.OnProgress != nil {
		opts.OnProgress(catalog.FetchProgress{Phase: catalog.PhaseFetching, Current: 1, Total: 1})
	}
	if f.err != nil {
		return refresh.Summary{}, f.err
	}
	results := make([]catalog.StoreResult, 0, len(stores))
	for _, store := range stores {
		results = append(results, catalog.StoreResult{Store: store, Coverage: 1, Committed: true})
	}
	return refresh.Summary{RunID: "run", Results: results}, nil
}

func (f *fakeApp) Serve(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// withFakeApp swaps the factory; tests using it must not run in parallel.
func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func runRoot(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(new(nopWriter))
	cmd.SetErr(new(nopWriter))
	return cmd.ExecuteContext(context.Background())
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestFetchCommandRefreshesStores(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	err := runRoot(t, "fetch", "--store", "30", "--store", "40", "--target-duration", "90s")
	require.NoError(t, err)
	require.Equal(t, []string{"30", "40"}, fake.stores)
	require.Equal(t, 90*time.Second, fake.target)
	require.Equal(t, 1, fake.closed)
}

func TestFetchCommandUsesConfiguredStores(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  stores: [\"50\"]\n  target_duration: 1m\n"), 0o600))

	require.NoError(t, runRoot(t, "fetch", "--config", path))
	require.Equal(t, []string{"50"}, fake.stores)
	require.Equal(t, time.Minute, fake.target)
}

func TestFetchCommandFailsOnFatalError(t *testing.T) {
	fake := &fakeApp{err: errors.New("refresh: upstream rejected credentials")}
	withFakeApp(t, fake)

	err := runRoot(t, "fetch", "--store", "30")
	require.ErrorContains(t, err, "rejected credentials")
	require.Equal(t, 1, fake.closed)
}

func TestFetchCommandRequiresStores(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	err := runRoot(t, "fetch")
	require.ErrorContains(t, err, "--store")
}

func TestServeCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	require.NoError(t, runRoot(t, "serve"))
	require.True(t, fake.served)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  provider: s3\n"), 0o600))

	err := runRoot(t, "fetch", "--store", "30", "--config", path)
	require.ErrorContains(t, err, "unknown storage.provider")
}
