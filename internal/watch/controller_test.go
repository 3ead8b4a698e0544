package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kmensah/floatwatch/internal/ingest"
	"github.com/kmensah/floatwatch/internal/reconcile"
)

type fakeIngestor struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeIngestor) ProcessFile(_ context.Context, path string) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return ingest.Result{Msisdn: "555"}, nil
}

func (f *fakeIngestor) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeReconciler struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (f *fakeReconciler) Run(context.Context) (reconcile.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return reconcile.Stats{}, f.err
}

func (f *fakeReconciler) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeSyncer struct {
	mu   sync.Mutex
	tags []string
}

func (f *fakeSyncer) Sync(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tag)
	return nil
}

func (f *fakeSyncer) synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags...)
}

func newTestController(t *testing.T) (*Controller, *fakeIngestor, *fakeReconciler, *fakeSyncer) {
	t.Helper()
	tmp := t.TempDir()
	source := filepath.Join(tmp, "incoming")
	work := filepath.Join(tmp, "data")
	require.NoError(t, os.MkdirAll(source, 0o755))
	require.NoError(t, os.MkdirAll(work, 0o755))

	ing := &fakeIngestor{}
	rec := &fakeReconciler{}
	syn := &fakeSyncer{}
	c := &Controller{
		SourceDir:    source,
		WorkDir:      work,
		BatchSize:    100,
		IdleTimeout:  180 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Ingest:       ing,
		Reconcile:    rec,
		Sync:         syn,
		Log:          zerolog.Nop(),
	}
	return c, ing, rec, syn
}

func dropFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("Date,Balance\n2026-01-01,100\n"), 0o644))
}

func TestCycleDrainsAndReconciles(t *testing.T) {
	t.Parallel()
	c, ing, rec, syn := newTestController(t)

	dropFile(t, c.SourceDir, "Transactions_111.csv")
	dropFile(t, c.SourceDir, "Transactions_222.csv")
	dropFile(t, c.SourceDir, "ignore_me.txt")

	state := BatchState{LastActivity: time.Now()}
	c.cycle(context.Background(), &state)

	require.Len(t, ing.processed(), 2)
	require.Equal(t, 2, rec.runCount(), "reconciliation runs after every drained file")
	require.Equal(t, 2, state.Processed)
	require.True(t, state.PendingSync)
	require.Empty(t, syn.synced(), "below the batch threshold")

	// files moved out of source into work
	left, err := os.ReadDir(c.SourceDir)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "ignore_me.txt", left[0].Name())
	_, err = os.Stat(filepath.Join(c.WorkDir, "Transactions_111.csv"))
	require.NoError(t, err)
}

func TestBatchThresholdFiresSyncWithCountTag(t *testing.T) {
	t.Parallel()
	c, _, _, syn := newTestController(t)
	c.BatchSize = 2

	for _, n := range []string{"Transactions_1.csv", "Transactions_2.csv", "Transactions_3.csv"} {
		dropFile(t, c.SourceDir, n)
	}

	state := BatchState{LastActivity: time.Now()}
	c.cycle(context.Background(), &state)

	require.Equal(t, 3, state.Processed)
	require.Equal(t, []string{"2"}, syn.synced(), "exactly one sync, tagged with the running count")
	require.True(t, state.PendingSync, "the third file reopened the batch")
}

func TestBatchThresholdExactMultiple(t *testing.T) {
	t.Parallel()
	c, _, _, syn := newTestController(t)
	c.BatchSize = 2

	dropFile(t, c.SourceDir, "Transactions_1.csv")
	dropFile(t, c.SourceDir, "Transactions_2.csv")

	state := BatchState{LastActivity: time.Now()}
	c.cycle(context.Background(), &state)

	require.Equal(t, []string{"2"}, syn.synced())
	require.False(t, state.PendingSync)
}

func TestIdleTimeoutFlushesPendingBatch(t *testing.T) {
	t.Parallel()
	c, _, _, syn := newTestController(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return base.Add(181 * time.Second) }

	state := BatchState{
		Processed:    1,
		PendingSync:  true,
		LastActivity: base,
	}
	c.cycle(context.Background(), &state)

	require.Equal(t, []string{"final-timeout"}, syn.synced())
	require.False(t, state.PendingSync)

	// a second idle cycle must not fire again
	c.cycle(context.Background(), &state)
	require.Equal(t, []string{"final-timeout"}, syn.synced())
}

func TestIdleWithinTimeoutDoesNothing(t *testing.T) {
	t.Parallel()
	c, _, _, syn := newTestController(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return base.Add(30 * time.Second) }

	state := BatchState{Processed: 1, PendingSync: true, LastActivity: base}
	c.cycle(context.Background(), &state)

	require.Empty(t, syn.synced())
	require.True(t, state.PendingSync)
}

func TestLockedFileRetriedNextCycle(t *testing.T) {
	t.Parallel()
	c, ing, _, _ := newTestController(t)

	dropFile(t, c.SourceDir, "Transactions_1.csv")
	// a non-empty directory squatting on the work path makes both the stale
	// removal and the move fail, standing in for a locked file
	blocked := filepath.Join(c.WorkDir, "Transactions_1.csv")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "held"), 0o755))

	state := BatchState{LastActivity: time.Now()}
	c.cycle(context.Background(), &state)

	require.Empty(t, ing.processed())
	require.Zero(t, state.Processed)
	require.False(t, state.PendingSync)
	_, err := os.Stat(filepath.Join(c.SourceDir, "Transactions_1.csv"))
	require.NoError(t, err, "the file stays in the source dir for the next poll")

	// once the obstruction clears, the same file drains normally
	require.NoError(t, os.RemoveAll(blocked))
	c.cycle(context.Background(), &state)
	require.Len(t, ing.processed(), 1)
	require.Equal(t, 1, state.Processed)
}

func TestStaleWorkFileOverwritten(t *testing.T) {
	t.Parallel()
	c, ing, _, _ := newTestController(t)

	require.NoError(t, os.WriteFile(filepath.Join(c.WorkDir, "Transactions_1.csv"), []byte("old"), 0o644))
	dropFile(t, c.SourceDir, "Transactions_1.csv")

	state := BatchState{LastActivity: time.Now()}
	c.cycle(context.Background(), &state)

	require.Len(t, ing.processed(), 1)
	data, err := os.ReadFile(filepath.Join(c.WorkDir, "Transactions_1.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), "Date,Balance")
}

func TestShutdownFiresFinalManualSync(t *testing.T) {
	t.Parallel()
	c, ing, _, syn := newTestController(t)
	c.IdleTimeout = time.Hour

	dropFile(t, c.SourceDir, "Transactions_1.csv")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ing.processed()) == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}

	require.Equal(t, []string{"final-manual"}, syn.synced())
}

func TestShutdownWithoutPendingSyncIsQuiet(t *testing.T) {
	t.Parallel()
	c, _, _, syn := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	require.Empty(t, syn.synced())
}

func TestMissingSourceDirIsNotFatal(t *testing.T) {
	t.Parallel()
	c, _, _, syn := newTestController(t)
	c.SourceDir = filepath.Join(c.SourceDir, "does-not-exist")

	state := BatchState{LastActivity: time.Now()}
	c.cycle(context.Background(), &state)
	require.Zero(t, state.Processed)
	require.Empty(t, syn.synced())
}
