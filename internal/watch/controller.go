// Package watch runs the polling/batching state machine: it drains export
// files from the source directory through the ingestor, reconciles after
// each file, and decides when to fire the external batch sync.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kmensah/floatwatch/internal/ingest"
	"github.com/kmensah/floatwatch/internal/reconcile"
	"github.com/kmensah/floatwatch/internal/syncer"
)

// Ingestor processes one export file into the ledger.
type Ingestor interface {
	ProcessFile(ctx context.Context, path string) (ingest.Result, error)
}

// Reconciler recomputes the report and history artifacts.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Stats, error)
}

// BatchState is the controller's in-memory batching state. It is reset at
// process start and mutated only by the controller loop; a restart loses a
// partially filled batch (the idle flush bounds how long that batch would
// have waited anyway).
type BatchState struct {
	Processed    int
	PendingSync  bool
	LastActivity time.Time
}

// Controller owns the poll/drain/sync loop.
type Controller struct {
	SourceDir    string
	WorkDir      string
	BatchSize    int
	IdleTimeout  time.Duration
	PollInterval time.Duration

	Ingest    Ingestor
	Reconcile Reconciler
	Sync      syncer.Syncer
	Log       zerolog.Logger

	// Now is a test seam; nil means time.Now.
	Now func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run polls until ctx is cancelled. A directory-change notification wakes
// the loop early; the ticker remains the authority because locked files are
// only retried by re-polling.
func (c *Controller) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return fmt.Errorf("work dir: %w", err)
	}

	state := BatchState{LastActivity: c.now()}

	var wake <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(c.SourceDir); err != nil {
			c.Log.Debug().Str("dir", c.SourceDir).Err(err).
				Msg("source dir not watchable, polling only")
		} else {
			wake = w.Events
		}
		defer w.Close()
	}

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	c.Log.Info().Str("source", c.SourceDir).Str("work", c.WorkDir).
		Int("batch_size", c.BatchSize).Dur("idle_timeout", c.IdleTimeout).
		Msg("watching for export files")

	for {
		c.cycle(ctx, &state)

		select {
		case <-ctx.Done():
			return c.shutdown(&state)
		case <-ticker.C:
		case <-wake:
			// new file landed; drain on the next cycle without waiting
			// out the tick
		}
	}
}

// cycle is one poll iteration: drain matching files if any, otherwise check
// the idle-flush condition.
func (c *Controller) cycle(ctx context.Context, state *BatchState) {
	files, err := c.listExports()
	if err != nil {
		c.Log.Debug().Str("dir", c.SourceDir).Err(err).Msg("source dir unavailable")
		return
	}

	if len(files) == 0 {
		if state.PendingSync && c.now().Sub(state.LastActivity) > c.IdleTimeout {
			c.Log.Info().Dur("idle", c.now().Sub(state.LastActivity)).
				Msg("idle timeout reached, flushing pending batch")
			c.fireSync(ctx, syncer.TagTimeout)
			state.PendingSync = false
		}
		return
	}

	cycleID := uuid.NewString()
	for _, name := range files {
		if ctx.Err() != nil {
			return
		}
		if !c.drainOne(ctx, cycleID, name, state) {
			continue
		}

		if state.Processed%c.BatchSize == 0 {
			c.Log.Info().Int("processed", state.Processed).Msg("batch threshold reached")
			c.fireSync(ctx, strconv.Itoa(state.Processed))
			state.PendingSync = false
		}
	}
}

// drainOne moves a single file into the work dir and runs it through the
// pipeline. Returns false when the file could not be claimed; it stays in
// the source dir and is retried on the next poll.
func (c *Controller) drainOne(ctx context.Context, cycleID, name string, state *BatchState) bool {
	src := filepath.Join(c.SourceDir, name)
	dest := filepath.Join(c.WorkDir, name)

	// a stale same-named file from an earlier drain must go first
	if _, err := os.Stat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			c.Log.Warn().Str("file", name).Err(err).
				Msg("stale work file locked, retrying next cycle")
			return false
		}
	}
	if err := os.Rename(src, dest); err != nil {
		c.Log.Warn().Str("file", name).Err(err).
			Msg("file locked, retrying next cycle")
		return false
	}

	state.Processed++
	state.PendingSync = true
	state.LastActivity = c.now()

	log := c.Log.With().Str("cycle", cycleID).Str("file", name).
		Int("processed", state.Processed).Logger()

	res, err := c.Ingest.ProcessFile(ctx, dest)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("ingest failed")
	case res.Skipped:
		log.Warn().Str("reason", res.Reason).Msg("file skipped")
	default:
		log.Info().Str("msisdn", res.Msisdn).Str("balance", res.Balance.String()).
			Msg("ledger updated")
	}

	if _, err := c.Reconcile.Run(ctx); err != nil {
		if errors.Is(err, reconcile.ErrSourceMissing) {
			log.Debug().Err(err).Msg("reconciliation skipped")
		} else {
			log.Error().Err(err).Msg("reconciliation failed")
		}
	}
	return true
}

// shutdown flushes a pending batch before the process exits. The parent
// context is already cancelled, so the sync gets its own deadline.
func (c *Controller) shutdown(state *BatchState) error {
	if !state.PendingSync {
		return nil
	}
	c.Log.Info().Int("processed", state.Processed).Msg("shutdown with pending batch, final sync")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c.fireSync(ctx, syncer.TagManual)
	state.PendingSync = false
	return nil
}

// fireSync blocks the loop for the duration of the sync. Deliberate: the
// published artifacts always reflect a fully quiesced state before the next
// drain begins.
func (c *Controller) fireSync(ctx context.Context, tag string) {
	if err := c.Sync.Sync(ctx, tag); err != nil {
		// local artifacts are already durable; next trigger retries
		c.Log.Error().Str("tag", tag).Err(err).Msg("batch sync failed")
	}
}

// listExports returns export-named files currently in the source directory.
func (c *Controller) listExports() ([]string, error) {
	entries, err := os.ReadDir(c.SourceDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ingest.AccountFromFileName(e.Name()); ok {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
