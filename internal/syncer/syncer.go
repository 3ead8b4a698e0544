// Package syncer is the boundary to the external batch-sync collaborator:
// whatever publishes the ledger, report, and history artifacts once a batch
// completes. Local artifacts are durable before a sync is attempted, so a
// failed sync never corrupts state.
package syncer

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// Tags for syncs not triggered by the batch counter.
const (
	TagTimeout = "final-timeout"
	TagManual  = "final-manual"
)

// Syncer publishes the current artifacts, tagged with either the running
// processed count or a terminal tag.
type Syncer interface {
	Sync(ctx context.Context, tag string) error
}

// Nop is the default when no sync command is configured.
type Nop struct{}

func (Nop) Sync(context.Context, string) error { return nil }

// Exec runs a configured external command with the batch tag appended as the
// final argument.
type Exec struct {
	Command string
	Args    []string
	Dir     string
	Log     zerolog.Logger
}

func (e *Exec) Sync(ctx context.Context, tag string) error {
	args := append(append([]string(nil), e.Args...), tag)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = e.Dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		e.Log.Error().Str("tag", tag).Err(err).
			Str("output", string(out)).Msg("batch sync failed")
		return fmt.Errorf("sync %q: %w", tag, err)
	}
	e.Log.Info().Str("tag", tag).Msg("batch sync complete")
	return nil
}
