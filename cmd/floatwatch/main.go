package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/kmensah/floatwatch/internal/config"
	"github.com/kmensah/floatwatch/internal/database"
	"github.com/kmensah/floatwatch/internal/database/repository"
	"github.com/kmensah/floatwatch/internal/ingest"
	"github.com/kmensah/floatwatch/internal/logging"
	"github.com/kmensah/floatwatch/internal/reconcile"
	"github.com/kmensah/floatwatch/internal/syncer"
	"github.com/kmensah/floatwatch/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New("floatwatch", cfg.Log.Level)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("mkdir db dir")
	}

	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger := repository.NewLedgerRepo(db)

	if cfg.Watch.ResetOnStart {
		logger.Info().Msg("resetting ledger and report for a from-scratch rebuild")
		if err := ledger.Clear(ctx); err != nil {
			logger.Fatal().Err(err).Msg("clear ledger")
		}
		for _, p := range []string{cfg.Artifacts.Ledger, cfg.Artifacts.Report} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn().Str("path", p).Err(err).Msg("could not remove stale artifact")
			}
		}
	}

	processor := &ingest.Processor{
		Ledger:         ledger,
		LedgerArtifact: cfg.Artifacts.Ledger,
		Log:            logging.New("ingest", cfg.Log.Level),
	}

	engine := &reconcile.Engine{
		Ledger:            ledger,
		TargetPath:        cfg.Artifacts.Target,
		ReportPath:        cfg.Artifacts.Report,
		HistoryPath:       cfg.Artifacts.History,
		ShortageThreshold: decimal.NewFromFloat(cfg.Reconcile.ShortageThreshold),
		Log:               logging.New("reconcile", cfg.Log.Level),
	}

	var sync syncer.Syncer = syncer.Nop{}
	if cfg.Sync.Command != "" {
		sync = &syncer.Exec{
			Command: cfg.Sync.Command,
			Args:    cfg.Sync.Args,
			Dir:     cfg.Sync.Dir,
			Log:     logging.New("sync", cfg.Log.Level),
		}
	}

	controller := &watch.Controller{
		SourceDir:    cfg.Watch.SourceDir,
		WorkDir:      cfg.Watch.WorkDir,
		BatchSize:    cfg.Batch.Size,
		IdleTimeout:  cfg.Batch.IdleTimeout,
		PollInterval: cfg.Batch.PollInterval,
		Ingest:       processor,
		Reconcile:    engine,
		Sync:         sync,
		Log:          logging.New("watch", cfg.Log.Level),
	}

	if err := controller.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("controller stopped")
		os.Exit(1)
	}
}
