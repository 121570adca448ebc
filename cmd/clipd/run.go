package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"clipd/internal/analyze"
	"clipd/internal/blobstore"
	"clipd/internal/cleanup"
	"clipd/internal/clip"
	"clipd/internal/deps"
	"clipd/internal/logging"
	"clipd/internal/preprocess"
	"clipd/internal/queue"
	"clipd/internal/server"
	"clipd/internal/stage"
	"clipd/internal/transcribe"
	"clipd/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the clip pipeline daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), ctx)
		},
	}
}

func runDaemon(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "clipd.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return errors.New("another clipd instance is already running")
	}
	defer func() { _ = lock.Unlock() }()

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	for _, status := range deps.Check(deps.Requirements(cfg)) {
		if !status.Available {
			logger.Warn("external dependency unavailable",
				logging.String("name", status.Name),
				logging.String("detail", status.Detail),
			)
		}
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	gateway, err := blobstore.New(signalCtx, cfg)
	if err != nil {
		return fmt.Errorf("init blob gateway: %w", err)
	}

	cleaner := cleanup.New(cfg, store, gateway, logger)

	handlers := map[queue.Stage]stage.Handler{
		queue.StagePreprocessing: preprocess.New(cfg, gateway, nil, logger),
		queue.StageTranscribing:  transcribe.New(cfg, gateway, nil, logger),
		queue.StageAnalyzing:     analyze.New(cfg, store, nil, logger),
		queue.StageClipping:      clip.New(cfg, store, gateway, nil, logger),
	}
	manager := workflow.NewManager(cfg, store, handlers, cleaner, logger)
	if err := manager.Start(signalCtx); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	defer manager.Stop()

	api := server.New(cfg, store, gateway, cleaner, manager, logger)
	if err := api.Start(signalCtx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	defer api.Stop()

	scheduler, err := startSweepScheduler(signalCtx, cfg.Retention.SweepCron, cleaner, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	logger.Info("clipd daemon running",
		logging.String("api", api.Addr()),
		logging.String("lock", lockPath),
	)
	<-signalCtx.Done()
	logger.Info("clipd daemon shutting down")
	return nil
}

func startSweepScheduler(ctx context.Context, spec string, cleaner *cleanup.Service, logger *slog.Logger) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		result, err := cleaner.Sweep(ctx, cleanup.SweepRequest{RetentionDays: -1})
		if err != nil {
			logger.Error("scheduled sweep failed", logging.Error(err))
			return
		}
		logger.Info("scheduled sweep finished",
			logging.Int("deleted", result.DeletedCount),
			logging.Int64("deleted_bytes", result.DeletedBytes),
			logging.Int("retained", result.RetainedCount),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	scheduler.Start()
	return scheduler, nil
}
