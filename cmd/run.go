package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/id/uuid"
	"github.com/JakeFAU/policy-crawler/internal/logging"
	"github.com/JakeFAU/policy-crawler/internal/metrics"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
	"github.com/JakeFAU/policy-crawler/internal/stages"
)

// logBuffer is the aggregator's queue depth.
const logBuffer = 1024

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	reg := stages.Registry()
	if err := reg.Validate(cfg.Pipeline); err != nil {
		return err
	}
	if err := cfg.Paths.Prepare(); err != nil {
		return err
	}

	base, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	logger, agg := logging.Aggregated(base, logBuffer)
	defer func() { _ = agg.Close() }()

	runID, err := uuid.RunID()
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", runID), zap.String("pipeline", cfg.Pipeline))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	list, err := reg.Build(cfg.Pipeline, cfg)
	if err != nil {
		return err
	}
	workers, err := stages.Workers(cfg, logger)
	if err != nil {
		return err
	}
	runner, err := pipeline.NewRunner(pipeline.NewEnv(cfg, logger, runID, workers), list...)
	if err != nil {
		return err
	}

	logger.Info("pipeline started", zap.Int("stages", len(list)), zap.Int("workers", workers.Workers))
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("pipeline interrupted; committed chunks are kept")
		} else {
			logger.Error("pipeline failed", zap.Error(err))
		}
		return fmt.Errorf("pipeline %s: %w", cfg.Pipeline, err)
	}
	logger.Info("pipeline finished")
	return nil
}
