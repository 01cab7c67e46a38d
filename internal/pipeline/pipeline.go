// Package pipeline runs an ordered list of stages. Stages share nothing in
// memory: each reads and writes record stores, so any stage can be re-run on
// its own after a crash.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/worker"
)

// Stage is one step of a pipeline.
type Stage interface {
	Name() string
	// NeedsPool reports whether the stage fetches pages through the worker pool.
	NeedsPool() bool
	Run(ctx context.Context, env *Env) error
}

// Env is what the runner hands to every stage.
type Env struct {
	Config config.Config
	Logger *zap.Logger
	RunID  string

	workers   worker.Config
	startPool func(worker.Config) (*worker.Pool, error)
	pool      *worker.Pool
}

// NewEnv builds an environment whose pool is started from workers on first use.
func NewEnv(cfg config.Config, logger *zap.Logger, runID string, workers worker.Config) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{
		Config:    cfg,
		Logger:    logger,
		RunID:     runID,
		workers:   workers,
		startPool: worker.Start,
	}
}

// Pool returns the worker pool, starting it on the first call.
func (e *Env) Pool() (*worker.Pool, error) {
	if e.pool != nil {
		return e.pool, nil
	}
	p, err := e.startPool(e.workers)
	if err != nil {
		return nil, fmt.Errorf("start worker pool: %w", err)
	}
	e.pool = p
	return p, nil
}

// shutdown stops the pool, if one was started, and waits for every worker.
func (e *Env) shutdown(failed bool) {
	if e.pool == nil {
		return
	}
	if failed {
		e.pool.Terminate()
	} else {
		e.pool.Close()
	}
	e.pool = nil
}

// Runner executes stages in order, each to completion before the next.
type Runner struct {
	stages []Stage
	env    *Env
}

// NewRunner builds a runner over stages.
func NewRunner(env *Env, stages ...Stage) (*Runner, error) {
	if env == nil {
		return nil, errors.New("pipeline runner requires an environment")
	}
	if len(stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	return &Runner{stages: stages, env: env}, nil
}

// Run executes every stage. On failure or cancellation the pool is terminated
// immediately; on success it is closed gracefully. Either way every worker has
// exited when Run returns.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() { r.env.shutdown(err != nil) }()

	for i, st := range r.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := r.env.Logger.With(zap.String("stage", st.Name()), zap.Int("step", i+1))
		if st.NeedsPool() {
			if _, err := r.env.Pool(); err != nil {
				return fmt.Errorf("stage %s: %w", st.Name(), err)
			}
		}

		start := time.Now()
		logger.Info("stage started")
		if err := st.Run(ctx, r.env); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Warn("stage interrupted", zap.Duration("elapsed", time.Since(start)))
			} else {
				logger.Error("stage failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			}
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		logger.Info("stage finished", zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}
