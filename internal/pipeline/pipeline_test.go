package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/worker"
)

type fakeStage struct {
	name      string
	needsPool bool
	err       error
	onRun     func(env *Env)
	ran       *[]string
}

func (s fakeStage) Name() string    { return s.name }
func (s fakeStage) NeedsPool() bool { return s.needsPool }

func (s fakeStage) Run(_ context.Context, env *Env) error {
	*s.ran = append(*s.ran, s.name)
	if s.onRun != nil {
		s.onRun(env)
	}
	return s.err
}

func newTestEnv(t *testing.T) (*Env, *observer.ObservedLogs, *int) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	env := NewEnv(config.Config{}, logger, "run-1", worker.Config{
		Workers: 2,
		NewSession: func(int, *zap.Logger) (*browser.Session, error) {
			return nil, errors.New("no browser in tests")
		},
		Logger: logger,
	})
	starts := 0
	env.startPool = func(cfg worker.Config) (*worker.Pool, error) {
		starts++
		return worker.Start(cfg)
	}
	return env, logs, &starts
}

func TestRunnerRunsStagesInOrderWithoutPool(t *testing.T) {
	env, _, starts := newTestEnv(t)
	var ran []string
	runner, err := NewRunner(env,
		fakeStage{name: "a", ran: &ran},
		fakeStage{name: "b", ran: &ran},
	)
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Zero(t, *starts, "no stage needed the pool")
}

func TestRunnerStartsPoolOnceAndClosesOnSuccess(t *testing.T) {
	env, logs, starts := newTestEnv(t)
	var ran []string
	var seen []*worker.Pool
	grab := func(env *Env) {
		p, err := env.Pool()
		require.NoError(t, err)
		seen = append(seen, p)
	}
	runner, err := NewRunner(env,
		fakeStage{name: "export", ran: &ran},
		fakeStage{name: "search", needsPool: true, ran: &ran, onRun: grab},
		fakeStage{name: "download", needsPool: true, ran: &ran, onRun: grab},
	)
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 1, *starts)
	require.Len(t, seen, 2)
	assert.Same(t, seen[0], seen[1])
	assert.Equal(t, 1, logs.FilterMessage("worker pool closed").Len())
	assert.Zero(t, logs.FilterMessage("worker pool terminated").Len())
	assert.Nil(t, env.pool)
}

func TestRunnerTerminatesPoolOnFailure(t *testing.T) {
	env, logs, _ := newTestEnv(t)
	boom := errors.New("boom")
	var ran []string
	runner, err := NewRunner(env,
		fakeStage{name: "search", needsPool: true, ran: &ran, err: boom},
		fakeStage{name: "export", ran: &ran},
	)
	require.NoError(t, err)

	err = runner.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stage search")
	assert.Equal(t, []string{"search"}, ran)
	assert.Equal(t, 1, logs.FilterMessage("worker pool terminated").Len())
	assert.Equal(t, 1, logs.FilterMessage("stage failed").Len())
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	env, logs, _ := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ran []string
	runner, err := NewRunner(env,
		fakeStage{name: "search", needsPool: true, ran: &ran, onRun: func(*Env) { cancel() }},
		fakeStage{name: "download", needsPool: true, ran: &ran},
	)
	require.NoError(t, err)

	err = runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"search"}, ran)
	assert.Equal(t, 1, logs.FilterMessage("worker pool terminated").Len())
}

func TestRunnerPoolStartFailure(t *testing.T) {
	env, _, _ := newTestEnv(t)
	env.startPool = func(worker.Config) (*worker.Pool, error) {
		return nil, errors.New("no chrome")
	}
	var ran []string
	runner, err := NewRunner(env, fakeStage{name: "search", needsPool: true, ran: &ran})
	require.NoError(t, err)

	err = runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")
	assert.Empty(t, ran)
}

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(nil, fakeStage{name: "a"})
	assert.Error(t, err)

	env, _, _ := newTestEnv(t)
	_, err = NewRunner(env)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	var ran []string
	reg.Register("markets", func(config.Config) ([]Stage, error) {
		return []Stage{fakeStage{name: "search", ran: &ran}}, nil
	})
	reg.Register("analytics", func(config.Config) ([]Stage, error) {
		return nil, errors.New("missing patterns")
	})

	assert.Equal(t, []string{"analytics", "markets"}, reg.Names())
	require.NoError(t, reg.Validate("markets"))

	err := reg.Validate("nope")
	require.ErrorIs(t, err, ErrUnknownPipeline)
	assert.Contains(t, err.Error(), "analytics")

	stages, err := reg.Build("markets", config.Config{})
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "search", stages[0].Name())

	_, err = reg.Build("analytics", config.Config{})
	assert.ErrorContains(t, err, "missing patterns")

	_, err = reg.Build("nope", config.Config{})
	assert.ErrorIs(t, err, ErrUnknownPipeline)

	assert.Panics(t, func() {
		reg.Register("markets", func(config.Config) ([]Stage, error) { return nil, nil })
	})
}
