// Package worker runs a fixed set of long-lived workers, each owning exactly
// one browser session for the life of the pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/metrics"
)

// ErrClosed is reported when work is submitted to a pool that is shutting down.
var ErrClosed = errors.New("worker pool closed")

// SessionFactory builds the session a worker keeps for its lifetime.
type SessionFactory func(worker int, logger *zap.Logger) (*browser.Session, error)

// Config is fixed when the pool starts.
type Config struct {
	Workers    int
	NewSession SessionFactory
	Logger     *zap.Logger
}

// task runs on whichever worker picks it up.
type task func(ctx context.Context, sess *browser.Session, logger *zap.Logger)

// Pool is a fixed-size set of workers.
type Pool struct {
	tasks  chan task
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	quitOnce sync.Once
	size     int
}

// Start launches cfg.Workers workers. Sessions are created lazily, on each
// worker's first task.
func Start(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be > 0, got %d", cfg.Workers)
	}
	if cfg.NewSession == nil {
		return nil, errors.New("worker pool requires a session factory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan task),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		size:   cfg.Workers,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i, cfg.NewSession, logger.Named("worker").With(zap.Int("worker", i)))
	}
	logger.Info("worker pool started", zap.Int("workers", cfg.Workers))
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) run(id int, factory SessionFactory, logger *zap.Logger) {
	defer p.wg.Done()

	var sess *browser.Session
	defer func() {
		if sess != nil {
			if err := sess.Close(); err != nil {
				logger.Warn("close session", zap.Error(err))
			}
		}
		logger.Debug("worker stopped")
		_ = logger.Sync()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.quit:
			return
		case t := <-p.tasks:
			if p.ctx.Err() != nil {
				return
			}
			if sess == nil {
				s, err := factory(id, logger)
				if err != nil {
					logger.Error("create session", zap.Error(err))
					t(p.ctx, nil, logger)
					continue
				}
				sess = s
			}
			metrics.IncActiveWorkers()
			t(p.ctx, sess, logger)
			metrics.DecActiveWorkers()
		}
	}
}

// Close stops the pool once in-flight tasks finish: each worker closes its
// session and flushes its logs before exiting. Close blocks until all workers
// have exited.
func (p *Pool) Close() {
	p.quitOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	p.cancel()
	p.logger.Info("worker pool closed")
}

// Terminate cancels in-flight tasks and waits for every worker to exit.
func (p *Pool) Terminate() {
	p.cancel()
	p.quitOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	p.logger.Warn("worker pool terminated")
}

func (p *Pool) done() error {
	select {
	case <-p.ctx.Done():
		return ErrClosed
	case <-p.quit:
		return ErrClosed
	default:
		return nil
	}
}

// Handler computes a result for one target using the worker's session.
type Handler[T any] func(ctx context.Context, sess *browser.Session, logger *zap.Logger, target string) (T, error)

// Outcome pairs a target with its result. Err is the handler's error.
type Outcome[T any] struct {
	Target string
	Value  T
	Err    error
}

// MapUnordered runs handler for every target on the pool and yields outcomes
// in completion order. The second value is non-nil only when collection
// itself fails: ctx ended or the pool shut down. Stopping early leaves the
// remaining tasks to finish in the background.
func MapUnordered[T any](ctx context.Context, p *Pool, targets []string, handler Handler[T]) iter.Seq2[Outcome[T], error] {
	return func(yield func(Outcome[T], error) bool) {
		if len(targets) == 0 {
			return
		}
		if err := p.done(); err != nil {
			yield(Outcome[T]{}, err)
			return
		}

		results := make(chan Outcome[T], len(targets))
		stop := make(chan struct{})
		defer close(stop)

		go func() {
			for _, target := range targets {
				t := func(wctx context.Context, sess *browser.Session, logger *zap.Logger) {
					out := Outcome[T]{Target: target}
					if sess == nil {
						out.Err = errors.New("worker has no browser session")
					} else {
						out.Value, out.Err = safeCall(wctx, handler, sess, logger, target)
					}
					results <- out
				}
				select {
				case p.tasks <- t:
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-p.ctx.Done():
					return
				case <-p.quit:
					return
				}
			}
		}()

		for received := 0; received < len(targets); received++ {
			if err := ctx.Err(); err != nil {
				yield(Outcome[T]{}, err)
				return
			}
			select {
			case out := <-results:
				if !yield(out, nil) {
					return
				}
			case <-ctx.Done():
				yield(Outcome[T]{}, ctx.Err())
				return
			case <-p.ctx.Done():
				yield(Outcome[T]{}, ErrClosed)
				return
			}
		}
	}
}

func safeCall[T any](ctx context.Context, handler Handler[T], sess *browser.Session, logger *zap.Logger, target string) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", zap.String("target", target), zap.Any("panic", r))
			err = fmt.Errorf("handler panic on %s: %v", target, r)
		}
	}()
	return handler(ctx, sess, logger, target)
}
