// Package chunk implements the resumable chunk processor: it enriches the
// records of a primary store in fixed-size, durably committed chunks, fetching
// each distinct target at most once per run.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/metrics"
	"github.com/JakeFAU/policy-crawler/internal/record"
	"github.com/JakeFAU/policy-crawler/internal/store"
	"github.com/JakeFAU/policy-crawler/internal/worker"
)

// ErrNoResult is returned by a handler when the page loaded but held nothing
// to extract. The target is cached as absent.
var ErrNoResult = errors.New("no result")

// Dispatcher fetches a batch of distinct targets and yields the outcomes in
// any order.
type Dispatcher[V any] interface {
	Dispatch(ctx context.Context, targets []string) iter.Seq2[worker.Outcome[V], error]
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc[V any] func(ctx context.Context, targets []string) iter.Seq2[worker.Outcome[V], error]

// Dispatch calls f.
func (f DispatchFunc[V]) Dispatch(ctx context.Context, targets []string) iter.Seq2[worker.Outcome[V], error] {
	return f(ctx, targets)
}

// PoolDispatcher runs handler on p for every dispatched target.
func PoolDispatcher[V any](p *worker.Pool, handler worker.Handler[V]) Dispatcher[V] {
	return DispatchFunc[V](func(ctx context.Context, targets []string) iter.Seq2[worker.Outcome[V], error] {
		return worker.MapUnordered(ctx, p, targets, handler)
	})
}

// Options configures a Processor.
type Options[R record.Record, V any] struct {
	// Stage tags temporary files and metrics.
	Stage   string
	Primary *store.Store[R]
	// Seed holds reference records appended after the primary's. Optional.
	Seed      *store.Store[R]
	ChunkSize int
	// Target returns the fetch target of a record, or "" when it has none.
	Target func(R) string
	// Enrich returns a copy of the record carrying the result.
	Enrich func(R, Result[V]) R
	// WithID returns a copy of the record carrying id.
	WithID     func(R, record.ID) R
	Dispatcher Dispatcher[V]
	Logger     *zap.Logger
}

// Processor runs one resumable enrichment pass over a primary store.
type Processor[R record.Record, V any] struct {
	opts      Options[R, V]
	secondary *store.Store[R]
	cache     *Cache[V]
	logger    *zap.Logger

	replace func(dst string, srcs ...string) error
}

// New validates opts and builds a processor.
func New[R record.Record, V any](opts Options[R, V]) (*Processor[R, V], error) {
	switch {
	case opts.Stage == "":
		return nil, errors.New("chunk processor requires a stage name")
	case opts.Primary == nil:
		return nil, errors.New("chunk processor requires a primary store")
	case opts.ChunkSize <= 0:
		return nil, fmt.Errorf("chunk size must be > 0, got %d", opts.ChunkSize)
	case opts.Target == nil || opts.Enrich == nil || opts.WithID == nil:
		return nil, errors.New("chunk processor requires target, enrich and id functions")
	case opts.Dispatcher == nil:
		return nil, errors.New("chunk processor requires a dispatcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor[R, V]{
		opts:      opts,
		secondary: store.New[R](store.TempPath(opts.Primary.Path(), opts.Stage, "partial")),
		cache:     NewCache[V](),
		logger:    logger.With(zap.String("stage", opts.Stage)),
		replace:   store.AtomicReplace,
	}, nil
}

// Secondary returns the in-progress store.
func (p *Processor[R, V]) Secondary() *store.Store[R] {
	return p.secondary
}

// Run processes every record after the secondary store's checkpoint, commits
// chunk by chunk, then atomically replaces the primary with the result.
func (p *Processor[R, V]) Run(ctx context.Context) error {
	if n, err := p.secondary.TrimPartial(); err != nil {
		return err
	} else if n > 0 {
		p.logger.Warn("discarded torn tail of in-progress store", zap.Int64("bytes", n))
	}

	cp, err := p.secondary.Checkpoint()
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if cp.ID.IsSet() {
		found, err := p.contains(ctx, cp.ID)
		if err != nil {
			return err
		}
		if !found {
			p.logger.Warn("checkpoint not in input, starting over", zap.Stringer("checkpoint", cp.ID))
			if err := p.secondary.Reset(); err != nil {
				return err
			}
			cp = store.Checkpoint{}
		} else {
			p.logger.Info("resuming after checkpoint", zap.Stringer("checkpoint", cp.ID), zap.String("page", cp.Page))
		}
	}

	skipping := cp.ID.IsSet()
	batch := make([]R, 0, p.opts.ChunkSize)
	chunks := 0
	for rec, err := range p.merged(ctx) {
		if err != nil {
			return err
		}
		if skipping {
			if rec.Identity() == cp.ID {
				skipping = false
			}
			continue
		}
		batch = append(batch, rec)
		if len(batch) == p.opts.ChunkSize {
			if err := p.commit(ctx, batch); err != nil {
				return err
			}
			chunks++
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := p.commit(ctx, batch); err != nil {
			return err
		}
		chunks++
	}

	if err := p.replace(p.opts.Primary.Path(), p.secondary.Path()); err != nil {
		return fmt.Errorf("replace %s: %w", p.opts.Primary.Path(), err)
	}
	if err := p.secondary.Remove(); err != nil {
		return err
	}
	p.logger.Info("stage complete",
		zap.Int("chunks", chunks),
		zap.Int("targets", p.cache.Len()),
	)
	return nil
}

// contains reports whether id occurs in the merged input.
func (p *Processor[R, V]) contains(ctx context.Context, id record.ID) (bool, error) {
	for rec, err := range p.merged(ctx) {
		if err != nil {
			return false, err
		}
		if rec.Identity() == id {
			return true, nil
		}
	}
	return false, nil
}

// merged yields the primary records followed by seed records whose target
// the primary does not already carry. Records without an identity get one
// from a generator seeded past the highest identity present, so assignment is
// identical on every pass over unchanged inputs.
func (p *Processor[R, V]) merged(ctx context.Context) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		var zero R
		gen := record.NewIDGen(0)
		known := make(map[string]struct{})
		for rec, err := range p.opts.Primary.Stream(ctx) {
			if err != nil {
				yield(zero, err)
				return
			}
			gen.Observe(rec.Identity())
			if t := p.opts.Target(rec); t != "" {
				known[t] = struct{}{}
			}
		}
		if p.opts.Seed != nil {
			for rec, err := range p.opts.Seed.Stream(ctx) {
				if err != nil {
					yield(zero, err)
					return
				}
				gen.Observe(rec.Identity())
			}
		}

		assign := func(rec R) R {
			if rec.Identity().IsSet() {
				return rec
			}
			return p.opts.WithID(rec, gen.Next())
		}
		for rec, err := range p.opts.Primary.Stream(ctx) {
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(assign(rec), nil) {
				return
			}
		}
		if p.opts.Seed == nil {
			return
		}
		for rec, err := range p.opts.Seed.Stream(ctx) {
			if err != nil {
				yield(zero, err)
				return
			}
			if t := p.opts.Target(rec); t != "" {
				if _, dup := known[t]; dup {
					continue
				}
				known[t] = struct{}{}
			}
			if !yield(assign(rec), nil) {
				return
			}
		}
	}
}

// commit resolves every target in batch, enriches the records in order and
// appends them to the secondary store as one durable write.
func (p *Processor[R, V]) commit(ctx context.Context, batch []R) error {
	targets := make([]string, len(batch))
	var pending []string
	queued := make(map[string]bool)
	hits := 0
	for i, rec := range batch {
		t := p.opts.Target(rec)
		targets[i] = t
		if t == "" {
			continue
		}
		if _, ok := p.cache.Get(t); ok {
			hits++
			continue
		}
		if queued[t] {
			hits++
			continue
		}
		queued[t] = true
		pending = append(pending, t)
	}

	if len(pending) > 0 {
		metrics.ObserveDispatch(p.opts.Stage, len(pending))
		for out, err := range p.opts.Dispatcher.Dispatch(ctx, pending) {
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			res, err := p.resolve(out)
			if err != nil {
				return err
			}
			p.cache.Put(out.Target, res)
		}
	}
	metrics.ObserveDedupHits(p.opts.Stage, hits)

	enriched := make([]R, len(batch))
	for i, rec := range batch {
		res := Absent[V]()
		if targets[i] != "" {
			cached, ok := p.cache.Get(targets[i])
			if !ok {
				return fmt.Errorf("no result collected for %s", targets[i])
			}
			res = cached
		}
		enriched[i] = p.opts.Enrich(rec, res)
	}
	if err := p.secondary.Append(enriched...); err != nil {
		return err
	}
	metrics.ObserveCommit(p.opts.Stage, len(enriched))

	last := enriched[len(enriched)-1]
	p.logger.Info("chunk committed",
		zap.Int("records", len(enriched)),
		zap.Int("dispatched", len(pending)),
		zap.Int("cache_hits", hits),
		zap.Stringer("last_id", last.Identity()),
	)
	return nil
}

func (p *Processor[R, V]) resolve(out worker.Outcome[V]) (Result[V], error) {
	switch {
	case out.Err == nil:
		return Found(out.Value), nil
	case errors.Is(out.Err, ErrNoResult):
		return Absent[V](), nil
	case errors.Is(out.Err, browser.ErrAbandoned):
		p.logger.Warn("target abandoned", zap.String("target", out.Target), zap.Error(out.Err))
		return Absent[V](), nil
	default:
		return Result[V]{}, fmt.Errorf("fetch %s: %w", out.Target, out.Err)
	}
}
