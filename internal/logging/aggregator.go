package logging

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

type logMessage struct {
	core   zapcore.Core
	entry  zapcore.Entry
	fields []zapcore.Field
	synced chan struct{}
}

// Aggregator is a zapcore.Core that hands every entry to a single goroutine
// over a buffered channel. Entries reach the inner core in the order the
// aggregator received them, whatever goroutine emitted them.
type Aggregator struct {
	inner  zapcore.Core
	shared *aggregatorState
}

type aggregatorState struct {
	messages chan logMessage
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	once     sync.Once
}

// NewAggregator starts the writer goroutine. Call Close to drain and stop it.
func NewAggregator(inner zapcore.Core, buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 1024
	}
	state := &aggregatorState{
		messages: make(chan logMessage, buffer),
		done:     make(chan struct{}),
	}
	go state.drain()
	return &Aggregator{inner: inner, shared: state}
}

func (s *aggregatorState) drain() {
	defer close(s.done)
	for msg := range s.messages {
		if msg.synced != nil {
			_ = msg.core.Sync()
			close(msg.synced)
			continue
		}
		_ = msg.core.Write(msg.entry, msg.fields)
	}
}

// Enabled implements zapcore.LevelEnabler.
func (a *Aggregator) Enabled(level zapcore.Level) bool {
	return a.inner.Enabled(level)
}

// With implements zapcore.Core. The derived core shares the writer goroutine.
func (a *Aggregator) With(fields []zapcore.Field) zapcore.Core {
	return &Aggregator{
		inner:  a.inner.With(fields),
		shared: a.shared,
	}
}

// Check implements zapcore.Core.
func (a *Aggregator) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if a.Enabled(entry.Level) {
		return ce.AddCore(entry, a)
	}
	return ce
}

// Write enqueues the entry. After Close the entry is written synchronously so
// late shutdown messages are not lost. DPanic and above are written and synced
// before Write returns, after everything queued ahead of them, because zap may
// panic or exit as soon as Write returns.
func (a *Aggregator) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	a.shared.mu.RLock()
	defer a.shared.mu.RUnlock()
	if a.shared.closed {
		return a.inner.Write(entry, fields)
	}
	if entry.Level >= zapcore.DPanicLevel {
		synced := make(chan struct{})
		a.shared.messages <- logMessage{core: a.inner, synced: synced}
		<-synced
		err := a.inner.Write(entry, fields)
		_ = a.inner.Sync()
		return err
	}
	a.shared.messages <- logMessage{core: a.inner, entry: entry, fields: fields}
	return nil
}

// Sync waits until everything queued so far has been written, then syncs the inner core.
func (a *Aggregator) Sync() error {
	a.shared.mu.RLock()
	if a.shared.closed {
		a.shared.mu.RUnlock()
		_ = a.inner.Sync()
		return nil
	}
	synced := make(chan struct{})
	a.shared.messages <- logMessage{core: a.inner, synced: synced}
	a.shared.mu.RUnlock()
	<-synced
	return nil
}

// Close drains pending entries, stops the writer goroutine and syncs the inner
// core on a best-effort basis (stderr cannot be synced on every platform).
func (a *Aggregator) Close() error {
	a.shared.once.Do(func() {
		a.shared.mu.Lock()
		a.shared.closed = true
		close(a.shared.messages)
		a.shared.mu.Unlock()
	})
	<-a.shared.done
	_ = a.inner.Sync()
	return nil
}
