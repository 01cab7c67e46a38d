package logging

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAggregatorFunnelsConcurrentWorkers(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	logger, agg := Aggregated(zap.New(core), 8)

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			wl := logger.Named("worker").With(zap.Int("worker", index))
			for i := 0; i < perWorker; i++ {
				wl.Info(fmt.Sprintf("task %d", i))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, agg.Close())

	entries := logs.All()
	require.Len(t, entries, workers*perWorker)

	// Each worker's own entries keep their emission order and stay attributable.
	next := make(map[int64]int)
	for _, e := range entries {
		assert.Equal(t, "worker", e.LoggerName)
		id := e.ContextMap()["worker"].(int64)
		assert.Equal(t, fmt.Sprintf("task %d", next[id]), e.Message)
		next[id]++
	}
}

func TestAggregatorSyncFlushesQueuedEntries(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger, agg := Aggregated(zap.New(core), 64)
	defer agg.Close() //nolint:errcheck // test cleanup

	for i := 0; i < 10; i++ {
		logger.Debug("queued")
	}
	require.NoError(t, logger.Sync())
	assert.Equal(t, 10, logs.Len())
}

func TestAggregatorWritesAfterClose(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	logger, agg := Aggregated(zap.New(core), 1)
	require.NoError(t, agg.Close())
	require.NoError(t, agg.Close())

	logger.Info("late")
	assert.Equal(t, 1, logs.Len())
	assert.False(t, agg.Enabled(zapcore.DebugLevel))
}

func TestAggregatorWritesPanicEntriesBeforeReturning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	agg := NewAggregator(core, 64)
	defer agg.Close() //nolint:errcheck // test cleanup

	for i := 0; i < 5; i++ {
		require.NoError(t, agg.Write(zapcore.Entry{Level: zapcore.InfoLevel, Message: fmt.Sprintf("queued %d", i)}, nil))
	}
	require.NoError(t, agg.Write(zapcore.Entry{Level: zapcore.FatalLevel, Message: "last words"}, nil))

	// No Sync or Close: the fatal entry and everything ahead of it are already out.
	entries := logs.AllUntimed()
	require.Len(t, entries, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("queued %d", i), entries[i].Message)
	}
	assert.Equal(t, "last words", entries[5].Message)
	assert.Equal(t, zapcore.FatalLevel, entries[5].Level)
}
