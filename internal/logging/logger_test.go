package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)

		wrapped, agg := Aggregated(logger, 4)
		wrapped.Named("worker").Info("logger ready")
		require.NoError(t, agg.Close())
	}
}
