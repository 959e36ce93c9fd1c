package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/redloop/redloop/pkg/log"
	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
	"github.com/redloop/redloop/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_SweepEvictsExpiredTerminal(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(log.WithModule("test"))
	ctx := context.Background()

	_, err := s.ApplyExecutionState(ctx, "done", models.ExecutionStateSuccess, "")
	require.NoError(t, err)

	_, err = s.ApplyExecutionState(ctx, "live", models.ExecutionStateRunning, "")
	require.NoError(t, err)

	// Negative retention places the cutoff in the future, so the record
	// that just completed is already expired.
	sweeper := store.NewSweeper(s, -time.Minute, log.WithModule("test"))
	sweeper.Sweep(ctx)

	record, err := s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateUnknown, record.State)

	record, err = s.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateRunning, record.State)
}

func TestSweeper_DisabledWithoutRetention(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(log.WithModule("test"))
	sweeper := store.NewSweeper(s, 0, log.WithModule("test"))

	require.NoError(t, sweeper.Start(context.Background(), "@every 1s"))
}
