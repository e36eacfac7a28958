package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/testutil"
)

func createTestTransition(action int, priority float64) Transition {
	return Transition{
		Observation:     []float64{float64(action)},
		Action:          action,
		Reward:          1,
		Discount:        0.99,
		NextObservation: []float64{float64(action + 1)},
		Priority:        priority,
	}
}

func fill(t *testing.T, table *Table, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, table.Insert(context.Background(), []Transition{createTestTransition(i, 1)}))
	}
}

func TestTable_Creation(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 10}, zerolog.Nop())

	info, err := table.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, info.Capacity)
	assert.Equal(t, 0, info.CurrentSize)
}

func TestTable_CircularBehavior(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 3, PriorityExponent: 1}, zerolog.Nop())
	fill(t, table, 5)

	info, err := table.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.CurrentSize)
	assert.Equal(t, int64(5), info.TotalInserted)
	assert.Equal(t, int64(2), info.TotalDropped)

	// Only actions 2, 3 and 4 survive eviction
	batch, err := table.Sample(context.Background(), 3)
	require.NoError(t, err)
	for _, tr := range batch.Transitions {
		assert.GreaterOrEqual(t, tr.Action, 2)
	}
}

func TestTable_SampleInsufficient(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 10}, zerolog.Nop())
	fill(t, table, 3)

	_, err := table.Sample(context.Background(), 4)
	assert.ErrorIs(t, err, ErrUnavailable)

	batch, err := table.Sample(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Len())
	assert.Len(t, batch.Probabilities, 3)
}

func TestTable_SampleFollowsPriority(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 10, PriorityExponent: 1, Seed: 7}, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, table.Insert(ctx, []Transition{
		createTestTransition(0, 0),
		createTestTransition(1, 1),
	}))

	batch, err := table.Sample(ctx, 2)
	require.NoError(t, err)
	for i, tr := range batch.Transitions {
		assert.Equal(t, 1, tr.Action)
		assert.InDelta(t, 1.0, batch.Probabilities[i], 1e-12)
	}
}

func TestTable_UpdatePriorities(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 4, PriorityExponent: 1, Seed: 3}, zerolog.Nop())
	ctx := context.Background()
	fill(t, table, 2)

	batch, err := table.Sample(ctx, 2)
	require.NoError(t, err)

	// Zero out every key but action 1
	keys := []uint64{0, 1}
	require.NoError(t, table.UpdatePriorities(ctx, keys, []float64{0, 5}))

	batch, err = table.Sample(ctx, 2)
	require.NoError(t, err)
	for _, tr := range batch.Transitions {
		assert.Equal(t, 1, tr.Action)
		assert.Equal(t, 5.0, tr.Priority)
	}

	// Evicted keys are ignored, bad input is rejected
	assert.NoError(t, table.UpdatePriorities(ctx, []uint64{999}, []float64{1}))
	assert.Error(t, table.UpdatePriorities(ctx, keys, []float64{1}))
	assert.ErrorIs(t, table.UpdatePriorities(ctx, keys, []float64{-1, 1}), ErrInvalidPriority)
}

func TestTable_Close(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 4}, zerolog.Nop())
	require.NoError(t, table.Close())
	require.NoError(t, table.Close())

	assert.ErrorIs(t, table.Insert(context.Background(), []Transition{createTestTransition(0, 1)}), ErrClosed)
	_, err := table.Sample(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

type flakyService struct {
	Service
	failures int
	calls    int
	err      error
}

func (f *flakyService) Insert(ctx context.Context, items []Transition) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Service.Insert(ctx, items)
}

func TestRetrying_RecoversFromTransientFailures(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 4}, zerolog.Nop())
	flaky := &flakyService{Service: table, failures: 2, err: ErrUnavailable}
	svc := NewRetrying(flaky, testutil.FastRetryPolicy(5), zerolog.Nop())

	require.NoError(t, svc.Insert(context.Background(), []Transition{createTestTransition(0, 1)}))
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, table.Size())
}

func TestRetrying_GivesUpAfterBudget(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 4}, zerolog.Nop())
	flaky := &flakyService{Service: table, failures: 100, err: ErrUnavailable}
	svc := NewRetrying(flaky, testutil.FastRetryPolicy(3), zerolog.Nop())

	err := svc.Insert(context.Background(), []Transition{createTestTransition(0, 1)})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetrying_DoesNotRetryPermanentErrors(t *testing.T) {
	table := NewTable(TableConfig{Capacity: 4}, zerolog.Nop())
	boom := errors.New("boom")
	flaky := &flakyService{Service: table, failures: 100, err: boom}
	svc := NewRetrying(flaky, testutil.FastRetryPolicy(5), zerolog.Nop())

	err := svc.Insert(context.Background(), []Transition{createTestTransition(0, 1)})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, flaky.calls)
}
