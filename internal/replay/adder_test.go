package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInserter struct {
	items []Transition
	calls int
}

func (r *recordingInserter) Insert(_ context.Context, items []Transition) error {
	r.calls++
	r.items = append(r.items, items...)
	return nil
}

func obs(v float64) []float64 { return []float64{v} }

func TestNStepAdder_Validation(t *testing.T) {
	_, err := NewNStepAdder(nil, 1, 0.9)
	assert.Error(t, err)
	_, err = NewNStepAdder(&recordingInserter{}, 0, 0.9)
	assert.Error(t, err)
	_, err = NewNStepAdder(&recordingInserter{}, 1, 1.5)
	assert.Error(t, err)

	adder, err := NewNStepAdder(&recordingInserter{}, 1, 0.9)
	require.NoError(t, err)
	assert.Error(t, adder.Add(context.Background(), 0, 1, 1, obs(1), false))
}

func TestNStepAdder_OneStep(t *testing.T) {
	rec := &recordingInserter{}
	adder, err := NewNStepAdder(rec, 1, 0.9)
	require.NoError(t, err)
	ctx := context.Background()

	adder.AddFirst(obs(0))
	require.NoError(t, adder.Add(ctx, 1, 2, 1, obs(1), false))
	require.NoError(t, adder.Add(ctx, 0, 3, 0, obs(2), true))

	require.Len(t, rec.items, 2)
	assert.Equal(t, obs(0), rec.items[0].Observation)
	assert.Equal(t, obs(1), rec.items[0].NextObservation)
	assert.Equal(t, 2.0, rec.items[0].Reward)
	assert.InDelta(t, 0.9, rec.items[0].Discount, 1e-12)
	assert.Equal(t, 0.0, rec.items[1].Discount)
	assert.Equal(t, int64(2), adder.Inserted())
}

func TestNStepAdder_ThreeStepReturnsInOrder(t *testing.T) {
	rec := &recordingInserter{}
	adder, err := NewNStepAdder(rec, 3, 0.5)
	require.NoError(t, err)
	ctx := context.Background()

	adder.AddFirst(obs(0))
	// rewards 1, 2, 4, 8; episode ends on the 4th step
	require.NoError(t, adder.Add(ctx, 0, 1, 1, obs(1), false))
	require.NoError(t, adder.Add(ctx, 1, 2, 1, obs(2), false))
	assert.Empty(t, rec.items)

	require.NoError(t, adder.Add(ctx, 2, 4, 1, obs(3), false))
	require.Len(t, rec.items, 1)
	assert.Equal(t, 1.0+0.5*2+0.25*4, rec.items[0].Reward)
	assert.Equal(t, 0.125, rec.items[0].Discount)
	assert.Equal(t, obs(3), rec.items[0].NextObservation)

	require.NoError(t, adder.Add(ctx, 3, 8, 0, obs(4), true))
	require.Len(t, rec.items, 4)

	// Temporal order is preserved and tails are truncated
	for i, tr := range rec.items {
		assert.Equal(t, i, tr.Action)
		assert.Equal(t, DefaultPriority, tr.Priority)
	}
	assert.Equal(t, 2.0+0.5*4+0.25*8, rec.items[1].Reward)
	assert.Equal(t, 0.0, rec.items[1].Discount)
	assert.Equal(t, 4.0+0.5*8, rec.items[2].Reward)
	assert.Equal(t, 8.0, rec.items[3].Reward)
	assert.Equal(t, obs(4), rec.items[3].NextObservation)
}

func TestNStepAdder_NewEpisodeResetsWindow(t *testing.T) {
	rec := &recordingInserter{}
	adder, err := NewNStepAdder(rec, 2, 1)
	require.NoError(t, err)
	ctx := context.Background()

	adder.AddFirst(obs(0))
	require.NoError(t, adder.Add(ctx, 0, 1, 0, obs(1), true))
	adder.AddFirst(obs(10))
	require.NoError(t, adder.Add(ctx, 5, 1, 1, obs(11), false))
	require.NoError(t, adder.Add(ctx, 6, 1, 1, obs(12), false))

	require.Len(t, rec.items, 2)
	assert.Equal(t, obs(10), rec.items[1].Observation)
	assert.Equal(t, 2.0, rec.items[1].Reward)
}
