package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartPole_ResetIsSmall(t *testing.T) {
	c := NewCartPole(1, 0)
	obs := c.Reset()

	require.Len(t, obs, c.ObservationSize())
	for _, v := range obs {
		assert.InDelta(t, 0, v, 0.05)
	}
	assert.Equal(t, 2, c.NumActions())
}

func TestCartPole_FallsWhenPushedOneWay(t *testing.T) {
	c := NewCartPole(1, 1000)
	c.Reset()

	var ts TimeStep
	for i := 0; i < 1000; i++ {
		ts = c.Step(1)
		if ts.Done {
			break
		}
	}
	assert.True(t, ts.Done)
	assert.Equal(t, 0.0, ts.Discount)
	assert.Equal(t, 0.0, ts.Reward)
}

func TestCartPole_TruncationKeepsDiscount(t *testing.T) {
	c := NewCartPole(1, 3)
	c.Reset()

	c.Step(0)
	c.Step(1)
	ts := c.Step(0)
	assert.True(t, ts.Done)
	assert.Equal(t, 1.0, ts.Discount)
	assert.Equal(t, 1.0, ts.Reward)
}

func TestCartPole_DeterministicPerSeed(t *testing.T) {
	a := NewCartPole(42, 0)
	b := NewCartPole(42, 0)
	assert.Equal(t, a.Reset(), b.Reset())
	assert.Equal(t, a.Step(1), b.Step(1))
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory("cartpole", 10)
	require.NoError(t, err)
	assert.Equal(t, 4, f(1).ObservationSize())

	_, err = NewFactory("atari", 10)
	assert.Error(t, err)
}
