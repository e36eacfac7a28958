package subscribers

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/episodelog"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
)

type failingSink struct{}

func (failingSink) Write(context.Context, ...episodelog.Record) error {
	return errors.New("disk full")
}

func TestEpisodeRecorderPersistsEpisodes(t *testing.T) {
	dir := t.TempDir()
	sink, err := episodelog.Open(episodelog.Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	defer sink.Close()

	bus := events.NewEventBus(zerolog.Nop())
	bus.Subscribe(NewEpisodeRecorder("recorder", sink, zerolog.Nop()))

	bus.Publish(events.NewEpisodeCompletedEvent("actor-0", 1, 21, 21, 3))
	bus.Publish(events.NewActorStoppedEvent("actor-0", "goal", 1, 21))
	bus.Publish(events.NewEpisodeCompletedEvent("actor-1", 1, 9, 9, 4))

	got, err := episodelog.ReadDir(context.Background(), dir, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "actor-0", got[0].ActorID)
	assert.Equal(t, 21.0, got[0].Return)
	assert.Equal(t, int64(3), got[0].ParamVersion)
	assert.Equal(t, "actor-1", got[1].ActorID)
}

func TestEpisodeRecorderLogsWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	r := NewEpisodeRecorder("recorder", failingSink{}, zerolog.New(&buf))

	r.HandleEvent(events.NewEpisodeCompletedEvent("actor-0", 4, 1, 1, 0))
	assert.Contains(t, buf.String(), "Failed to record episode")
	assert.Contains(t, buf.String(), "disk full")
}
