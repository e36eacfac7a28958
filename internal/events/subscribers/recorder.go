package subscribers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/episodelog"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
)

// RecordWriter is the sink EpisodeRecorder appends to
type RecordWriter interface {
	Write(ctx context.Context, records ...episodelog.Record) error
}

// EpisodeRecorder persists every completed episode. Write failures are
// logged and never reach the actor.
type EpisodeRecorder struct {
	id     string
	sink   RecordWriter
	logger zerolog.Logger
}

func NewEpisodeRecorder(id string, sink RecordWriter, logger zerolog.Logger) *EpisodeRecorder {
	return &EpisodeRecorder{
		id:     id,
		sink:   sink,
		logger: logger.With().Str("subscriber", "episode_recorder").Logger(),
	}
}

func (r *EpisodeRecorder) ID() string { return r.id }

func (r *EpisodeRecorder) InterestedIn(eventType string) bool {
	return eventType == events.TypeEpisodeCompleted
}

func (r *EpisodeRecorder) HandleEvent(event events.Event) {
	e, ok := event.(*events.EpisodeCompletedEvent)
	if !ok {
		return
	}
	rec := episodelog.Record{
		ActorID:      e.Source(),
		Episode:      e.Episode,
		Return:       e.EpisodeReturn,
		Length:       e.EpisodeLength,
		ParamVersion: e.ParamVersion,
		CompletedAt:  e.Timestamp(),
	}
	if err := r.sink.Write(context.Background(), rec); err != nil {
		r.logger.Warn().Err(err).Str("actor_id", rec.ActorID).Int64("episode", rec.Episode).
			Msg("Failed to record episode")
	}
}
