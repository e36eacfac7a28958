package subscribers

import (
	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
)

// LoggerSubscriber logs lifecycle events (stops, checkpoints, termination).
// Per-episode records go through EpisodeHistory instead.
type LoggerSubscriber struct {
	id     string
	logger zerolog.Logger
}

func NewLoggerSubscriber(id string, logger zerolog.Logger) *LoggerSubscriber {
	return &LoggerSubscriber{
		id:     id,
		logger: logger.With().Str("subscriber", "lifecycle_logger").Logger(),
	}
}

func (ls *LoggerSubscriber) ID() string {
	return ls.id
}

func (ls *LoggerSubscriber) InterestedIn(eventType string) bool {
	return eventType != events.TypeEpisodeCompleted
}

func (ls *LoggerSubscriber) HandleEvent(event events.Event) {
	l := ls.logger.With().
		Str("event_type", event.Type()).
		Str("source", event.Source()).
		Time("timestamp", event.Timestamp()).
		Logger()

	switch e := event.(type) {
	case *events.ActorStoppedEvent:
		l.Info().
			Str("reason", e.Reason).
			Int64("episodes", e.Episodes).
			Int64("transitions", e.Transitions).
			Msg("Actor stopped")
	case *events.CheckpointEvent:
		if e.Error != "" {
			l.Warn().Str("name", e.Name).Int64("step", e.Step).Str("error", e.Error).Msg("Checkpoint failed")
			return
		}
		l.Info().Str("name", e.Name).Int64("step", e.Step).Msg("Checkpoint saved")
	case *events.TerminateEvent:
		l.Info().Int64("steps_completed", e.StepsCompleted).Msg("Termination broadcast")
	default:
		l.Debug().Msg("Unhandled lifecycle event")
	}
}
