package subscribers

import (
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/monitoring"
)

// MetricsSubscriber turns run events into prometheus observations
type MetricsSubscriber struct {
	id      string
	metrics *monitoring.Metrics
}

// NewMetricsSubscriber creates a metrics subscriber
func NewMetricsSubscriber(id string, metrics *monitoring.Metrics) *MetricsSubscriber {
	return &MetricsSubscriber{id: id, metrics: metrics}
}

// ID implements events.Subscriber
func (ms *MetricsSubscriber) ID() string {
	return ms.id
}

// InterestedIn implements events.Subscriber
func (ms *MetricsSubscriber) InterestedIn(eventType string) bool {
	switch eventType {
	case events.TypeEpisodeCompleted, events.TypeCheckpointSaved, events.TypeCheckpointFailed, events.TypeTerminateBroadcasted:
		return true
	}
	return false
}

// HandleEvent implements events.Subscriber
func (ms *MetricsSubscriber) HandleEvent(event events.Event) {
	switch e := event.(type) {
	case *events.EpisodeCompletedEvent:
		ms.metrics.Episodes.WithLabelValues(e.Source()).Inc()
		ms.metrics.EpisodeReturn.Observe(e.EpisodeReturn)
		ms.metrics.EpisodeLength.Observe(float64(e.EpisodeLength))
	case *events.CheckpointEvent:
		if e.Error != "" {
			ms.metrics.CheckpointFailures.Inc()
		} else {
			ms.metrics.CheckpointsSaved.Inc()
		}
	case *events.TerminateEvent:
		ms.metrics.Terminations.Inc()
	}
}
