package subscribers

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/events"
)

// EpisodeHistory keeps the most recent episode records and logs every
// logInterval-th one.
type EpisodeHistory struct {
	id          string
	capacity    int
	logInterval int
	logger      zerolog.Logger

	mu      sync.Mutex
	records []events.EpisodeCompletedEvent
	next    int
	seen    int64
}

// NewEpisodeHistory keeps up to capacity records. logInterval <= 0 disables logging.
func NewEpisodeHistory(id string, capacity, logInterval int, logger zerolog.Logger) *EpisodeHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &EpisodeHistory{
		id:          id,
		capacity:    capacity,
		logInterval: logInterval,
		logger:      logger.With().Str("subscriber", "episode_history").Logger(),
		records:     make([]events.EpisodeCompletedEvent, 0, capacity),
	}
}

// ID implements events.Subscriber
func (h *EpisodeHistory) ID() string {
	return h.id
}

// InterestedIn implements events.Subscriber
func (h *EpisodeHistory) InterestedIn(eventType string) bool {
	return eventType == events.TypeEpisodeCompleted
}

// HandleEvent implements events.Subscriber
func (h *EpisodeHistory) HandleEvent(event events.Event) {
	e, ok := event.(*events.EpisodeCompletedEvent)
	if !ok {
		return
	}

	h.mu.Lock()
	if len(h.records) < h.capacity {
		h.records = append(h.records, *e)
	} else {
		h.records[h.next] = *e
	}
	h.next = (h.next + 1) % h.capacity
	h.seen++
	seen := h.seen
	h.mu.Unlock()

	if h.logInterval > 0 && seen%int64(h.logInterval) == 0 {
		h.logger.Info().
			Str("actor_id", e.Source()).
			Int64("episode", e.Episode).
			Float64("episode_return", e.EpisodeReturn).
			Int("episode_length", e.EpisodeLength).
			Int64("param_version", e.ParamVersion).
			Time("timestamp", e.Timestamp()).
			Msg("Episode completed")
	}
}

// Recent returns the retained records, oldest first
func (h *EpisodeHistory) Recent() []events.EpisodeCompletedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]events.EpisodeCompletedEvent, 0, len(h.records))
	if len(h.records) < h.capacity {
		return append(out, h.records...)
	}
	out = append(out, h.records[h.next:]...)
	return append(out, h.records[:h.next]...)
}

// Seen is the number of records handled so far
func (h *EpisodeHistory) Seen() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen
}

// MeanReturn averages the retained records
func (h *EpisodeHistory) MeanReturn() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range h.records {
		sum += r.EpisodeReturn
	}
	return sum / float64(len(h.records))
}
