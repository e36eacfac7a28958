package events

const (
	TypeEpisodeCompleted     = "actor.episode_completed"
	TypeActorStopped         = "actor.stopped"
	TypeCheckpointSaved      = "learner.checkpoint_saved"
	TypeCheckpointFailed     = "learner.checkpoint_failed"
	TypeTerminateBroadcasted = "learner.terminate_broadcasted"
)

// EpisodeCompletedEvent is the per-episode progress record of an actor
type EpisodeCompletedEvent struct {
	header
	Episode       int64   `json:"episode"`
	EpisodeReturn float64 `json:"episode_return"`
	EpisodeLength int     `json:"episode_length"`
	ParamVersion  int64   `json:"param_version"`
}

// NewEpisodeCompletedEvent stamps a record for actorID
func NewEpisodeCompletedEvent(actorID string, episode int64, ret float64, length int, version int64) *EpisodeCompletedEvent {
	return &EpisodeCompletedEvent{
		header:        stamp(TypeEpisodeCompleted, actorID),
		Episode:       episode,
		EpisodeReturn: ret,
		EpisodeLength: length,
		ParamVersion:  version,
	}
}

// ActorStoppedEvent is published once when an actor leaves its loop
type ActorStoppedEvent struct {
	header
	Reason      string `json:"reason"`
	Episodes    int64  `json:"episodes"`
	Transitions int64  `json:"transitions"`
}

// NewActorStoppedEvent stamps a stop record for actorID
func NewActorStoppedEvent(actorID, reason string, episodes, transitions int64) *ActorStoppedEvent {
	return &ActorStoppedEvent{
		header:      stamp(TypeActorStopped, actorID),
		Reason:      reason,
		Episodes:    episodes,
		Transitions: transitions,
	}
}

// CheckpointEvent reports a checkpoint attempt by the learner
type CheckpointEvent struct {
	header
	Name  string `json:"name"`
	Step  int64  `json:"step"`
	Error string `json:"error,omitempty"`
}

// NewCheckpointEvent builds a saved or failed event depending on err
func NewCheckpointEvent(source, name string, step int64, err error) *CheckpointEvent {
	e := &CheckpointEvent{
		header: stamp(TypeCheckpointSaved, source),
		Name:   name,
		Step:   step,
	}
	if err != nil {
		e.Kind = TypeCheckpointFailed
		e.Error = err.Error()
	}
	return e
}

// TerminateEvent is published when the learner broadcasts termination
type TerminateEvent struct {
	header
	StepsCompleted int64 `json:"steps_completed"`
}

// NewTerminateEvent stamps a termination record
func NewTerminateEvent(source string, steps int64) *TerminateEvent {
	return &TerminateEvent{
		header:         stamp(TypeTerminateBroadcasted, source),
		StepsCompleted: steps,
	}
}
