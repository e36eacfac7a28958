package actor

import (
	"fmt"
	"time"
)

// Phase is where an actor is in its episode loop
type Phase int

const (
	// PhaseRunning - playing an episode
	PhaseRunning Phase = iota

	// PhaseCheckStop - between episodes, evaluating the goal and termination flag
	PhaseCheckStop

	// PhaseStopped - final state
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "Running"
	case PhaseCheckStop:
		return "CheckStop"
	case PhaseStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// IsTerminal reports whether the actor has left its loop
func (p Phase) IsTerminal() bool {
	return p == PhaseStopped
}

// AllowedTransitions lists the phases reachable from p
func (p Phase) AllowedTransitions() []Phase {
	switch p {
	case PhaseRunning:
		return []Phase{PhaseCheckStop}
	case PhaseCheckStop:
		return []Phase{PhaseRunning, PhaseStopped}
	default:
		return []Phase{}
	}
}

func (p Phase) CanTransitionTo(target Phase) bool {
	for _, phase := range p.AllowedTransitions() {
		if phase == target {
			return true
		}
	}
	return false
}

// Transition records one phase change
type Transition struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}
