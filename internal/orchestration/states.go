package orchestration

import "fmt"

// State is a router state for one conversation
type State string

const (
	StateIdle                State = "idle"
	StateRouting             State = "routing"
	StateRunningInitial      State = "running_initial"
	StateRunningModification State = "running_modification"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// stateTransitions lists the allowed next states for every state
var stateTransitions = map[State][]State{
	StateIdle:                {StateRouting},
	StateRouting:             {StateRunningInitial, StateRunningModification},
	StateRunningInitial:      {StateCompleted, StateRouting, StateFailed},
	StateRunningModification: {StateCompleted, StateRouting, StateFailed},
	StateCompleted:           {StateIdle},
	StateFailed:              {StateIdle},
}

// validateTransition checks a router state change against the transition table
func validateTransition(from, to State) error {
	allowed, ok := stateTransitions[from]
	if !ok {
		return fmt.Errorf("unknown router state: %s", from)
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid router transition from %s to %s", from, to)
}

// Terminal reports whether s ends a turn
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func runningState(kind PipelineKind) State {
	if kind == PipelineModification {
		return StateRunningModification
	}
	return StateRunningInitial
}
