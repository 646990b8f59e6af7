package job

import "slices"

// State is a job's position in its kind-specific state machine.
type State string

// Build states.
const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Match states.  Running and Failed are shared with builds.
const (
	StateSelecting     State = "Selecting"
	StateProvisioning  State = "Provisioning"
	StateAwaitingStart State = "AwaitingStart"
	StateCollecting    State = "Collecting"
	StateCleanup       State = "Cleanup"
	StateCompleted     State = "Completed"
)

// IsTerminal reports whether no further transition can occur from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCompleted:
		return true
	}
	return false
}

// buildTransitions is Pending → Running → {Succeeded | Failed}.  Pending can
// fail directly when the backend refuses the build resource.
var buildTransitions = map[State][]State{
	StatePending:   {StateRunning, StateFailed},
	StateRunning:   {StateSucceeded, StateFailed},
	StateSucceeded: {},
	StateFailed:    {},
}

// matchTransitions follows Selecting → Provisioning → AwaitingStart →
// Running → Collecting → Cleanup → {Completed | Failed}.  Every
// non-terminal state may short-circuit to Cleanup; Selecting has no
// resources yet and fails directly.
var matchTransitions = map[State][]State{
	StateSelecting:     {StateProvisioning, StateFailed},
	StateProvisioning:  {StateAwaitingStart, StateCleanup},
	StateAwaitingStart: {StateRunning, StateCleanup},
	StateRunning:       {StateCollecting, StateCleanup},
	StateCollecting:    {StateCleanup},
	StateCleanup:       {StateCompleted, StateFailed},
	StateCompleted:     {},
	StateFailed:        {},
}

// InitialState is the state a freshly accepted job of kind k starts in.
func InitialState(k Kind) State {
	if k == KindMatch {
		return StateSelecting
	}
	return StatePending
}

// CanTransition reports whether kind k may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(k Kind, from, to State) bool {
	if from == to {
		return true
	}
	table := buildTransitions
	if k == KindMatch {
		table = matchTransitions
	}
	return slices.Contains(table[from], to)
}

// NonTerminalStates lists the states the driver must keep advancing.
func NonTerminalStates(k Kind) []State {
	if k == KindMatch {
		return []State{StateSelecting, StateProvisioning, StateAwaitingStart, StateRunning, StateCollecting, StateCleanup}
	}
	return []State{StatePending, StateRunning}
}

// TerminalStates lists the states a job of kind k can end in.
func TerminalStates(k Kind) []State {
	if k == KindMatch {
		return []State{StateCompleted, StateFailed}
	}
	return []State{StateSucceeded, StateFailed}
}
