package consult

import (
	"sync"
	"time"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
)

// State is the lifecycle state of one consultation's recording.
type State int

const (
	StateReady State = iota
	StateRecording
	StatePaused
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	TargetID  string
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes lifecycle state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine enforces Ready -> Recording <-> Paused -> Completed.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	targetID  string
	listeners []StateListener
}

func newStateMachine(targetID string) *stateMachine {
	return &stateMachine{current: StateReady, targetID: targetID}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// transitionValid checks if a state transition is valid.
func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateReady:     {StateRecording},
		StateRecording: {StatePaused, StateCompleted},
		StatePaused:    {StateRecording, StateCompleted},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.current, state) {
		from := m.current
		m.mu.Unlock()
		return errorsx.Wrap(&InvalidTransitionError{From: from, To: state}, errorsx.ReasonTransition)
	}
	event := StateChange{
		TargetID:  m.targetID,
		FromState: m.current,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.current = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// restore force-sets the state without transition validation, for snapshot
// recovery only.
func (m *stateMachine) restore(state State) {
	m.mu.Lock()
	m.current = state
	m.mu.Unlock()
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}
