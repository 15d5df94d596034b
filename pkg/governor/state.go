package governor

import (
	"fmt"
	"time"

	apperrors "github.com/odvcencio/guardrail/pkg/errors"
)

// State is a step of the execution state machine.
type State string

const (
	StateReceived   State = "received"
	StateClassified State = "classified"
	StateRejected   State = "rejected"
	StateBounded    State = "bounded"
	StateExecuting  State = "executing"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
	// StateFailed ends a run on a permanent execution error.
	StateFailed State = "failed"
	// StateTimedOut ends a run whose deadline passed.
	StateTimedOut State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	StateReceived:   {StateClassified},
	StateClassified: {StateRejected, StateBounded},
	StateBounded:    {StateExecuting, StateTimedOut},
	StateExecuting:  {StateSucceeded, StateRetrying, StateExhausted, StateFailed, StateTimedOut},
	StateRetrying:   {StateExecuting, StateTimedOut},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// machine enforces the transition table. It is owned by one run.
type machine struct {
	state   State
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{state: StateReceived, now: now}
}

func (m *machine) advance(to State, detail string) error {
	if !allowed(m.state, to) {
		return apperrors.New(apperrors.ErrCodeInternal, fmt.Sprintf("illegal transition %s -> %s", m.state, to))
	}
	m.history = append(m.history, Transition{From: m.state, To: to, At: m.now(), Detail: detail})
	m.state = to
	return nil
}
