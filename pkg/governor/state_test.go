package governor

import (
	"testing"
	"time"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StateClassified, true},
		{StateReceived, StateExecuting, false},
		{StateClassified, StateRejected, true},
		{StateClassified, StateExecuting, false},
		{StateBounded, StateExecuting, true},
		{StateExecuting, StateRetrying, true},
		{StateRetrying, StateExecuting, true},
		{StateRetrying, StateSucceeded, false},
		{StateRejected, StateBounded, false},
		{StateSucceeded, StateExecuting, false},
	}
	for _, tt := range tests {
		if got := allowed(tt.from, tt.to); got != tt.ok {
			t.Errorf("allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateRejected, StateSucceeded, StateExhausted, StateFailed, StateTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateReceived, StateClassified, StateBounded, StateExecuting, StateRetrying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m := newMachine(time.Now)
	if err := m.advance(StateExecuting, ""); err == nil {
		t.Fatal("expected error skipping classification")
	}
	if m.state != StateReceived || len(m.history) != 0 {
		t.Errorf("failed transition must not change state, got %s with %d entries", m.state, len(m.history))
	}
}
