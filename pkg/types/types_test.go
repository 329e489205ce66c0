package types

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to OrderState
		want     bool
	}{
		{Pending, Submitted, true},
		{Pending, Filled, false},
		{Submitted, PartialFill, true},
		{Submitted, Unknown, true},
		{PartialFill, Filled, true},
		{PartialFill, Submitted, false},
		{Cancelling, Cancelled, true},
		{Cancelling, PartialFill, true},
		{Unknown, Submitted, true},
		{Unknown, Cancelled, true},
		{Filled, Submitted, false}, // terminal, no outbound edges
		{Cancelled, Failed, false}, // terminal even for FAILED
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransitionFailedReachableFromAnyNonTerminal(t *testing.T) {
	t.Parallel()

	nonTerminal := []OrderState{Pending, Submitted, PartialFill, Cancelling, Unknown}
	for _, s := range nonTerminal {
		if !CanTransition(s, Failed) {
			t.Errorf("CanTransition(%s, FAILED) = false, want true", s)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	terminal := []OrderState{Filled, Cancelled, Rejected, Failed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []OrderState{Pending, Submitted, PartialFill, Cancelling, Unknown}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestOrderRemaining(t *testing.T) {
	t.Parallel()

	o := Order{Qty: decFromInt(10), FilledQty: decFromInt(6)}
	if got := o.Remaining(); !got.Equal(decFromInt(4)) {
		t.Errorf("Remaining() = %s, want 4", got)
	}
}
