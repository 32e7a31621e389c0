package domain

import "testing"

func TestDispatchStatus_Values(t *testing.T) {
	tests := []struct {
		status DispatchStatus
		want   string
	}{
		{StatusPending, "pending"},
		{StatusQueued, "queued"},
		{StatusInFlight, "in_flight"},
		{StatusSent, "sent"},
		{StatusDead, "dead"},
		{StatusCancelled, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("DispatchStatus = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to DispatchStatus }{
		{StatusPending, StatusQueued},
		{StatusPending, StatusCancelled},
		{StatusQueued, StatusInFlight},
		{StatusQueued, StatusPending},
		{StatusInFlight, StatusSent},
		{StatusInFlight, StatusPending},
		{StatusInFlight, StatusDead},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to DispatchStatus }{
		{StatusSent, StatusPending},
		{StatusDead, StatusPending},
		{StatusCancelled, StatusQueued},
		{StatusPending, StatusInFlight},
		{StatusPending, StatusSent},
		{StatusQueued, StatusSent},
		{StatusQueued, StatusCancelled},
		{StatusInFlight, StatusCancelled},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestDispatchStatus_IsTerminal(t *testing.T) {
	for _, s := range []DispatchStatus{StatusSent, StatusDead, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []DispatchStatus{StatusPending, StatusQueued, StatusInFlight} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}
