package models

import "testing"

func TestRunStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from RunStatus
		to   RunStatus
		want bool
	}{
		{"queued to running", RunQueued, RunRunning, true},
		{"queued to stopped", RunQueued, RunStopped, true},
		{"queued to done", RunQueued, RunDone, false},
		{"running to waiting", RunRunning, RunWaitingPermission, true},
		{"running to stopping", RunRunning, RunStopping, true},
		{"running to done", RunRunning, RunDone, true},
		{"running to failed", RunRunning, RunFailed, true},
		{"running to stopped", RunRunning, RunStopped, true},
		{"running to queued", RunRunning, RunQueued, false},
		{"waiting to running", RunWaitingPermission, RunRunning, true},
		{"waiting to stopping", RunWaitingPermission, RunStopping, true},
		{"waiting to stopped", RunWaitingPermission, RunStopped, true},
		{"waiting to queued", RunWaitingPermission, RunQueued, false},
		{"stopping to stopped", RunStopping, RunStopped, true},
		{"stopping to done", RunStopping, RunDone, true},
		{"stopping to running", RunStopping, RunRunning, false},
		{"queued to stopping", RunQueued, RunStopping, false},
		{"done is terminal", RunDone, RunRunning, false},
		{"failed is terminal", RunFailed, RunRunning, false},
		{"stopped is terminal", RunStopped, RunRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{RunDone, RunFailed, RunStopped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []RunStatus{RunQueued, RunRunning, RunWaitingPermission, RunStopping}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
