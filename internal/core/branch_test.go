package core

import "testing"

func TestRunStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunActive, RunCompleted, true},
		{RunActive, RunFailed, true},
		{RunActive, RunCancelled, true},
		{RunActive, RunPaused, true},
		{RunActive, RunArchived, true},
		{RunPaused, RunActive, true},
		{RunPaused, RunCompleted, true},
		{RunCompleted, RunActive, false},
		{RunFailed, RunActive, false},
		{RunCancelled, RunActive, false},
		{RunCompleted, RunArchived, true},
		{RunArchived, RunActive, false},
		{RunArchived, RunArchived, false},
		{RunActive, RunActive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRunStatusRoundTrip(t *testing.T) {
	for _, s := range []RunStatus{RunActive, RunCompleted, RunFailed, RunCancelled, RunPaused, RunArchived} {
		back, ok := ParseRunStatus(s.String())
		if !ok || back != s {
			t.Errorf("ParseRunStatus(%q) = %v, %v", s.String(), back, ok)
		}
	}
	if _, ok := ParseRunStatus("bogus"); ok {
		t.Error("ParseRunStatus accepted an unknown status")
	}
}
