package models

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Submitted to Processing", JobStatusSubmitted, JobStatusProcessing, false},
		{"Submitted to Completed", JobStatusSubmitted, JobStatusCompleted, false},
		{"Submitted to Failed", JobStatusSubmitted, JobStatusFailed, false},
		{"Processing to Processing", JobStatusProcessing, JobStatusProcessing, false},
		{"Processing to Completed", JobStatusProcessing, JobStatusCompleted, false},
		{"Processing to Failed", JobStatusProcessing, JobStatusFailed, false},

		// Invalid transitions
		{"Processing to Submitted", JobStatusProcessing, JobStatusSubmitted, true},
		{"Completed to Processing", JobStatusCompleted, JobStatusProcessing, true},
		{"Completed to Failed", JobStatusCompleted, JobStatusFailed, true},
		{"Failed to Completed", JobStatusFailed, JobStatusCompleted, true},
		{"Unknown source", JobStatus("queued"), JobStatusProcessing, true},
		{"Unknown target", JobStatusSubmitted, JobStatus("paused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobStatus
		expected bool
	}{
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusSubmitted, false},
		{JobStatusProcessing, false},
	}

	for _, tt := range tests {
		if got := IsTerminalState(tt.state); got != tt.expected {
			t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
		}
	}
}

func TestTransitionsFrom(t *testing.T) {
	got, ok := TransitionsFrom(JobStatusSubmitted)
	if !ok || len(got) != 3 {
		t.Fatalf("TransitionsFrom(submitted) = %v, %v", got, ok)
	}
	if got[0] != JobStatusCompleted {
		t.Errorf("transitions not sorted: %v", got)
	}
	if got, ok := TransitionsFrom(JobStatusFailed); !ok || len(got) != 0 {
		t.Errorf("terminal state should have no transitions, got %v", got)
	}
	if _, ok := TransitionsFrom("queued"); ok {
		t.Error("unknown state reported as known")
	}
}

func TestParametersValidate(t *testing.T) {
	if err := DefaultParameters().Validate(); err != nil {
		t.Fatalf("default parameters should be valid: %v", err)
	}

	bad := []Parameters{
		{Duration: 7, Quality: LevelLow, Complexity: LevelLow},
		{Duration: 5, Quality: "ultra", Complexity: LevelLow},
		{Duration: 15, Quality: LevelHigh, Complexity: ""},
	}
	for _, p := range bad {
		err := p.Validate()
		if !errors.Is(err, ErrInvalidParameters) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidParameters", p, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" HIGH ")
	if err != nil || l != LevelHigh {
		t.Errorf("ParseLevel(HIGH) = %q, %v", l, err)
	}
	if _, err := ParseLevel("extreme"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestStatusEventArtifact(t *testing.T) {
	ev := StatusEvent{Data: map[string]interface{}{"code": "class Scene: pass"}}
	if ev.Artifact() != "class Scene: pass" {
		t.Errorf("Artifact() = %q", ev.Artifact())
	}
	if (StatusEvent{}).Artifact() != "" {
		t.Error("empty event should have no artifact")
	}
	if (StatusEvent{Data: map[string]interface{}{"code": 42}}).Artifact() != "" {
		t.Error("non-string code should be ignored")
	}
}
