package models

import (
	"errors"
	"fmt"
	"strings"
)

// JobStatus represents the status of an animation job
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Level is a three-step setting used for quality and complexity
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Durations the job server accepts, in seconds
var allowedDurations = map[int]bool{5: true, 10: true, 15: true}

var ErrInvalidParameters = errors.New("invalid animation parameters")

// Parameters holds the structured options sent with a prompt
type Parameters struct {
	Duration   int   `json:"duration" yaml:"duration"`     // 5, 10 or 15 seconds
	Quality    Level `json:"quality" yaml:"quality"`       // rendering quality
	Complexity Level `json:"complexity" yaml:"complexity"` // scene complexity
}

// DefaultParameters returns the options used when the user picks none
func DefaultParameters() Parameters {
	return Parameters{
		Duration:   10,
		Quality:    LevelMedium,
		Complexity: LevelMedium,
	}
}

// Validate checks every field against its allowed set
func (p Parameters) Validate() error {
	if !allowedDurations[p.Duration] {
		return fmt.Errorf("%w: duration %d not in {5,10,15}", ErrInvalidParameters, p.Duration)
	}
	if !p.Quality.valid() {
		return fmt.Errorf("%w: quality %q not in {low,medium,high}", ErrInvalidParameters, p.Quality)
	}
	if !p.Complexity.valid() {
		return fmt.Errorf("%w: complexity %q not in {low,medium,high}", ErrInvalidParameters, p.Complexity)
	}
	return nil
}

func (l Level) valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh
}

// ParseLevel parses a level name case-insensitively
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.valid() {
		return "", fmt.Errorf("%w: unknown level %q", ErrInvalidParameters, s)
	}
	return l, nil
}

// Job is the one prompt-to-video request the client is tracking
type Job struct {
	ID                string     `json:"id" yaml:"id"`
	Prompt            string     `json:"prompt" yaml:"prompt"`
	Parameters        Parameters `json:"parameters" yaml:"parameters"`
	Status            JobStatus  `json:"status" yaml:"status"`
	GeneratedArtifact string     `json:"generated_artifact,omitempty" yaml:"generated_artifact,omitempty"`
	VideoURL          string     `json:"video_url,omitempty" yaml:"video_url,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// StatusEvent is a status update for a job, pushed or polled.
// The wire names follow the job server's push frames.
type StatusEvent struct {
	JobID   string                 `json:"animation_id"`
	Status  JobStatus              `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Artifact returns the intermediate generated code carried in data.code, if any
func (e StatusEvent) Artifact() string {
	if e.Data == nil {
		return ""
	}
	code, ok := e.Data["code"].(string)
	if !ok {
		return ""
	}
	return code
}

// Source identifies which transport produced an event
type Source string

const (
	SourceNone Source = ""
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// ConnectionState is the state of the push channel
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)
