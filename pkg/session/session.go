// Package session holds the per-client identity that correlates push-channel
// events with the client that submitted the job.
package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Session is created once per client and handed to every component that
// needs to identify the client to the job server.
type Session struct {
	id string
}

// New creates a session with a fresh random identifier
func New() *Session {
	return &Session{id: uuid.NewString()}
}

// FromID restores a session from a known identifier
func FromID(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	if strings.ContainsAny(id, "/?#") {
		return nil, fmt.Errorf("session id %q contains path characters", id)
	}
	return &Session{id: id}, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

func (s *Session) String() string {
	return s.id
}
