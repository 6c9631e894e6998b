package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// NetworkError means the request never produced an HTTP response
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports that a repeat may succeed
func (e *NetworkError) Retryable() bool { return true }

// ServerError is a non-2xx response from the job server
type ServerError struct {
	Op         string
	StatusCode int
	Detail     string // server-supplied message, empty when none was sent
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s failed with status %d", e.Op, e.StatusCode)
}

// Retryable reports whether the status suggests a transient condition
func (e *ServerError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Detail extracts the server-supplied message from err, if any
func Detail(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Detail
	}
	return ""
}

// parseDetail pulls the "detail" field from an error body. The field may be a
// plain string or a structured validation report.
func parseDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return strings.TrimSpace(text)
	}
	if string(payload.Detail) == "null" {
		return ""
	}
	return string(payload.Detail)
}
