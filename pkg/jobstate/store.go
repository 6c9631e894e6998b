// Package jobstate holds the one job a client is tracking and reconciles
// status events from the push channel and the poller into it.
package jobstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/psantana5/manim-studio/pkg/gateway"
	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/models"
)

const (
	// DefaultSubmitError is shown when a submit fails without a server message
	DefaultSubmitError = "Failed to generate animation"
	// DefaultFailureMessage is shown for a failed job that carries no message
	DefaultFailureMessage = "Animation generation failed"
)

var (
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	ErrSuperseded  = errors.New("submission superseded by a newer prompt")
	ErrClosed      = errors.New("job state store is closed")
)

// Gateway is the part of the request gateway the store drives
type Gateway interface {
	SubmitJob(ctx context.Context, prompt string, params models.Parameters, sessionID string) (*gateway.SubmitResponse, error)
	VideoURL(jobID string) string
}

// Transport reports the push channel state and the events it received
// most recently, oldest first
type Transport interface {
	State() models.ConnectionState
	Recent() []models.StatusEvent
}

// Poller runs the polling fallback for one job at a time
type Poller interface {
	Start(ctx context.Context, jobID string)
	Stop()
}

// Outcome is what Apply did with an event
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStale
	OutcomeSuppressed
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Snapshot is an immutable view of the store
type Snapshot struct {
	Job       *models.Job   `json:"job,omitempty" yaml:"job,omitempty"`
	IsLoading bool          `json:"is_loading" yaml:"is_loading"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	VideoURL  string        `json:"video_url,omitempty" yaml:"video_url,omitempty"`
	Artifact  string        `json:"generated_artifact,omitempty" yaml:"generated_artifact,omitempty"`
	Source    models.Source `json:"source,omitempty" yaml:"source,omitempty"`
	Version   uint64        `json:"version" yaml:"version"`
}

// Terminal reports whether the current job reached completed or failed
func (s Snapshot) Terminal() bool {
	return s.Job != nil && models.IsTerminalState(s.Job.Status)
}

// Settled reports that nothing more will change without a new submit
func (s Snapshot) Settled() bool {
	return !s.IsLoading && (s.Error != "" || s.Terminal())
}

// Store is the single writer of job state
type Store struct {
	gateway   Gateway
	transport Transport
	poller    Poller
	sessionID string
	log       *logging.Logger
	metrics   *metrics.Recorder
	depth     int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	job       *models.Job
	loading   bool
	errMsg    string
	videoURL  string
	artifact  string
	source    models.Source
	submitSeq uint64
	version   uint64
	subs      map[chan Snapshot]struct{}
	closed    bool
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics counts reconciliation outcomes and submits
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithSubscriberDepth sets the per-subscriber buffer size
func WithSubscriberDepth(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.depth = n
		}
	}
}

// New creates a store for one client session
func New(gw Gateway, transport Transport, poller Poller, sessionID string, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		gateway:   gw,
		transport: transport,
		poller:    poller,
		sessionID: sessionID,
		log:       logging.Nop(),
		depth:     16,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("jobstate")
	return s
}

// Submit sends a prompt and makes its job current. State is reset before
// the request goes out so no stale result is visible while it is pending.
func (s *Store) Submit(ctx context.Context, prompt string, params models.Parameters) (*models.Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.submitSeq++
	seq := s.submitSeq
	s.job = nil
	s.loading = true
	s.errMsg = ""
	s.videoURL = ""
	s.artifact = ""
	s.source = models.SourceNone
	snap := s.commitLocked()
	s.mu.Unlock()

	s.poller.Stop()
	s.publish(snap)

	resp, err := s.gateway.SubmitJob(ctx, prompt, params, s.sessionID)
	connected := s.transport.State() == models.ConnectionConnected

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if seq != s.submitSeq {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}

	if err != nil {
		s.loading = false
		s.errMsg = gateway.Detail(err)
		if s.errMsg == "" {
			s.errMsg = DefaultSubmitError
		}
		snap = s.commitLocked()
		s.mu.Unlock()

		s.metrics.Submit(false)
		s.log.Error("Submit failed", map[string]interface{}{"error": err.Error()})
		s.publish(snap)
		return nil, fmt.Errorf("submit prompt: %w", err)
	}

	status := resp.Status
	if _, known := models.TransitionsFrom(status); !known || models.IsTerminalState(status) {
		status = models.JobStatusSubmitted
	}
	s.job = &models.Job{
		ID:         resp.ID,
		Prompt:     prompt,
		Parameters: params,
		Status:     status,
	}
	s.source = models.SourcePush
	if !connected {
		s.source = models.SourcePoll
	}
	job := *s.job
	snap = s.commitLocked()
	s.mu.Unlock()

	s.metrics.Submit(true)
	log := s.log.WithField("job_id", job.ID)
	log.Info("Tracking job", map[string]interface{}{"source": string(snap.Source)})
	s.publish(snap)

	if !connected {
		s.poller.Start(s.ctx, job.ID)
		return &job, nil
	}

	// Frames for this job can arrive before the submit response does.
	for _, ev := range s.transport.Recent() {
		if ev.JobID == job.ID {
			s.Apply(models.SourcePush, ev)
		}
	}
	// The channel may have dropped before the job was installed, in which
	// case ConnectionChanged had no job to move onto the poller.
	if s.transport.State() != models.ConnectionConnected {
		s.ConnectionChanged(models.ConnectionDisconnected)
	}
	return &job, nil
}

// Apply reconciles one event from either transport. It is the only path by
// which a status change reaches the current job.
func (s *Store) Apply(src models.Source, ev models.StatusEvent) Outcome {
	s.mu.Lock()
	out, stopPoller := s.applyLocked(src, ev)
	// a source switch is committed even when the status itself is ignored
	changed := out == OutcomeApplied || stopPoller
	var snap Snapshot
	if changed {
		snap = s.commitLocked()
	}
	s.mu.Unlock()

	s.metrics.EventHandled(string(src), out.String())
	if stopPoller {
		s.log.Debug("Push events observed, stopping poller", map[string]interface{}{"job_id": ev.JobID})
		s.poller.Stop()
	}
	if changed {
		s.publish(snap)
	}
	if out != OutcomeApplied {
		s.log.Debug("Event not applied", map[string]interface{}{
			"job_id":  ev.JobID,
			"status":  string(ev.Status),
			"source":  string(src),
			"outcome": out.String(),
		})
	}
	return out
}

func (s *Store) applyLocked(src models.Source, ev models.StatusEvent) (Outcome, bool) {
	if s.closed || s.job == nil || ev.JobID != s.job.ID {
		return OutcomeStale, false
	}

	stopPoller := false
	switch src {
	case models.SourcePush:
		if s.source != models.SourcePush {
			s.source = models.SourcePush
			stopPoller = true
		}
	case models.SourcePoll:
		if s.source == models.SourcePush {
			return OutcomeSuppressed, false
		}
	}

	if err := models.ValidateTransition(s.job.Status, ev.Status); err != nil {
		return OutcomeIgnored, stopPoller
	}

	s.job.Status = ev.Status
	switch ev.Status {
	case models.JobStatusCompleted:
		s.loading = false
		s.videoURL = s.gateway.VideoURL(s.job.ID)
		s.job.VideoURL = s.videoURL
	case models.JobStatusFailed:
		s.loading = false
		s.errMsg = ev.Message
		if s.errMsg == "" {
			s.errMsg = DefaultFailureMessage
		}
		s.job.ErrorMessage = s.errMsg
	default:
		if code := ev.Artifact(); code != "" {
			s.artifact = code
			s.job.GeneratedArtifact = code
		}
	}
	return OutcomeApplied, stopPoller
}

// Deliver feeds a polled status through Apply. It returns false once the
// poll cycle is no longer wanted.
func (s *Store) Deliver(ev models.StatusEvent) bool {
	switch s.Apply(models.SourcePoll, ev) {
	case OutcomeStale, OutcomeSuppressed:
		return false
	}
	return true
}

// ConnectionChanged falls back to polling when the push channel drops while
// a job it was serving is still running.
func (s *Store) ConnectionChanged(state models.ConnectionState) {
	if state != models.ConnectionDisconnected {
		return
	}

	s.mu.Lock()
	if s.closed || s.job == nil || models.IsTerminalState(s.job.Status) || s.source != models.SourcePush {
		s.mu.Unlock()
		return
	}
	s.source = models.SourcePoll
	id := s.job.ID
	snap := s.commitLocked()
	s.mu.Unlock()

	s.log.Info("Push channel lost, polling job status", map[string]interface{}{"job_id": id})
	s.publish(snap)
	s.poller.Start(s.ctx, id)
}

// Snapshot returns the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel of snapshots taken after every change and a
// cancel func. Slow subscribers miss intermediate snapshots.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, s.depth)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		_, ok := s.subs[ch]
		delete(s.subs, ch)
		s.mu.Unlock()
		if ok {
			close(ch)
		}
	}
}

// Close stops polling and ends every subscription
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[chan Snapshot]struct{})
	s.mu.Unlock()

	s.cancel()
	s.poller.Stop()
	for ch := range subs {
		close(ch)
	}
}

func (s *Store) commitLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		IsLoading: s.loading,
		Error:     s.errMsg,
		VideoURL:  s.videoURL,
		Artifact:  s.artifact,
		Source:    s.source,
		Version:   s.version,
	}
	if s.job != nil {
		job := *s.job
		snap.Job = &job
	}
	return snap
}

func (s *Store) publish(snap Snapshot) {
	s.mu.Lock()
	subs := make([]chan Snapshot, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	dropped := 0
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			dropped++
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Debug("Snapshot dropped for slow subscribers", map[string]interface{}{"dropped": dropped})
	}
}
