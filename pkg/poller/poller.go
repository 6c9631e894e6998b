// Package poller is the request/response fallback used while the push
// channel is unavailable.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/manim-studio/pkg/gateway"
	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/models"
)

// Fetcher issues one status request
type Fetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*gateway.StatusResponse, error)
}

// Sink receives each polled status. Returning false ends the cycle.
type Sink interface {
	Deliver(ev models.StatusEvent) bool
}

// SinkFunc adapts a function to Sink
type SinkFunc func(models.StatusEvent) bool

func (f SinkFunc) Deliver(ev models.StatusEvent) bool { return f(ev) }

// Poller runs at most one poll cycle at a time
type Poller struct {
	fetcher       Fetcher
	sink          Sink
	interval      time.Duration
	retryInterval time.Duration
	log           *logging.Logger
	metrics       *metrics.Recorder

	mu     sync.Mutex
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Poller
type Option func(*Poller)

// WithInterval sets the delay after a non-terminal status
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetryInterval sets the delay after a failed request
func WithRetryInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.retryInterval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// WithMetrics counts poll requests
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a poller that reads statuses from fetcher and hands them to sink
func New(fetcher Fetcher, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		fetcher:       fetcher,
		sink:          sink,
		interval:      3 * time.Second,
		retryInterval: 5 * time.Second,
		log:           logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("poller")
	return p
}

// Start begins polling jobID, replacing any running cycle.
// The first request is issued immediately.
func (p *Poller) Start(ctx context.Context, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.jobID = jobID
	p.cancel = cancel
	p.done = done

	p.log.Info("Polling job status", map[string]interface{}{"job_id": jobID})
	go p.run(cycleCtx, jobID, done)
}

// Stop cancels the running cycle, if any
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Active reports whether a cycle is still running
func (p *Poller) Active() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// JobID returns the job of the most recent cycle
func (p *Poller) JobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobID
}

// Wait blocks until the most recent cycle ends or ctx is done
func (p *Poller) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context, jobID string, done chan struct{}) {
	defer close(done)
	log := p.log.WithField("job_id", jobID)

	for {
		resp, err := p.fetcher.FetchStatus(ctx, jobID)
		if ctx.Err() != nil {
			return
		}

		wait := p.interval
		if err != nil {
			// Request failures are transient; the job itself has not failed.
			p.metrics.Poll(false)
			wait = p.retryInterval
			log.Warn("Status poll failed", map[string]interface{}{
				"error":    err.Error(),
				"retry_in": wait.String(),
			})
		} else {
			p.metrics.Poll(true)
			ev := models.StatusEvent{JobID: jobID, Status: resp.Status, Message: resp.Message}
			if !p.sink.Deliver(ev) {
				log.Debug("Poll cycle released by store")
				return
			}
			if models.IsTerminalState(resp.Status) {
				log.Info("Job reached terminal state", map[string]interface{}{"status": resp.Status})
				return
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
