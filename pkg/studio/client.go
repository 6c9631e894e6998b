// Package studio assembles a complete status-synchronization client: one
// session, the request gateway, the push channel, the poller and the job
// state store that reconciles them.
package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/psantana5/manim-studio/pkg/channel"
	"github.com/psantana5/manim-studio/pkg/config"
	"github.com/psantana5/manim-studio/pkg/gateway"
	"github.com/psantana5/manim-studio/pkg/jobstate"
	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/poller"
	"github.com/psantana5/manim-studio/pkg/session"
	clienttls "github.com/psantana5/manim-studio/pkg/tls"
	"github.com/psantana5/manim-studio/pkg/tracing"
)

// ErrConnectTimeout is returned when the push channel does not connect in time
var ErrConnectTimeout = errors.New("push channel did not connect in time")

// Client is the entry point for submitting prompts and following their jobs
type Client struct {
	cfg     config.Client
	session *session.Session
	log     *logging.Logger
	metrics *metrics.Recorder
	tracer  *tracing.Provider

	gateway *gateway.Client
	channel *channel.Channel
	poller  *poller.Poller
	store   *jobstate.Store

	mu        sync.Mutex
	connected []chan struct{}

	closeOnce sync.Once
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger shared by every component
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics recorder shared by every component
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracing wraps gateway requests in spans
func WithTracing(p *tracing.Provider) Option {
	return func(c *Client) { c.tracer = p }
}

// WithSession uses an existing session instead of generating one
func WithSession(s *session.Session) Option {
	return func(c *Client) { c.session = s }
}

// New builds a client from cfg. Nothing touches the network until Start.
func New(cfg config.Client, opts ...Option) (*Client, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &Client{cfg: cfg, log: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = session.New()
	}

	tlsConfig, err := clienttls.LoadClientTLSConfig(cfg.APIURL, clienttls.Files{
		CA:   cfg.TLSCAFile,
		Cert: cfg.TLSCertFile,
		Key:  cfg.TLSKeyFile,
	})
	if err != nil {
		return nil, err
	}

	c.gateway = gateway.NewClient(cfg.APIURL,
		gateway.WithTLSConfig(tlsConfig),
		gateway.WithTimeout(cfg.RequestTimeout),
		gateway.WithAPIKey(cfg.APIKey),
		gateway.WithRateLimit(cfg.RequestsPerSecond),
		gateway.WithTracing(c.tracer),
		gateway.WithMetrics(c.metrics),
		gateway.WithLogger(c.log),
	)

	c.channel, err = channel.New(cfg.APIURL, c.session,
		channel.WithBackoff(cfg.ReconnectDelay),
		channel.WithTLSConfig(tlsConfig),
		channel.WithAPIKey(cfg.APIKey),
		channel.WithLogger(c.log),
		channel.WithMetrics(c.metrics),
	)
	if err != nil {
		return nil, err
	}

	// the store is built after the poller it drives; the sink resolves it lazily
	var store *jobstate.Store
	c.poller = poller.New(c.gateway,
		poller.SinkFunc(func(ev models.StatusEvent) bool { return store.Deliver(ev) }),
		poller.WithInterval(cfg.PollInterval),
		poller.WithRetryInterval(cfg.PollRetryInterval),
		poller.WithLogger(c.log),
		poller.WithMetrics(c.metrics),
	)
	store = jobstate.New(c.gateway, c.channel, c.poller, c.session.ID(),
		jobstate.WithLogger(c.log),
		jobstate.WithMetrics(c.metrics),
	)
	c.store = store

	c.channel.OnEvent(func(ev models.StatusEvent) {
		store.Apply(models.SourcePush, ev)
	})
	c.channel.OnStateChange(store.ConnectionChanged)
	c.channel.OnStateChange(c.notifyConnected)

	c.log.Debug("Studio client created", map[string]interface{}{
		"api_url":    cfg.APIURL,
		"session_id": c.session.ID(),
		"push_url":   c.channel.URL(),
	})
	return c, nil
}

// Start opens the push channel. It returns immediately; the channel keeps
// redialing in the background until Close.
func (c *Client) Start(ctx context.Context) error {
	return c.channel.Connect(ctx)
}

// Submit sends a prompt and makes its job the current one
func (c *Client) Submit(ctx context.Context, prompt string, params models.Parameters) (*models.Job, error) {
	return c.store.Submit(ctx, prompt, params)
}

// Snapshot returns the current job state
func (c *Client) Snapshot() jobstate.Snapshot {
	return c.store.Snapshot()
}

// Subscribe streams job state snapshots until the returned cancel is called
func (c *Client) Subscribe() (<-chan jobstate.Snapshot, func()) {
	return c.store.Subscribe()
}

// ConnectionState reports the push channel state
func (c *Client) ConnectionState() models.ConnectionState {
	return c.channel.State()
}

// WaitForConnection blocks until the push channel is connected, timeout
// elapses or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.channel.State() == models.ConnectionConnected {
		c.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	c.connected = append(c.connected, ready)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notifyConnected(state models.ConnectionState) {
	if state != models.ConnectionConnected {
		return
	}
	c.mu.Lock()
	waiters := c.connected
	c.connected = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Wait blocks until the current job settles: it completed, failed or its
// submission was rejected.
func (c *Client) Wait(ctx context.Context) (jobstate.Snapshot, error) {
	updates, cancel := c.store.Subscribe()
	defer cancel()

	snap := c.store.Snapshot()
	if snap.Settled() {
		return snap, nil
	}
	for {
		select {
		case next, ok := <-updates:
			if !ok {
				return c.store.Snapshot(), jobstate.ErrClosed
			}
			if next.Version < snap.Version {
				continue
			}
			snap = next
			if snap.Settled() {
				return snap, nil
			}
		case <-ctx.Done():
			return c.store.Snapshot(), ctx.Err()
		}
	}
}

// FetchStatus queries a job directly, bypassing the store
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*gateway.StatusResponse, error) {
	return c.gateway.FetchStatus(ctx, jobID)
}

// VideoURL returns where a finished job's video is served
func (c *Client) VideoURL(jobID string) string {
	return c.gateway.VideoURL(jobID)
}

// DownloadVideo streams a finished job's video to w
func (c *Client) DownloadVideo(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	return c.gateway.DownloadVideo(ctx, jobID, w)
}

// Gateway exposes the request gateway for one-off calls
func (c *Client) Gateway() *gateway.Client {
	return c.gateway
}

// Session returns the client identity
func (c *Client) Session() *session.Session {
	return c.session
}

// Metrics returns the recorder, which may be nil
func (c *Client) Metrics() *metrics.Recorder {
	return c.metrics
}

// Config returns the normalized configuration
func (c *Client) Config() config.Client {
	return c.cfg
}

// Close tears down the channel, the poller and the store. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.store.Close()
		err = c.channel.Close()
		c.log.Debug("Studio client closed", map[string]interface{}{"session_id": c.session.ID()})
	})
	return err
}
