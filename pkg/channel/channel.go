// Package channel maintains the push connection over which the job server
// streams status events to one client session.
package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/session"
)

var (
	ErrNotConnected   = errors.New("push channel is not connected")
	ErrClosed         = errors.New("push channel is closed")
	ErrMalformedFrame = errors.New("malformed push frame")
)

const (
	defaultBackoff     = 3 * time.Second
	defaultRecentLimit = 256
)

// EventHandler receives decoded status events in arrival order
type EventHandler func(models.StatusEvent)

// StateHandler receives connection state changes
type StateHandler func(models.ConnectionState)

// Channel is a receive-mostly websocket connection that redials forever with
// a fixed delay until Close is called.
type Channel struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	backoff     time.Duration
	recentLimit int
	log         *logging.Logger
	metrics     *metrics.Recorder

	mu            sync.Mutex
	state         models.ConnectionState
	conn          *websocket.Conn
	eventHandlers []EventHandler
	stateHandlers []StateHandler
	recent        []models.StatusEvent
	cancel        context.CancelFunc
	done          chan struct{}
	closed        bool

	writeMu sync.Mutex
}

// Option configures a Channel
type Option func(*Channel)

// WithBackoff sets the fixed delay between connection attempts
func WithBackoff(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithTLSConfig sets the TLS configuration used for wss endpoints
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Channel) { c.dialer.TLSClientConfig = cfg }
}

// WithAPIKey sends a bearer token with the handshake
func WithAPIKey(key string) Option {
	return func(c *Channel) {
		if key != "" {
			c.header.Set("Authorization", "Bearer "+key)
		}
	}
}

// WithRecentLimit bounds the buffer of recently received events
func WithRecentLimit(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.recentLimit = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithMetrics records connection state, redials and dropped frames
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Channel) { c.metrics = m }
}

// New creates a channel for sess against the job server at baseURL.
// Nothing is dialed until Connect.
func New(baseURL string, sess *session.Session, opts ...Option) (*Channel, error) {
	if sess == nil {
		return nil, fmt.Errorf("push channel requires a session")
	}
	target, err := PushURL(baseURL, sess.ID())
	if err != nil {
		return nil, err
	}

	c := &Channel{
		url:    target,
		header: http.Header{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		backoff:     defaultBackoff,
		recentLimit: defaultRecentLimit,
		log:         logging.Nop(),
		state:       models.ConnectionDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("channel").WithField("session", sess.ID())
	return c, nil
}

// PushURL derives the websocket endpoint for a session from the HTTP base URL
func PushURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + sessionID
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// URL returns the websocket endpoint
func (c *Channel) URL() string {
	return c.url
}

// OnEvent registers a handler for decoded status events
func (c *Channel) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, h)
}

// OnStateChange registers a handler for connection state changes
func (c *Channel) OnStateChange(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

// State returns the current connection state
func (c *Channel) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop. Calling it again while the loop runs
// is a no-op, so at most one dial is ever in flight.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	return nil
}

// Send writes payload as a JSON text frame
func (c *Channel) Send(payload interface{}) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != models.ConnectionConnected {
		c.log.Error("Cannot send, push channel is not connected")
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Recent returns a copy of the most recently received events, oldest first
func (c *Channel) Recent() []models.StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StatusEvent, len(c.recent))
	copy(out, c.recent)
	return out
}

// ClearRecent empties the received-events buffer
func (c *Channel) ClearRecent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = nil
}

// Close releases the connection and cancels any pending redial.
// It blocks until the connection loop has exited.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(models.ConnectionDisconnected)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.ReconnectAttempt()
		}
		c.setState(models.ConnectionConnecting)

		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(models.ConnectionDisconnected)
			c.log.Warn("Push channel connection failed", map[string]interface{}{
				"error":    err.Error(),
				"retry_in": c.backoff.String(),
			})
		} else {
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.log.Info("Push channel closed", map[string]interface{}{"retry_in": c.backoff.String()})
		}

		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve owns conn until it fails or ctx ends
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(models.ConnectionConnected)
	c.log.Info("Push channel connection established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("Push channel read ended", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		ev, err := decodeFrame(data)
		if err != nil {
			c.metrics.MalformedFrame()
			c.log.Warn("Dropping push frame", map[string]interface{}{
				"error": err.Error(),
				"bytes": len(data),
			})
			continue
		}
		c.deliver(ev)
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
	c.setState(models.ConnectionDisconnected)
}

func decodeFrame(data []byte) (models.StatusEvent, error) {
	var ev models.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if ev.JobID == "" || ev.Status == "" {
		return ev, fmt.Errorf("%w: missing animation_id or status", ErrMalformedFrame)
	}
	return ev, nil
}

func (c *Channel) deliver(ev models.StatusEvent) {
	c.mu.Lock()
	c.recent = append(c.recent, ev)
	if over := len(c.recent) - c.recentLimit; over > 0 {
		c.recent = append([]models.StatusEvent(nil), c.recent[over:]...)
	}
	handlers := append([]EventHandler(nil), c.eventHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) setState(state models.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	handlers := append([]StateHandler(nil), c.stateHandlers...)
	c.mu.Unlock()

	c.metrics.ConnectionState(string(state))
	for _, h := range handlers {
		h(state)
	}
}
