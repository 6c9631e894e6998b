package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/retry"
	"github.com/psantana5/manim-studio/pkg/tracing"
)

// SubmitResponse is the job server's answer to a new prompt
type SubmitResponse struct {
	ID      string           `json:"id" yaml:"id"`
	Status  models.JobStatus `json:"status" yaml:"status"`
	Message string           `json:"message,omitempty" yaml:"message,omitempty"`
}

// StatusResponse is the job server's answer to a status query
type StatusResponse struct {
	ID      string           `json:"id,omitempty" yaml:"id,omitempty"`
	Status  models.JobStatus `json:"status" yaml:"status"`
	Message string           `json:"message,omitempty" yaml:"message,omitempty"`
}

type submitRequest struct {
	Prompt     string         `json:"prompt"`
	Parameters wireParameters `json:"parameters"`
}

type wireParameters struct {
	models.Parameters
	ClientID string `json:"client_id,omitempty"`
}

// Client manages communication with the animation job server
type Client struct {
	baseURL     string
	httpClient  *http.Client
	apiKey      string
	limiter     *rate.Limiter
	tracer      *tracing.Provider
	metrics     *metrics.Recorder
	log         *logging.Logger
	retryConfig retry.Config
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTLSConfig sets the TLS configuration used for https endpoints
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		c.httpClient.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: cfg,
		}
	}
}

// WithTimeout bounds each request; zero means no timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithAPIKey sets the API key for authentication
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRateLimit caps outbound requests per second; zero disables the cap
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTracing wraps each request in a span
func WithTracing(p *tracing.Provider) Option {
	return func(c *Client) { c.tracer = p }
}

// WithMetrics records request latency
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRetryConfig sets the retry policy used for video downloads
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) { c.retryConfig = cfg }
}

// NewClient creates a new job server client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		log:         logging.Nop(),
		retryConfig: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the job server base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitJob sends a prompt and its parameters. The session id travels as
// parameters.client_id so the server can route push updates to this client.
func (c *Client) SubmitJob(ctx context.Context, prompt string, params models.Parameters, sessionID string) (_ *SubmitResponse, err error) {
	const op = "submit job"
	ctx, span := c.tracer.StartSpan(ctx, "gateway.submit", attribute.String("session.id", sessionID))
	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest("submit", start, err)
		tracing.End(span, err)
	}()

	data, err := json.Marshal(submitRequest{
		Prompt:     prompt,
		Parameters: wireParameters{Parameters: params, ClientID: sessionID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/animations/", data)
	if err != nil {
		return nil, err
	}

	var result SubmitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("submit response has no job id")
	}

	c.log.Info("Job submitted", map[string]interface{}{"job_id": result.ID, "status": result.Status})
	return &result, nil
}

// FetchStatus retrieves the current status of a job
func (c *Client) FetchStatus(ctx context.Context, jobID string) (_ *StatusResponse, err error) {
	const op = "fetch status"
	ctx, span := c.tracer.StartSpan(ctx, "gateway.status", attribute.String("job.id", jobID))
	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest("status", start, err)
		tracing.End(span, err)
	}()

	body, err := c.do(ctx, op, http.MethodGet, c.baseURL+"/animations/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	var result StatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("status response for %s has no status", jobID)
	}
	return &result, nil
}

// VideoURL returns where the rendered video for jobID can be fetched.
// No request is made.
func (c *Client) VideoURL(jobID string) string {
	return c.baseURL + "/animations/" + jobID + "/video"
}

// DownloadVideo streams the rendered video into w, retrying transient failures
// as long as nothing has been written yet.
func (c *Client) DownloadVideo(ctx context.Context, jobID string, w io.Writer) (written int64, err error) {
	const op = "download video"
	ctx, span := c.tracer.StartSpan(ctx, "gateway.download", attribute.String("job.id", jobID))
	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest("download", start, err)
		tracing.End(span, err)
	}()

	err = retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.send(ctx, op, http.MethodGet, c.VideoURL(jobID), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return c.serverError(op, resp)
		}

		written, err = io.Copy(w, resp.Body)
		if err != nil {
			if written == 0 {
				return &NetworkError{Op: op, Err: err}
			}
			return fmt.Errorf("video stream interrupted after %d bytes: %w", written, err)
		}
		return nil
	})
	return written, err
}

// do sends a request and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, op, method, target string, payload []byte) ([]byte, error) {
	resp, err := c.send(ctx, op, method, target, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.serverError(op, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, op, method, target string, payload []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, &NetworkError{Op: op, Err: err}
	}
	return resp, nil
}

func (c *Client) serverError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &ServerError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Detail:     parseDetail(body),
	}
}

// addAuthHeader adds authentication header to request
func (c *Client) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
