package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder tracks the status-synchronization client.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	malformedFrames prometheus.Counter
	reconnects      prometheus.Counter
	connectionState *prometheus.GaugeVec
	polls           *prometheus.CounterVec
	submits         *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manim_client_status_events_total",
				Help: "Status events handed to the job state store, by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		malformedFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "manim_client_malformed_frames_total",
				Help: "Push frames dropped because they could not be decoded",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "manim_client_reconnect_attempts_total",
				Help: "Push channel connection attempts after the first",
			},
		),
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "manim_client_connection_state",
				Help: "1 for the current push channel state, 0 otherwise",
			},
			[]string{"state"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manim_client_status_polls_total",
				Help: "Status poll requests by result",
			},
			[]string{"result"}, // "ok", "error"
		),
		submits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manim_client_submits_total",
				Help: "Job submissions by result",
			},
			[]string{"result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manim_client_request_duration_seconds",
				Help:    "Job server request latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation", "outcome"},
		),
	}

	r.registry.MustRegister(
		r.events,
		r.malformedFrames,
		r.reconnects,
		r.connectionState,
		r.polls,
		r.submits,
		r.requestDuration,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler returns HTTP handler for Prometheus metrics
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// EventHandled counts an event offered to the store
func (r *Recorder) EventHandled(source, outcome string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(source, outcome).Inc()
}

// MalformedFrame counts a dropped push frame
func (r *Recorder) MalformedFrame() {
	if r == nil {
		return
	}
	r.malformedFrames.Inc()
}

// ReconnectAttempt counts a redial of the push channel
func (r *Recorder) ReconnectAttempt() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// ConnectionState marks state as the only active connection state
func (r *Recorder) ConnectionState(state string) {
	if r == nil {
		return
	}
	for _, s := range []string{"disconnected", "connecting", "connected"} {
		v := 0.0
		if s == state {
			v = 1
		}
		r.connectionState.WithLabelValues(s).Set(v)
	}
}

// Poll counts a status poll request
func (r *Recorder) Poll(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.polls.WithLabelValues(result).Inc()
}

// Submit counts a job submission
func (r *Recorder) Submit(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.submits.WithLabelValues(result).Inc()
}

// ObserveRequest records the latency of a job server call
func (r *Recorder) ObserveRequest(operation string, start time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.requestDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
