package studio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/manim-studio/pkg/config"
	"github.com/psantana5/manim-studio/pkg/jobstate"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/session"
)

// jobServer imitates the animation job server
type jobServer struct {
	*httptest.Server

	pushEnabled atomic.Bool
	submitCode  int
	submitBody  string
	statuses    []models.JobStatus

	mu          sync.Mutex
	statusCalls int
	lastSubmit  map[string]interface{}
	conns       chan *websocket.Conn
	wsPaths     chan string
}

func newJobServer(t *testing.T, push bool) *jobServer {
	t.Helper()
	js := &jobServer{
		submitCode:  http.StatusOK,
		submitBody:  `{"id":"abc123","status":"submitted","message":"Animation generation started"}`,
		statuses:    []models.JobStatus{models.JobStatusCompleted},
		conns:       make(chan *websocket.Conn, 4),
		wsPaths:     make(chan string, 4),
	}

	js.pushEnabled.Store(push)

	upgrader := websocket.Upgrader{}
	r := mux.NewRouter()
	r.HandleFunc("/animations/", js.submit).Methods(http.MethodPost)
	r.HandleFunc("/animations/{id}", js.status).Methods(http.MethodGet)
	r.HandleFunc("/animations/{id}/video", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("mp4-bytes"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws/{session}", func(w http.ResponseWriter, r *http.Request) {
		if !js.pushEnabled.Load() {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		js.wsPaths <- r.URL.Path
		js.conns <- conn
	})

	js.Server = httptest.NewServer(r)
	t.Cleanup(js.Close)
	return js
}

func (js *jobServer) submit(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	js.mu.Lock()
	js.lastSubmit = body
	js.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(js.submitCode)
	w.Write([]byte(js.submitBody))
}

func (js *jobServer) status(w http.ResponseWriter, r *http.Request) {
	js.mu.Lock()
	i := js.statusCalls
	js.statusCalls++
	js.mu.Unlock()
	if i >= len(js.statuses) {
		i = len(js.statuses) - 1
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     mux.Vars(r)["id"],
		"status": js.statuses[i],
	})
}

func (js *jobServer) calls() int {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.statusCalls
}

func testConfig(url string) config.Client {
	cfg := config.Default()
	cfg.APIURL = url
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollRetryInterval = 20 * time.Millisecond
	cfg.RequestsPerSecond = 0
	return cfg
}

func waitSettled(t *testing.T, c *Client) jobstate.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestPushPath(t *testing.T) {
	js := newJobServer(t, true)
	sess, err := session.FromID("tab-1")
	require.NoError(t, err)

	c, err := New(testConfig(js.URL), WithSession(sess))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.WaitForConnection(context.Background(), 2*time.Second))
	assert.Equal(t, "/ws/tab-1", <-js.wsPaths)
	conn := <-js.conns

	job, err := c.Submit(context.Background(), "circle animation", models.DefaultParameters())
	require.NoError(t, err)
	assert.Equal(t, "abc123", job.ID)

	js.mu.Lock()
	params := js.lastSubmit["parameters"].(map[string]interface{})
	js.mu.Unlock()
	assert.Equal(t, "tab-1", params["client_id"])

	frames := []string{
		`{"animation_id":"xyz999","status":"failed","message":"not ours"}`,
		`not json`,
		`{"animation_id":"abc123","status":"processing","data":{"code":"class A(Scene): pass"}}`,
		`{"animation_id":"abc123","status":"completed"}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	got := waitSettled(t, c)
	assert.Equal(t, models.JobStatusCompleted, got.Job.Status)
	assert.Equal(t, js.URL+"/animations/abc123/video", got.VideoURL)
	assert.Empty(t, got.Error)
	assert.Equal(t, models.SourcePush, got.Source)
	assert.Equal(t, "class A(Scene): pass", c.Snapshot().Artifact)
	assert.Zero(t, js.calls(), "connected channel must not start polling")
}

func TestPollFallbackWhenPushUnavailable(t *testing.T) {
	js := newJobServer(t, false)
	js.statuses = []models.JobStatus{models.JobStatusProcessing, models.JobStatusProcessing, models.JobStatusCompleted}

	c, err := New(testConfig(js.URL))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	err = c.WaitForConnection(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	_, err = c.Submit(context.Background(), "circle animation", models.DefaultParameters())
	require.NoError(t, err)

	got := waitSettled(t, c)
	assert.Equal(t, models.JobStatusCompleted, got.Job.Status)
	assert.Equal(t, js.URL+"/animations/abc123/video", got.VideoURL)
	assert.Equal(t, models.SourcePoll, got.Source)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, js.calls(), "no requests after a terminal status")
}

func TestPollFallbackAfterChannelDrop(t *testing.T) {
	js := newJobServer(t, true)
	js.statuses = []models.JobStatus{models.JobStatusFailed}

	c, err := New(testConfig(js.URL))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.WaitForConnection(context.Background(), 2*time.Second))
	conn := <-js.conns

	_, err = c.Submit(context.Background(), "circle animation", models.DefaultParameters())
	require.NoError(t, err)

	// refuse redials so only polling can finish the job
	js.pushEnabled.Store(false)
	conn.Close()

	got := waitSettled(t, c)
	assert.Equal(t, models.JobStatusFailed, got.Job.Status)
	assert.Equal(t, "Animation generation failed", got.Error)
	assert.Equal(t, models.SourcePoll, got.Source)
}

func TestSubmitErrorDetail(t *testing.T) {
	js := newJobServer(t, false)
	js.submitCode = http.StatusBadRequest
	js.submitBody = `{"detail":"Prompt must describe a scene"}`

	c, err := New(testConfig(js.URL))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Submit(context.Background(), "hello", models.DefaultParameters())
	require.Error(t, err)

	got := waitSettled(t, c)
	assert.Equal(t, "Prompt must describe a scene", got.Error)
	assert.Zero(t, js.calls())
}

func TestDownloadAndVideoURL(t *testing.T) {
	js := newJobServer(t, false)
	c, err := New(testConfig(js.URL + "/"))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, js.URL+"/animations/abc123/video", c.VideoURL("abc123"))

	var buf strings.Builder
	n, err := c.DownloadVideo(context.Background(), "abc123", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("mp4-bytes")), n)
	assert.Equal(t, "mp4-bytes", buf.String())

	resp, err := c.FetchStatus(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, resp.Status)
}

func TestMetricsWired(t *testing.T) {
	js := newJobServer(t, false)
	rec := metrics.NewRecorder()
	c, err := New(testConfig(js.URL), WithMetrics(rec))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Submit(context.Background(), "circle", models.DefaultParameters())
	require.NoError(t, err)
	waitSettled(t, c)

	families, err := rec.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["manim_client_submits_total"])
	assert.True(t, names["manim_client_status_polls_total"])
	assert.Same(t, rec, c.Metrics())
}

func TestCloseIsIdempotent(t *testing.T) {
	js := newJobServer(t, true)
	c, err := New(testConfig(js.URL))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	var closes atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if c.Close() == nil {
				closes.Add(1)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int32(3), closes.Load())
	assert.Equal(t, models.ConnectionDisconnected, c.ConnectionState())

	_, err = c.Submit(context.Background(), "circle", models.DefaultParameters())
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.APIURL = "ftp://example.com"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.TLSCAFile = "/nonexistent/ca.pem"
	_, err = New(cfg)
	assert.Error(t, err)
}
