package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/manim-studio/pkg/models"
	"github.com/psantana5/manim-studio/pkg/session"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// pushServer accepts websocket upgrades and hands each server-side conn to the test
type pushServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	paths   chan string
	accepts atomic.Int32
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns: make(chan *websocket.Conn, 16),
		paths: make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.accepts.Add(1)
		ps.paths <- r.URL.Path
		ps.conns <- conn
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func newTestChannel(t *testing.T, baseURL string) *Channel {
	t.Helper()
	sess, err := session.FromID("tab-1")
	require.NoError(t, err)
	ch, err := New(baseURL, sess, WithBackoff(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestPushURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws/s1"},
		{"https://studio.example.com/", "wss://studio.example.com/ws/s1"},
		{"https://studio.example.com/api", "wss://studio.example.com/api/ws/s1"},
		{"ws://localhost:8000", "ws://localhost:8000/ws/s1"},
	}
	for _, tt := range tests {
		got, err := PushURL(tt.base, "s1")
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}

	_, err := PushURL("ftp://localhost", "s1")
	assert.Error(t, err)
	_, err = PushURL("http://", "s1")
	assert.Error(t, err)
}

func TestEventsDeliveredInOrderAndMalformedDropped(t *testing.T) {
	ps := newPushServer(t)
	ch := newTestChannel(t, ps.srv.URL)

	var mu sync.Mutex
	var got []models.StatusEvent
	ch.OnEvent(func(ev models.StatusEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	conn := ps.next(t)
	assert.Equal(t, "/ws/tab-1", <-ps.paths)

	frames := []string{
		`{"animation_id":"abc123","status":"processing","data":{"code":"class A: pass"}}`,
		`not json`,
		`{"error":"Invalid JSON"}`,
		`{"animation_id":"abc123","status":"completed","message":"done"}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.JobStatusProcessing, got[0].Status)
	assert.Equal(t, "class A: pass", got[0].Artifact())
	assert.Equal(t, models.JobStatusCompleted, got[1].Status)
	assert.Equal(t, "done", got[1].Message)
	assert.Equal(t, models.ConnectionConnected, ch.State(), "malformed frames must not break the channel")
	assert.Len(t, ch.Recent(), 2)

	ch.ClearRecent()
	assert.Empty(t, ch.Recent())
}

func TestReconnectsAfterServerClose(t *testing.T) {
	ps := newPushServer(t)
	ch := newTestChannel(t, ps.srv.URL)

	var states []models.ConnectionState
	var mu sync.Mutex
	ch.OnStateChange(func(s models.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	first := ps.next(t)
	require.Eventually(t, func() bool { return ch.State() == models.ConnectionConnected }, waitFor, tick)

	first.Close()
	second := ps.next(t)
	require.NotNil(t, second)
	require.Eventually(t, func() bool { return ch.State() == models.ConnectionConnected }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.ConnectionState{
		models.ConnectionConnecting,
		models.ConnectionConnected,
		models.ConnectionDisconnected,
		models.ConnectionConnecting,
		models.ConnectionConnected,
	}, states)
}

func TestKeepsRetryingUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := newTestChannel(t, url)
	var connecting atomic.Int32
	ch.OnStateChange(func(s models.ConnectionState) {
		if s == models.ConnectionConnecting {
			connecting.Add(1)
		}
	})

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return connecting.Load() >= 3 }, waitFor, tick)
	assert.NotEqual(t, models.ConnectionConnected, ch.State())
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	ps := newPushServer(t)
	ch := newTestChannel(t, ps.srv.URL)

	require.NoError(t, ch.Connect(context.Background()))
	ps.next(t)
	require.Eventually(t, func() bool { return ch.State() == models.ConnectionConnected }, waitFor, tick)

	require.NoError(t, ch.Close())
	assert.Equal(t, models.ConnectionDisconnected, ch.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ps.accepts.Load(), "no redial after Close")
	assert.ErrorIs(t, ch.Connect(context.Background()), ErrClosed)
	assert.NoError(t, ch.Close(), "Close is idempotent")
}

func TestConnectTwiceStartsOneLoop(t *testing.T) {
	ps := newPushServer(t)
	ch := newTestChannel(t, ps.srv.URL)

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Connect(context.Background()))
	ps.next(t)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), ps.accepts.Load())
}

func TestParentContextCancelStopsLoop(t *testing.T) {
	ps := newPushServer(t)
	ch := newTestChannel(t, ps.srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ch.Connect(ctx))
	ps.next(t)
	require.Eventually(t, func() bool { return ch.State() == models.ConnectionConnected }, waitFor, tick)

	cancel()
	require.Eventually(t, func() bool { return ch.State() == models.ConnectionDisconnected }, waitFor, tick)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), ps.accepts.Load())
}

func TestSend(t *testing.T) {
	ps := newPushServer(t)
	ch := newTestChannel(t, ps.srv.URL)

	err := ch.Send(map[string]string{"type": "ping"})
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, ch.Connect(context.Background()))
	conn := ps.next(t)
	require.Eventually(t, func() bool { return ch.State() == models.ConnectionConnected }, waitFor, tick)

	require.NoError(t, ch.Send(map[string]string{"type": "ping"}))
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestRecentIsBounded(t *testing.T) {
	sess := session.New()
	ch, err := New("http://localhost:8000", sess, WithRecentLimit(2))
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		ch.deliver(models.StatusEvent{JobID: id, Status: models.JobStatusProcessing})
	}
	recent := ch.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].JobID)
	assert.Equal(t, "c", recent[1].JobID)
}

func TestNewRequiresSession(t *testing.T) {
	_, err := New("http://localhost:8000", nil)
	assert.Error(t, err)
}
