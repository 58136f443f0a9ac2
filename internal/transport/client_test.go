package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
)

// fakeServer speaks the server side of the protocol: it answers hello with
// welcome and acks every send_message with canonical id "srv_<tempId>".
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	reject     atomic.Bool // refuse upgrades with 503
	badWelcome atomic.Bool // answer hello with something else
	accepted   atomic.Int32

	mu         sync.Mutex
	conns      []*websocket.Conn
	identities []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if fs.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var hello Envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != TypeHello {
		return
	}
	if fs.badWelcome.Load() {
		_ = conn.WriteJSON(Envelope{Type: TypeMessageError, Reason: "who are you"})
		return
	}
	if err := conn.WriteJSON(Envelope{Type: TypeWelcome}); err != nil {
		return
	}

	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.identities = append(fs.identities, r.URL.Query().Get("identity"))
	fs.mu.Unlock()
	fs.accepted.Add(1)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == TypeSendMessage {
			_ = conn.WriteJSON(Envelope{Type: TypeMessageAck, TempID: env.TempID, CanonicalID: "srv_" + env.TempID})
		}
	}
}

// dropAll closes every accepted connection from the server side.
func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.conns = nil
}

func testClient(t *testing.T, url string, b *bus.Bus) *Client {
	t.Helper()
	c := New(Config{
		URL:              url,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		PongWait:         5 * time.Second,
		Reconnect:        backoff.Config{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3},
	}, b, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectSendAndReceiveAck(t *testing.T) {
	fs := newFakeServer(t)
	c := testClient(t, fs.url(), nil)

	acks := make(chan Envelope, 1)
	c.OnMessage(func(env Envelope) { acks <- env })

	require.NoError(t, c.Connect(context.Background(), "alice"))
	require.True(t, c.Connected())
	require.Equal(t, status.Connected, c.State())

	require.NoError(t, c.Send(context.Background(), SendMessage("conv_1", "tmp_1", "hello")))

	select {
	case env := <-acks:
		require.Equal(t, TypeMessageAck, env.Type)
		require.Equal(t, "tmp_1", env.TempID)
		require.Equal(t, "srv_tmp_1", env.CanonicalID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}

	fs.mu.Lock()
	require.Equal(t, []string{"alice"}, fs.identities)
	fs.mu.Unlock()
}

func TestSendWhenDisconnectedFailsFast(t *testing.T) {
	c := testClient(t, "ws://127.0.0.1:1", nil)

	err := c.Send(context.Background(), SendMessage("conv_1", "tmp_1", "hello"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestHandshakeRejected(t *testing.T) {
	fs := newFakeServer(t)
	fs.badWelcome.Store(true)
	c := testClient(t, fs.url(), nil)

	err := c.Connect(context.Background(), "alice")
	require.ErrorIs(t, err, ErrHandshake)
	require.False(t, c.Connected())
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindTransportState, 32)
	defer unsub()

	c := testClient(t, fs.url(), b)
	require.NoError(t, c.Connect(context.Background(), "alice"))

	fs.dropAll()

	require.Eventually(t, func() bool {
		return fs.accepted.Load() == 2 && c.Connected()
	}, 3*time.Second, 10*time.Millisecond)

	var seen []status.State
	for len(events) > 0 {
		evt := <-events
		seen = append(seen, evt.Payload.(status.StateChange).To)
	}
	require.Contains(t, seen, status.Disconnected)
	require.Equal(t, status.Connected, seen[len(seen)-1])
}

func TestBudgetExhaustedThenExplicitReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := testClient(t, fs.url(), nil)
	require.NoError(t, c.Connect(context.Background(), "alice"))

	fs.reject.Store(true)
	fs.dropAll()

	require.Eventually(t, func() bool {
		return c.State() == status.Unavailable
	}, 3*time.Second, 10*time.Millisecond)

	err := c.Send(context.Background(), SendMessage("conv_1", "tmp_1", "hello"))
	require.ErrorIs(t, err, ErrNotConnected)

	fs.reject.Store(false)
	require.NoError(t, c.Reconnect(context.Background()))
	require.True(t, c.Connected())
}

// A refused explicit reconnect must not strand the client: it keeps
// retrying in the background and connects once the server is back.
func TestFailedReconnectKeepsRetrying(t *testing.T) {
	fs := newFakeServer(t)
	c := testClient(t, fs.url(), nil)
	require.NoError(t, c.Connect(context.Background(), "alice"))

	fs.reject.Store(true)
	fs.dropAll()
	require.Eventually(t, func() bool {
		return c.State() == status.Unavailable
	}, 3*time.Second, 10*time.Millisecond)

	require.Error(t, c.Reconnect(context.Background()))
	fs.reject.Store(false)

	require.Eventually(t, func() bool {
		return c.Connected()
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), fs.accepted.Load())
}

func TestCloseStopsClient(t *testing.T) {
	fs := newFakeServer(t)
	c := testClient(t, fs.url(), nil)
	require.NoError(t, c.Connect(context.Background(), "alice"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.False(t, c.Connected())

	err := c.Send(context.Background(), SendMessage("conv_1", "tmp_1", "hello"))
	require.True(t, errors.Is(err, ErrClosed))
	require.ErrorIs(t, c.Connect(context.Background(), "alice"), ErrClosed)
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		var hello Envelope
		_ = conn.ReadJSON(&hello)
		_ = conn.WriteJSON(Envelope{Type: TypeWelcome})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(Envelope{Type: TypePresence, UserID: "bob", Status: "online"})
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := testClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	got := make(chan Envelope, 2)
	c.OnMessage(func(env Envelope) { got <- env })
	require.NoError(t, c.Connect(context.Background(), "alice"))

	select {
	case env := <-got:
		require.Equal(t, TypePresence, env.Type)
		require.Equal(t, "bob", env.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for presence")
	}
	require.True(t, c.Connected())
}
