package api

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/matheus3301/msgsync/internal/transport"
)

type ackingSender struct {
	mu     gosync.Mutex
	engine *intsync.Engine
	sent   []transport.Envelope
}

func (s *ackingSender) Send(_ context.Context, env transport.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	if env.Type == transport.TypeSendMessage {
		s.engine.HandleEnvelope(transport.Envelope{
			Type:        transport.TypeMessageAck,
			TempID:      env.TempID,
			CanonicalID: "srv_" + env.TempID,
		})
	}
	return nil
}

type fakeReach struct{ online atomic.Bool }

func (r *fakeReach) Online() bool  { return r.online.Load() }
func (r *fakeReach) Network() bool { return true }

type fakeTransport struct{ reach *fakeReach }

func (f fakeTransport) State() status.State {
	if f.reach.Online() {
		return status.Connected
	}
	return status.Disconnected
}

type fakeScheduler struct{}

func (fakeScheduler) Scheduled() bool { return true }
func (fakeScheduler) Runs() int       { return 2 }

type testEnv struct {
	client *Client
	db     *store.DB
	bus    *bus.Bus
	reach  *fakeReach
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	_, err = db.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	reach := &fakeReach{}
	sender := &ackingSender{}
	engine := intsync.NewEngine(db, sender, reach, nil, b, intsync.Config{SenderID: "me"}, nil)
	sender.engine = engine
	t.Cleanup(engine.Stop)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterMessageService(srv, NewMessageService(engine, db, b, "test", nil))
	RegisterConversationService(srv, NewConversationService(db))
	RegisterSyncService(srv, NewSyncService(engine, db, fakeTransport{reach}, reach, fakeScheduler{}, "test"))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testEnv{client: NewClient(conn), db: db, bus: b, reach: reach}
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, grpcstatus.Code(err), "err = %v", err)
}

func TestSendMessageOfflineQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m, err := env.client.SendMessage(ctx, "conv_1", "hello")
	require.NoError(t, err)
	require.True(t, intsync.IsTempID(m.ID))
	require.Equal(t, store.StatusSending, m.Status)
	require.True(t, m.FromMe)

	queue, err := env.client.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, m.ID, queue[0].TempID)
	require.Equal(t, "hello", queue[0].Text)

	report, err := env.client.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", report.Session)
	require.Equal(t, string(status.Disconnected), report.Transport)
	require.False(t, report.Online)
	require.Equal(t, 1, report.QueueLength)
	require.Equal(t, 1, report.Sending)
	require.True(t, report.DeferredScheduled)
	require.Equal(t, 2, report.DeferredRuns)
	require.Empty(t, report.LastDrainAt)
}

func TestDrainQueueDeliversOnceOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m, err := env.client.SendMessage(ctx, "conv_1", "hello")
	require.NoError(t, err)

	res, err := env.client.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Remaining, "offline drain leaves the queue alone")

	env.reach.online.Store(true)
	res, err = env.client.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Remaining)

	convs, err := env.client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].LastMessage)
	require.Equal(t, "srv_"+m.ID, convs[0].LastMessage.ID)
	require.Equal(t, store.StatusSent, convs[0].LastMessage.Status)
	require.Equal(t, m.ID, convs[0].LastMessage.TempID)

	report, err := env.client.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Zero(t, report.Sending)
	require.NotEmpty(t, report.LastDrainAt)
	require.NotEmpty(t, report.LastAckAt)
}

func TestSendMessageOnlineReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.reach.online.Store(true)
	ctx := context.Background()

	m, err := env.client.SendMessage(ctx, "conv_1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, err := env.client.LoadOlderMessages(ctx, "conv_1", "", 10)
		return err == nil && len(page.Messages) == 1 && page.Messages[0].Status == store.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	page, err := env.client.LoadOlderMessages(ctx, "conv_1", "", 10)
	require.NoError(t, err)
	require.Equal(t, "srv_"+m.ID, page.Messages[0].ID)
	require.False(t, page.HasMore)
}

func TestErrorCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.SendMessage(ctx, "conv_1", "  ")
	requireCode(t, err, codes.InvalidArgument)

	_, err = env.client.RetryMessage(ctx, "tmp_missing")
	requireCode(t, err, codes.NotFound)

	m, err := env.client.SendMessage(ctx, "conv_1", "hello")
	require.NoError(t, err)
	_, err = env.client.RetryMessage(ctx, m.ID)
	requireCode(t, err, codes.FailedPrecondition)

	err = env.client.SendTyping(ctx, "conv_1", true)
	requireCode(t, err, codes.Unavailable)

	err = env.client.MarkRead(ctx, "conv_nope")
	requireCode(t, err, codes.NotFound)

	_, err = env.client.LoadOlderMessages(ctx, "conv_1", "tmp_missing", 10)
	requireCode(t, err, codes.NotFound)
}

func TestLoadOlderAndSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"first note", "second note", "third"} {
		m, err := env.client.SendMessage(ctx, "conv_1", text)
		require.NoError(t, err)
		ids = append(ids, m.ID)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := env.client.LoadOlderMessages(ctx, "conv_1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.True(t, page.HasMore)
	require.Equal(t, ids[2], page.Messages[0].ID)

	page, err = env.client.LoadOlderMessages(ctx, "conv_1", page.Messages[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, ids[0], page.Messages[0].ID)

	hits, err := env.client.SearchMessages(ctx, "note", "", 10)
	require.NoError(t, err)
	require.Len(t, hits.Results, 2)
	require.Contains(t, hits.Results[0].Snippet, "<<note>>")
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	incoming := &store.Message{
		ID: "srv_1", ConversationID: "conv_2", SenderID: "bob", Text: "hi",
		Timestamp: time.Now(), Status: store.StatusSent, Type: store.TypeText,
	}
	_, err := env.db.AppendMessage(ctx, incoming, true)
	require.NoError(t, err)

	convs, err := env.client.ListConversations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, convs[0].UnreadCount)

	require.NoError(t, env.client.MarkRead(ctx, "conv_2"))
	convs, err = env.client.ListConversations(ctx)
	require.NoError(t, err)
	require.Zero(t, convs[0].UnreadCount)
}

func TestWatchEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := env.client.WatchEvents(ctx, "message.")
	require.NoError(t, err)

	// The server subscribes asynchronously; ping until the stream is live.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				env.bus.Emit("message.ping", nil)
			case <-stop:
				return
			}
		}
	}()
	evt, err := stream.Recv()
	close(stop)
	require.NoError(t, err)
	require.Equal(t, "message.ping", evt.Kind)
	require.Equal(t, "test", evt.Session)
	require.NotEmpty(t, evt.ID)

	m, err := env.client.SendMessage(context.Background(), "conv_1", "hello")
	require.NoError(t, err)

	for {
		evt, err = stream.Recv()
		require.NoError(t, err)
		if evt.Kind == bus.KindMessageCreated {
			break
		}
	}
	var created intsync.MessageCreated
	require.NoError(t, json.Unmarshal(evt.Payload, &created))
	require.Equal(t, m.ID, created.Message.ID)
	require.Equal(t, "hello", created.Message.Text)
}
