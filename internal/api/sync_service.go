package api

import (
	"context"
	"errors"
	"time"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
)

// TransportState reports the transport connection state.
type TransportState interface {
	State() status.State
}

// Reachability reports the connectivity signal.
type Reachability interface {
	Online() bool
	Network() bool
}

// Scheduler reports on the deferred sync trigger.
type Scheduler interface {
	Scheduled() bool
	Runs() int
}

// SyncService implements msgsync.v1.SyncService.
type SyncService struct {
	engine      *intsync.Engine
	db          *store.DB
	transport   TransportState
	reach       Reachability
	deferred    Scheduler
	sessionName string
	startedAt   time.Time
}

// NewSyncService creates a new sync service. deferred may be nil.
func NewSyncService(engine *intsync.Engine, db *store.DB, transport TransportState, reach Reachability, deferred Scheduler, sessionName string) *SyncService {
	return &SyncService{
		engine:      engine,
		db:          db,
		transport:   transport,
		reach:       reach,
		deferred:    deferred,
		sessionName: sessionName,
		startedAt:   time.Now(),
	}
}

func (s *SyncService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := s.db.QueueLength(ctx)
	if err != nil {
		return nil, toStatus("get status", err)
	}
	counts, err := s.db.MessageCounts(ctx)
	if err != nil {
		return nil, toStatus("get status", err)
	}

	report := StatusReport{
		Session:     s.sessionName,
		Transport:   string(s.transport.State()),
		Online:      s.reach.Online(),
		Network:     s.reach.Network(),
		QueueLength: n,
		Sending:     counts[store.StatusSending],
		Sent:        counts[store.StatusSent],
		Failed:      counts[store.StatusFailed],
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
	}
	if s.deferred != nil {
		report.DeferredScheduled = s.deferred.Scheduled()
		report.DeferredRuns = s.deferred.Runs()
	}
	if report.LastDrainAt, err = s.checkpoint(ctx, store.StateLastDrainAt); err != nil {
		return nil, toStatus("get status", err)
	}
	if report.LastAckAt, err = s.checkpoint(ctx, store.StateLastAckAt); err != nil {
		return nil, toStatus("get status", err)
	}
	return toStruct(report)
}

func (s *SyncService) checkpoint(ctx context.Context, key string) (string, error) {
	v, err := s.db.GetState(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *SyncService) ListQueue(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := s.db.ListQueue(ctx)
	if err != nil {
		return nil, toStatus("list queue", err)
	}
	views := make([]QueueEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, QueueEntryView{
			QueueID:        e.QueueID,
			TempID:         e.TempID,
			ConversationID: e.ConversationID,
			Text:           e.Text,
			CreatedAt:      e.CreatedAt,
		})
	}
	return toStruct(QueueList{Entries: views})
}

// DrainQueue runs a drain pass now. While offline the pass is a no-op and
// the response reports everything as remaining.
func (s *SyncService) DrainQueue(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.engine.DrainQueue(ctx); err != nil {
		return nil, toStatus("drain queue", err)
	}
	n, err := s.db.QueueLength(ctx)
	if err != nil {
		return nil, toStatus("drain queue", err)
	}
	return toStruct(DrainResult{Remaining: n})
}
