package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
)

const defaultPageSize = 50

// MessageService implements msgsync.v1.MessageService.
type MessageService struct {
	engine      *intsync.Engine
	db          *store.DB
	bus         *bus.Bus
	sessionName string
	logger      *zap.Logger
}

// NewMessageService creates a message service on top of the sync engine.
func NewMessageService(engine *intsync.Engine, db *store.DB, b *bus.Bus, sessionName string, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{engine: engine, db: db, bus: b, sessionName: sessionName, logger: logger}
}

func (s *MessageService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendMessageRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("send message", err)
	}
	m, err := s.engine.SendMessage(ctx, req.ConversationID, req.Text)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return toStruct(MessageResponse{Message: intsync.ViewOf(*m)})
}

func (s *MessageService) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetryMessageRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("retry message", err)
	}
	m, err := s.engine.RetryMessage(ctx, req.ID)
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	return toStruct(MessageResponse{Message: intsync.ViewOf(*m)})
}

func (s *MessageService) LoadOlderMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoadOlderRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("load messages", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	msgs, err := s.engine.LoadOlderMessages(ctx, req.ConversationID, req.BeforeID, limit)
	if err != nil {
		return nil, toStatus("load messages", err)
	}
	return toStruct(MessagePage{Messages: messageViews(msgs), HasMore: len(msgs) == limit})
}

func (s *MessageService) SearchMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("search messages", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	results, err := s.db.SearchMessages(ctx, req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, toStatus("search messages", err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{Message: intsync.ViewOf(r.Message), Snippet: r.Snippet})
	}
	return toStruct(SearchPage{Results: hits, HasMore: len(results) == limit})
}

func (s *MessageService) SendTyping(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req TypingRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("send typing", err)
	}
	if err := s.engine.SendTyping(ctx, req.ConversationID, req.Active); err != nil {
		return nil, toStatus("send typing", err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *MessageService) WatchEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return invalidArgument("watch events", err)
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := s.eventToStruct(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *MessageService) eventToStruct(evt bus.Event) (*structpb.Struct, error) {
	var payload json.RawMessage
	if evt.Payload != nil {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return toStruct(Event{
		ID:         uuid.New().String(),
		Session:    s.sessionName,
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp,
		Payload:    payload,
	})
}
