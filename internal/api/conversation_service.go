package api

import (
	"context"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/msgsync/internal/store"
)

// ConversationService implements msgsync.v1.ConversationService.
type ConversationService struct {
	db *store.DB
}

// NewConversationService creates a conversation service backed by the store.
func NewConversationService(db *store.DB) *ConversationService {
	return &ConversationService{db: db}
}

func (s *ConversationService) ListConversations(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	convs, err := s.db.GetConversations(ctx)
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		views = append(views, conversationToView(&convs[i]))
	}
	return toStruct(ConversationList{Conversations: views})
}

func (s *ConversationService) MarkRead(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req MarkReadRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("mark read", err)
	}
	if err := s.db.MarkRead(ctx, req.ConversationID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &emptypb.Empty{}, nil
}
