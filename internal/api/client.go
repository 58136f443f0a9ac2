package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	intsync "github.com/matheus3301/msgsync/internal/sync"
)

// Client talks to a daemon over its gRPC surface using the typed request
// and response structs of this package.
type Client struct {
	conn grpc.ClientConnInterface
	done func() error
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, done: conn.Close}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection if Dial opened it.
func (c *Client) Close() error {
	if c.done == nil {
		return nil
	}
	return c.done()
}

func method(service, name string) string {
	return "/" + service + "/" + name
}

// call encodes req (nil for Empty), invokes the method and decodes the
// response into resp (nil when the method returns Empty).
func (c *Client) call(ctx context.Context, fullMethod string, req, resp any) error {
	var in proto.Message = &emptypb.Empty{}
	if req != nil {
		s, err := toStruct(req)
		if err != nil {
			return err
		}
		in = s
	}
	if resp == nil {
		return c.conn.Invoke(ctx, fullMethod, in, &emptypb.Empty{})
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

// SendMessage submits a new outgoing message.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (*intsync.MessageView, error) {
	var resp MessageResponse
	err := c.call(ctx, method(MessageServiceName, "SendMessage"),
		SendMessageRequest{ConversationID: conversationID, Text: text}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// RetryMessage resends a failed message.
func (c *Client) RetryMessage(ctx context.Context, id string) (*intsync.MessageView, error) {
	var resp MessageResponse
	if err := c.call(ctx, method(MessageServiceName, "RetryMessage"), RetryMessageRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// LoadOlderMessages pages backwards from beforeID; an empty beforeID starts
// at the newest message.
func (c *Client) LoadOlderMessages(ctx context.Context, conversationID, beforeID string, limit int) (*MessagePage, error) {
	var page MessagePage
	err := c.call(ctx, method(MessageServiceName, "LoadOlderMessages"),
		LoadOlderRequest{ConversationID: conversationID, BeforeID: beforeID, Limit: limit}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchMessages runs a substring search.
func (c *Client) SearchMessages(ctx context.Context, query, conversationID string, limit int) (*SearchPage, error) {
	var page SearchPage
	err := c.call(ctx, method(MessageServiceName, "SearchMessages"),
		SearchRequest{Query: query, ConversationID: conversationID, Limit: limit}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SendTyping sends a typing indicator.
func (c *Client) SendTyping(ctx context.Context, conversationID string, active bool) error {
	return c.call(ctx, method(MessageServiceName, "SendTyping"),
		TypingRequest{ConversationID: conversationID, Active: active}, nil)
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*Event, error) {
	out, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	var evt Event
	if err := fromStruct(out, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// WatchEvents subscribes to daemon events whose kind starts with prefix.
// The stream ends when ctx is canceled.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (*EventStream, error) {
	in, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	cs, err := c.conn.NewStream(ctx, &messageServiceDesc.Streams[0], method(MessageServiceName, "WatchEvents"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: x}, nil
}

// ListConversations returns conversations, most recently updated first.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationView, error) {
	var list ConversationList
	if err := c.call(ctx, method(ConversationServiceName, "ListConversations"), nil, &list); err != nil {
		return nil, err
	}
	return list.Conversations, nil
}

// MarkRead clears a conversation's unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.call(ctx, method(ConversationServiceName, "MarkRead"),
		MarkReadRequest{ConversationID: conversationID}, nil)
}

// GetStatus reports the daemon's sync status.
func (c *Client) GetStatus(ctx context.Context) (*StatusReport, error) {
	var report StatusReport
	if err := c.call(ctx, method(SyncServiceName, "GetStatus"), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListQueue returns the pending queue in FIFO order.
func (c *Client) ListQueue(ctx context.Context) ([]QueueEntryView, error) {
	var list QueueList
	if err := c.call(ctx, method(SyncServiceName, "ListQueue"), nil, &list); err != nil {
		return nil, err
	}
	return list.Entries, nil
}

// DrainQueue asks the daemon to drain now.
func (c *Client) DrainQueue(ctx context.Context) (*DrainResult, error) {
	var res DrainResult
	if err := c.call(ctx, method(SyncServiceName, "DrainQueue"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
