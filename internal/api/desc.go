package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names. Every message on the wire is a protobuf well-known type:
// requests and responses with fields travel as structpb.Struct, the rest
// as emptypb.Empty.
const (
	MessageServiceName      = "msgsync.v1.MessageService"
	ConversationServiceName = "msgsync.v1.ConversationService"
	SyncServiceName         = "msgsync.v1.SyncService"

	apiMetadata = "msgsync/v1/api.proto"
)

// MessageServer is the server side of msgsync.v1.MessageService.
type MessageServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlderMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendTyping(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ConversationServer is the server side of msgsync.v1.ConversationService.
type ConversationServer interface {
	ListConversations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// SyncServer is the server side of msgsync.v1.SyncService.
type SyncServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListQueue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	DrainQueue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }

// unaryMethod builds a MethodDesc that decodes the request with newReq and
// dispatches to call through the server's interceptor chain.
func unaryMethod[S any, Req, Res proto.Message](service, name string, newReq func() Req, call func(S, context.Context, Req) (Res, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessageServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MessageServiceName, "SendMessage", newStruct, MessageServer.SendMessage),
		unaryMethod(MessageServiceName, "RetryMessage", newStruct, MessageServer.RetryMessage),
		unaryMethod(MessageServiceName, "LoadOlderMessages", newStruct, MessageServer.LoadOlderMessages),
		unaryMethod(MessageServiceName, "SearchMessages", newStruct, MessageServer.SearchMessages),
		unaryMethod(MessageServiceName, "SendTyping", newStruct, MessageServer.SendTyping),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: apiMetadata,
}

var conversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(ConversationServiceName, "ListConversations", newEmpty, ConversationServer.ListConversations),
		unaryMethod(ConversationServiceName, "MarkRead", newStruct, ConversationServer.MarkRead),
	},
	Metadata: apiMetadata,
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(SyncServiceName, "GetStatus", newEmpty, SyncServer.GetStatus),
		unaryMethod(SyncServiceName, "ListQueue", newEmpty, SyncServer.ListQueue),
		unaryMethod(SyncServiceName, "DrainQueue", newEmpty, SyncServer.DrainQueue),
	},
	Metadata: apiMetadata,
}

// RegisterMessageService registers srv on s.
func RegisterMessageService(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}

// RegisterConversationService registers srv on s.
func RegisterConversationService(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&conversationServiceDesc, srv)
}

// RegisterSyncService registers srv on s.
func RegisterSyncService(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&syncServiceDesc, srv)
}
