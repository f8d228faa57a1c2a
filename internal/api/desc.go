// Package api exposes the daemon over gRPC. Requests and responses are
// structpb.Struct documents, so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// Method names.
const (
	MethodSend              = "Send"
	MethodListFeed          = "ListFeed"
	MethodLoadMore          = "LoadMore"
	MethodRefresh           = "Refresh"
	MethodOpenConversation  = "OpenConversation"
	MethodCloseConversation = "CloseConversation"
	MethodPin               = "Pin"
	MethodUnpin             = "Unpin"
	MethodDelete            = "Delete"
	MethodStartConversation = "StartConversation"
	MethodSearch            = "Search"
	MethodReact             = "React"
	MethodPinMessage        = "PinMessage"
	MethodEditMessage       = "EditMessage"
	MethodRecallMessage     = "RecallMessage"
	MethodDeleteMessage     = "DeleteMessage"
	MethodPutUsers          = "PutUsers"
	MethodWatchFeed         = "WatchFeed"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ChatSyncServer is the server API of the chatsync service.
type ChatSyncServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFeed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unpin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PinMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecallMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PutUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchFeed(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchFeedHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSyncServer).WatchFeed(in, stream)
}

// ServiceDesc describes the chatsync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSend, ChatSyncServer.Send),
		unary(MethodListFeed, ChatSyncServer.ListFeed),
		unary(MethodLoadMore, ChatSyncServer.LoadMore),
		unary(MethodRefresh, ChatSyncServer.Refresh),
		unary(MethodOpenConversation, ChatSyncServer.OpenConversation),
		unary(MethodCloseConversation, ChatSyncServer.CloseConversation),
		unary(MethodPin, ChatSyncServer.Pin),
		unary(MethodUnpin, ChatSyncServer.Unpin),
		unary(MethodDelete, ChatSyncServer.Delete),
		unary(MethodStartConversation, ChatSyncServer.StartConversation),
		unary(MethodSearch, ChatSyncServer.Search),
		unary(MethodReact, ChatSyncServer.React),
		unary(MethodPinMessage, ChatSyncServer.PinMessage),
		unary(MethodEditMessage, ChatSyncServer.EditMessage),
		unary(MethodRecallMessage, ChatSyncServer.RecallMessage),
		unary(MethodDeleteMessage, ChatSyncServer.DeleteMessage),
		unary(MethodPutUsers, ChatSyncServer.PutUsers),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchFeed,
			Handler:       watchFeedHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
