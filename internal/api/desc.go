package api

import (
	"context"

	"google.golang.org/grpc"
)

// Service names as they appear on the wire.
const (
	SessionServiceName = "bizchat.Session"
	ChatServiceName    = "bizchat.Chats"
	MessageServiceName = "bizchat.Messages"
	watchStreamName    = "Watch"
	sessionWatchMethod = "/" + SessionServiceName + "/" + watchStreamName
)

// SessionServer is served under bizchat.Session.
type SessionServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	RequestCode(context.Context, *RequestCodeRequest) (*RequestCodeResponse, error)
	VerifyCode(context.Context, *VerifyCodeRequest) (*VerifyCodeResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	Watch(*WatchRequest, EventStream) error
}

// ChatServer is served under bizchat.Chats.
type ChatServer interface {
	List(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	Refresh(context.Context, *RefreshChatsRequest) (*ListChatsResponse, error)
	Open(context.Context, *OpenChatRequest) (*OpenChatResponse, error)
}

// MessageServer is served under bizchat.Messages.
type MessageServer interface {
	SendText(context.Context, *SendTextRequest) (*SendResponse, error)
	SendFile(context.Context, *SendFileRequest) (*SendResponse, error)
	SearchUsers(context.Context, *SearchUsersRequest) (*SearchUsersResponse, error)
	StartChat(context.Context, *StartChatRequest) (*SendResponse, error)
	Outbox(context.Context, *OutboxRequest) (*OutboxResponse, error)
}

// EventStream is the server side of Watch.
type EventStream interface {
	Send(*EventEnvelope) error
	Context() context.Context
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		method(SessionServiceName, "Status", SessionServer.Status),
		method(SessionServiceName, "RequestCode", SessionServer.RequestCode),
		method(SessionServiceName, "VerifyCode", SessionServer.VerifyCode),
		method(SessionServiceName, "Logout", SessionServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    watchStreamName,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		method(ChatServiceName, "List", ChatServer.List),
		method(ChatServiceName, "Refresh", ChatServer.Refresh),
		method(ChatServiceName, "Open", ChatServer.Open),
	},
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MessageServiceName, "SendText", MessageServer.SendText),
		method(MessageServiceName, "SendFile", MessageServer.SendFile),
		method(MessageServiceName, "SearchUsers", MessageServer.SearchUsers),
		method(MessageServiceName, "StartChat", MessageServer.StartChat),
		method(MessageServiceName, "Outbox", MessageServer.Outbox),
	},
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}

func method[S, Req, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler:    unary(fullMethod(service, name), call),
	}
}

func unary[S, Req, Resp any](full string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SessionServer).Watch(in, &eventServerStream{stream})
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s *eventServerStream) Send(e *EventEnvelope) error {
	return s.ServerStream.SendMsg(e)
}

func fullMethod(service, name string) string {
	return "/" + service + "/" + name
}
