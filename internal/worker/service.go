package worker

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/antonkrylov/streambridge/internal/chatpb"
)

// ChatServer is the server side of videoanalyzer.chat.ChatService.
type ChatServer interface {
	SendMessage(ctx context.Context, req chatpb.SendMessageRequest) (chatpb.Message, error)
	StreamResponses(req chatpb.SendMessageRequest, stream FrameSender) error
	GetHistory(ctx context.Context, req chatpb.HistoryRequest) ([]chatpb.Message, error)
}

// FrameSender delivers frames of one StreamResponses call.
type FrameSender interface {
	Context() context.Context
	Send(chatpb.Frame) error
}

// Register installs srv on s.
func Register(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: chatpb.ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "GetHistory", Handler: getHistoryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamResponses", Handler: streamResponsesHandler, ServerStreams: true},
	},
	Metadata: chatpb.FileName,
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := chatpb.NewSendRequestMessage()
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		stored, err := srv.(ChatServer).SendMessage(ctx, chatpb.SendRequestFromProto(req.(proto.Message).ProtoReflect()))
		if err != nil {
			return nil, err
		}
		return chatpb.SendResponseToProto(stored), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: chatpb.SendMessageMethod}
	return interceptor(ctx, in, info, handler)
}

func getHistoryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := chatpb.NewHistoryRequestMessage()
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		msgs, err := srv.(ChatServer).GetHistory(ctx, chatpb.HistoryRequestFromProto(req.(proto.Message).ProtoReflect()))
		if err != nil {
			return nil, err
		}
		return chatpb.HistoryResponseToProto(msgs), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: chatpb.GetHistoryMethod}
	return interceptor(ctx, in, info, handler)
}

func streamResponsesHandler(srv any, stream grpc.ServerStream) error {
	in := chatpb.NewSendRequestMessage()
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).StreamResponses(chatpb.SendRequestFromProto(in), &frameSender{stream})
}

type frameSender struct {
	grpc.ServerStream
}

func (s *frameSender) Send(f chatpb.Frame) error {
	return s.ServerStream.SendMsg(chatpb.FrameToProto(f))
}
