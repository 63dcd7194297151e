package client

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/antonkrylov/streambridge/internal/chatpb"
)

type DialSecurityMode int

const (
	DialInsecure DialSecurityMode = iota
	DialTLS
)

// DialChatService blocks until the worker at addr accepts the connection or
// ctx expires, so an unreachable worker is reported before any call is made.
func DialChatService(ctx context.Context, addr string, mode DialSecurityMode, dialOptions ...grpc.DialOption) (*ChatClient, *grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	switch mode {
	case DialTLS:
		creds = credentials.NewClientTLSFromCert(nil, "")
	default:
		creds = insecure.NewCredentials()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			// Python grpc servers default to a 5m minimum ping interval and
			// answer faster pings with GOAWAY "too_many_pings".
			Time:                5 * time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  250 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   5 * time.Second,
			},
			MinConnectTimeout: 10 * time.Second,
		}),
	}
	opts = append(opts, dialOptions...)

	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewChatClient(conn), conn, nil
}

// ChatClient calls videoanalyzer.chat.ChatService.
type ChatClient struct {
	cc       grpc.ClientConnInterface
	callOpts []grpc.CallOption
}

// NewChatClient wraps an established connection. callOpts apply to every call.
func NewChatClient(cc grpc.ClientConnInterface, callOpts ...grpc.CallOption) *ChatClient {
	return &ChatClient{cc: cc, callOpts: callOpts}
}

func (c *ChatClient) options(extra []grpc.CallOption) []grpc.CallOption {
	out := make([]grpc.CallOption, 0, len(c.callOpts)+len(extra))
	out = append(out, c.callOpts...)
	return append(out, extra...)
}

var streamResponsesDesc = &grpc.StreamDesc{
	StreamName:    "StreamResponses",
	ServerStreams: true,
}

// StreamResponses sends req and returns the server's frame stream. The request
// is half-closed before returning. Cancelling ctx aborts the call.
func (c *ChatClient) StreamResponses(ctx context.Context, req chatpb.SendMessageRequest, opts ...grpc.CallOption) (*FrameStream, error) {
	cs, err := c.cc.NewStream(ctx, streamResponsesDesc, chatpb.StreamResponsesMethod, c.options(opts)...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(chatpb.SendRequestToProto(req)); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{cs: cs}, nil
}

// GetHistory fetches one page of a conversation. It is safe to retry; the
// client never retries on its own.
func (c *ChatClient) GetHistory(ctx context.Context, req chatpb.HistoryRequest, opts ...grpc.CallOption) ([]chatpb.Message, error) {
	out := chatpb.NewHistoryResponseMessage()
	if err := c.cc.Invoke(ctx, chatpb.GetHistoryMethod, chatpb.HistoryRequestToProto(req), out, c.options(opts)...); err != nil {
		return nil, err
	}
	return chatpb.HistoryResponseFromProto(out), nil
}

// SendMessage stores a message without streaming a reply.
func (c *ChatClient) SendMessage(ctx context.Context, req chatpb.SendMessageRequest, opts ...grpc.CallOption) (chatpb.Message, error) {
	out := chatpb.NewSendResponseMessage()
	if err := c.cc.Invoke(ctx, chatpb.SendMessageMethod, chatpb.SendRequestToProto(req), out, c.options(opts)...); err != nil {
		return chatpb.Message{}, err
	}
	return chatpb.SendResponseFromProto(out), nil
}

// FrameStream is the receiving side of StreamResponses.
type FrameStream struct {
	cs grpc.ClientStream
}

// Recv blocks for the next frame. It returns io.EOF when the server closes the
// stream normally and a status error otherwise.
func (s *FrameStream) Recv() (chatpb.Frame, error) {
	m := chatpb.NewFrameMessage()
	if err := s.cs.RecvMsg(m); err != nil {
		return chatpb.Frame{}, err
	}
	return chatpb.FrameFromProto(m), nil
}

// Frames yields frames until the stream ends. A clean close ends the sequence
// silently; any other error is yielded once as the last element.
func (s *FrameStream) Frames() iter.Seq2[chatpb.Frame, error] {
	return func(yield func(chatpb.Frame, error) bool) {
		for {
			f, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(chatpb.Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
