package bridge

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/client"
	"github.com/antonkrylov/streambridge/internal/forward"
)

type rpcSource struct {
	conn   *grpc.ClientConn
	stream *client.FrameStream
}

func dialWorker(ctx context.Context, cfg Config, addr string) (*client.ChatClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	mode := client.DialInsecure
	if cfg.TLS {
		mode = client.DialTLS
	}
	var opts []grpc.DialOption
	if cfg.Compression == gzip.Name {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	}
	chat, conn, err := client.DialChatService(dialCtx, addr, mode, opts...)
	if err != nil {
		return nil, nil, &ConnectError{Addr: addr, Err: err}
	}
	return chat, conn, nil
}

// startRPC dials within startCtx and opens the stream on opCtx, which outlives
// the Start call.
func startRPC(startCtx, opCtx context.Context, cfg Config, req Request, addr string) (*rpcSource, error) {
	chat, conn, err := dialWorker(startCtx, cfg, addr)
	if err != nil {
		return nil, err
	}
	stream, err := chat.StreamResponses(opCtx, chatpb.SendMessageRequest{
		ConversationID:  req.ConversationID,
		Message:         requestMessage(req),
		StreamResponses: true,
	})
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return &rpcSource{conn: conn, stream: stream}, nil
}

func requestMessage(req Request) chatpb.Message {
	return chatpb.Message{
		ConversationID: req.ConversationID,
		Sender:         req.Sender,
		Text:           req.Text,
		Attachments:    append([]string(nil), req.Attachments...),
		MetadataJSON:   req.MetadataJSON,
	}
}

// produce forwards frames until the server closes the stream. A done frame
// does not end the operation; the call's final status does.
func (r *rpcSource) produce(ctx context.Context, emit func(forward.Item) bool) error {
	for {
		frame, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !emit(forward.FrameItem(frame)) {
			return ctx.Err()
		}
	}
}

func (r *rpcSource) release() {
	_ = r.conn.Close()
}
