// Command worker runs a development ChatService and the line-printing clients
// the bridge drives in subprocess mode.
//
//	worker [serve] --listen :50051            serve ChatService
//	worker stream --addr A --conversation C --text T [--attachment P]...
//	worker history --addr A --conversation C [--limit N] [--offset N]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/client"
	"github.com/antonkrylov/streambridge/internal/worker"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "stream":
		err = stream(args, os.Stdout)
	case "history":
		err = history(args, os.Stdout)
	default:
		err = fmt.Errorf("unknown command %q (want serve, stream or history)", cmd)
	}
	if err == nil {
		return
	}
	var printed printedError
	if !errors.As(err, &printed) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		listenAddr = fs.String("listen", ":50051", "ChatService gRPC listen address")
		chunkSize  = fs.Int("chunk-size", 40, "runes per streamed partial_text frame")
		chunkDelay = fs.Duration("chunk-delay", 50*time.Millisecond, "pause between streamed frames")
		logJSON    = fs.Bool("log-json", false, "emit logs as JSON")
	)
	_ = fs.Parse(args)

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	srv := worker.NewServer(worker.NewStore(), worker.Options{
		Logger:     logger,
		ChunkSize:  *chunkSize,
		ChunkDelay: *chunkDelay,
	})
	grpcServer := grpc.NewServer()
	worker.Register(grpcServer, srv)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down worker")
		grpcServer.GracefulStop()
	}()

	logger.Info("worker ready", "addr", lis.Addr().String())
	return grpcServer.Serve(lis)
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// printedError has already been written to stdout as an error object.
type printedError struct{ err error }

func (p printedError) Error() string { return p.err.Error() }

// printRPCError writes {"error","code"} so the bridge can surface it. A
// cancelled call prints nothing.
func printRPCError(out io.Writer, err error) error {
	if client.IsCanceled(err) {
		return printedError{err: err}
	}
	st := status.Convert(err)
	b, _ := json.Marshal(map[string]any{"error": st.Message(), "code": int(st.Code())})
	fmt.Fprintln(out, string(b))
	return printedError{err: err}
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*client.ChatClient, *grpc.ClientConn, error) {
	target, tls, err := client.NormalizeAddress(addr)
	if err != nil {
		return nil, nil, err
	}
	mode := client.DialInsecure
	if tls {
		mode = client.DialTLS
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.DialChatService(dialCtx, target, mode)
}

// stream prints every frame of one StreamResponses call as a JSON line.
func stream(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	var (
		addr         = fs.String("addr", client.DefaultBackendAddr, "ChatService address")
		conversation = fs.String("conversation", "default", "conversation id")
		sender       = fs.String("sender", "user", "sender id")
		text         = fs.String("text", "", "message text")
		timeout      = fs.Duration("timeout", 10*time.Second, "connect timeout")
		attachments  stringSliceFlag
	)
	fs.Var(&attachments, "attachment", "attachment path; repeatable")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chat, conn, err := dial(ctx, *addr, *timeout)
	if err != nil {
		return printRPCError(out, err)
	}
	defer conn.Close()

	frames, err := chat.StreamResponses(ctx, chatpb.SendMessageRequest{
		ConversationID: *conversation,
		Message: chatpb.Message{
			ConversationID: *conversation,
			Sender:         *sender,
			Text:           *text,
			Attachments:    attachments,
		},
		StreamResponses: true,
	})
	if err != nil {
		return printRPCError(out, err)
	}
	enc := json.NewEncoder(out)
	for f, err := range frames.Frames() {
		if err != nil {
			return printRPCError(out, err)
		}
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

// history prints one page as {"messages":[...]}.
func history(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var (
		addr         = fs.String("addr", client.DefaultBackendAddr, "ChatService address")
		conversation = fs.String("conversation", "default", "conversation id")
		limit        = fs.Int("limit", 200, "maximum messages")
		offset       = fs.Int("offset", 0, "messages to skip")
		timeout      = fs.Duration("timeout", 10*time.Second, "call timeout")
	)
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	chat, conn, err := dial(ctx, *addr, *timeout)
	if err != nil {
		return printRPCError(out, err)
	}
	defer conn.Close()

	msgs, err := chat.GetHistory(ctx, chatpb.HistoryRequest{
		ConversationID: *conversation,
		Limit:          int32(*limit),
		Offset:         int32(*offset),
	})
	if err != nil {
		return printRPCError(out, err)
	}
	return json.NewEncoder(out).Encode(map[string]any{"messages": msgs})
}
