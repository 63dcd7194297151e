package worker

import (
	"context"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/streambridge/internal/chatpb"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Server is a development stand-in for the analysis worker. It stores every
// message and answers with a canned reply streamed in fixed-size chunks.
type Server struct {
	store      *Store
	logger     *slog.Logger
	chunkSize  int
	chunkDelay time.Duration
}

// Options tune the simulated reply.
type Options struct {
	Logger     *slog.Logger
	ChunkSize  int
	ChunkDelay time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = discardLogger
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 40
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
}

// NewServer wires a Store into a ChatServer implementation.
func NewServer(store *Store, opts Options) *Server {
	opts.setDefaults()
	if store == nil {
		store = NewStore()
	}
	return &Server{store: store, logger: opts.Logger, chunkSize: opts.ChunkSize, chunkDelay: opts.ChunkDelay}
}

func (s *Server) SendMessage(_ context.Context, req chatpb.SendMessageRequest) (chatpb.Message, error) {
	msg := req.Message
	if req.ConversationID != "" {
		msg.ConversationID = req.ConversationID
	}
	stored := s.store.Append(msg)
	s.logger.Info("message stored", "conversation", stored.ConversationID, "id", stored.ID)
	return stored, nil
}

func (s *Server) GetHistory(_ context.Context, req chatpb.HistoryRequest) ([]chatpb.Message, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and offset must not be negative")
	}
	return s.store.History(req.ConversationID, int(req.Limit), int(req.Offset)), nil
}

func (s *Server) StreamResponses(req chatpb.SendMessageRequest, stream FrameSender) error {
	ctx := stream.Context()
	user := req.Message
	if req.ConversationID != "" {
		user.ConversationID = req.ConversationID
	}
	user = s.store.Append(user)

	reply := "Simulated agent reply summarizing: " + truncateRunes(user.Text, 200)
	for _, chunk := range chunkRunes(reply, s.chunkSize) {
		if err := stream.Send(chatpb.PartialFrame(chunk)); err != nil {
			return err
		}
		if err := sleep(ctx, s.chunkDelay); err != nil {
			return status.FromContextError(err).Err()
		}
	}

	agent := s.store.Append(chatpb.Message{
		ConversationID: user.ConversationID,
		Sender:         "agent",
		Text:           reply,
		Confidence:     0.9,
		MetadataJSON:   "{}",
	})
	s.logger.Info("reply streamed", "conversation", agent.ConversationID, "id", agent.ID)
	return stream.Send(chatpb.Frame{Message: &agent, Done: true})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func chunkRunes(s string, size int) []string {
	r := []rune(s)
	out := make([]string, 0, len(r)/size+1)
	for i := 0; i < len(r); i += size {
		end := i + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}
