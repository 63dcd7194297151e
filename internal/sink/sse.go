package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/antonkrylov/streambridge/internal/forward"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const allTopic = "all"

// ConversationTopic is the SSE topic carrying one conversation's events.
func ConversationTopic(id string) string { return "conversation-" + id }

// OperationTopic is the SSE topic carrying one operation's events.
func OperationTopic(id string) string { return "operation-" + id }

// SSE publishes events to browsers. Clients connect with optional
// ?conversation=<id> and ?operation=<id> filters; without filters they receive
// every event.
type SSE struct {
	srv    *sse.Server
	logger *slog.Logger
}

func NewSSE(logger *slog.Logger) *SSE {
	if logger == nil {
		logger = discardLogger
	}
	s := &SSE{logger: logger}
	s.srv = &sse.Server{
		OnSession: func(sess *sse.Session) (sse.Subscription, bool) {
			q := sess.Req.URL.Query()
			topics := []string{sse.DefaultTopic}
			if c := q.Get("conversation"); c != "" {
				topics = append(topics, ConversationTopic(c))
			}
			if o := q.Get("operation"); o != "" {
				topics = append(topics, OperationTopic(o))
			}
			if len(topics) == 1 {
				topics = append(topics, allTopic)
			}
			s.logger.Debug("sse client subscribed", "topics", topics)
			return sse.Subscription{
				Client:      sess,
				LastEventID: sess.LastEventID,
				Topics:      topics,
			}, true
		},
	}
	return s
}

func (s *SSE) Emit(_ context.Context, ev forward.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type(forward.EventName)}
	msg.AppendData(string(data))
	return s.srv.Publish(msg, allTopic, ConversationTopic(ev.ConversationID), OperationTopic(ev.OperationID))
}

func (s *SSE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.srv.ServeHTTP(w, r)
}

// Shutdown tells connected clients to go away and closes their streams.
func (s *SSE) Shutdown(ctx context.Context) error {
	bye := &sse.Message{Type: sse.Type("close")}
	bye.AppendData("bye")
	_ = s.srv.Publish(bye)
	return s.srv.Shutdown(ctx)
}
