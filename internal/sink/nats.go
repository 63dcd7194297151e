package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/streambridge/internal/forward"
)

const (
	DefaultNATSSubject = "streambridge.events"

	HeaderOperation       = "Streambridge-Operation"
	HeaderEvent           = "Streambridge-Event"
	HeaderContentEncoding = "Content-Encoding"
)

// NATSOptions configures the NATS sink.
type NATSOptions struct {
	// Subject is the prefix; events go to <Subject>.<conversation>.
	Subject string
	// Stream, when set, publishes through JetStream into this stream,
	// creating it if needed, with per-event message ids for dedupe.
	Stream string
	// CompressAbove zstd-compresses payloads larger than this many bytes.
	// Zero disables compression.
	CompressAbove int
	MaxAge        time.Duration
	Logger        *slog.Logger
}

func (o *NATSOptions) setDefaults() {
	if o.Subject == "" {
		o.Subject = DefaultNATSSubject
	}
	if o.MaxAge == 0 {
		o.MaxAge = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = discardLogger
	}
}

// NATS mirrors events to a NATS subject so other processes can follow a
// conversation.
type NATS struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	opts NATSOptions
	enc  *zstd.Encoder
}

// ConnectNATS dials url with a client name.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url, nats.Name(name))
}

// NewNATS publishes on conn. The caller keeps ownership of conn.
func NewNATS(conn *nats.Conn, opts NATSOptions) (*NATS, error) {
	opts.setDefaults()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	n := &NATS{conn: conn, opts: opts, enc: enc}
	if opts.Stream != "" {
		js, err := conn.JetStream()
		if err != nil {
			return nil, err
		}
		n.js = js
		if err := n.ensureStream(); err != nil {
			return nil, fmt.Errorf("jetstream stream %s: %w", opts.Stream, err)
		}
	}
	return n, nil
}

func (n *NATS) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       n.opts.Stream,
		Subjects:   []string{n.opts.Subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxAge:     n.opts.MaxAge,
		Discard:    nats.DiscardOld,
		Duplicates: 2 * time.Minute,
	}
	if _, err := n.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := n.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := n.js.UpdateStream(cfg)
	return err
}

func (n *NATS) Emit(ctx context.Context, ev forward.Event) error {
	msg, err := n.encode(ev)
	if err != nil {
		return err
	}
	if n.js != nil {
		_, err := n.js.PublishMsg(msg, nats.Context(ctx))
		return err
	}
	return n.conn.PublishMsg(msg)
}

func (n *NATS) encode(ev forward.Event) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(Subject(n.opts.Subject, ev.ConversationID))
	msg.Header.Set(HeaderOperation, ev.OperationID)
	msg.Header.Set(HeaderEvent, ev.Name)
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s-%d", ev.OperationID, ev.Seq))
	if n.opts.CompressAbove > 0 && len(data) > n.opts.CompressAbove {
		data = n.enc.EncodeAll(data, nil)
		msg.Header.Set(HeaderContentEncoding, "zstd")
	}
	msg.Data = data
	return msg, nil
}

// Close releases the encoder. The connection is left open.
func (n *NATS) Close() error {
	return n.enc.Close()
}

// Subject returns the subject for a conversation. Characters with meaning in
// NATS subjects are replaced.
func Subject(prefix, conversationID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, conversationID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

var zstdDecoder, _ = zstd.NewReader(nil)

// DecodeNATS reverses the sink's encoding for subscribers.
func DecodeNATS(msg *nats.Msg) (forward.Event, error) {
	data := msg.Data
	if msg.Header.Get(HeaderContentEncoding) == "zstd" {
		var err error
		data, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return forward.Event{}, fmt.Errorf("decompress event: %w", err)
		}
	}
	var ev forward.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return forward.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
