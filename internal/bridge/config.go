package bridge

import (
	"time"

	"github.com/antonkrylov/streambridge/internal/client"
)

// Transport selects how an operation reaches the worker.
type Transport string

const (
	TransportRPC        Transport = "rpc"
	TransportSubprocess Transport = "subprocess"
)

const (
	DefaultStopGrace      = 500 * time.Millisecond
	DefaultAttachmentFlag = "attachment"
	DefaultHistoryLimit   = 200
	DefaultSender         = "user"
)

// Config is the per-call configuration of Start and History.
type Config struct {
	Transport Transport
	// Address overrides the bridge default for this call only.
	Address     string
	DialTimeout time.Duration
	TLS         bool
	// Compression names a gRPC compressor; only "gzip" is registered.
	Compression string

	// Command is the worker executable and its leading arguments. The bridge
	// appends --addr, --conversation, --sender, --text and one
	// --<AttachmentFlag> per attachment.
	Command        []string
	HistoryCommand []string
	Dir            string
	// Env entries are added to the bridge's own environment.
	Env []string
	// PTY runs the worker on a pseudo terminal, for workers that only flush
	// line by line when attached to a tty.
	PTY            bool
	AttachmentFlag string
	StopGrace      time.Duration

	// EmitEnd sends a terminal end event on completion and cancellation too.
	// Failures always send one.
	EmitEnd bool
}

// Request is the message a UI action submits.
type Request struct {
	ConversationID string
	Sender         string
	Text           string
	Attachments    []string
	MetadataJSON   string
}

// ConfigFromConnection builds a Config from a resolved CLI connection and its
// config file context.
func ConfigFromConnection(conn *client.Connection) Config {
	cfg := Config{
		Transport:   TransportRPC,
		Address:     conn.BackendAddr,
		DialTimeout: conn.Timeout,
		TLS:         conn.TLS,
	}
	ctx := conn.Context
	if ctx == nil {
		return cfg
	}
	if ctx.Transport != "" {
		cfg.Transport = Transport(ctx.Transport)
	}
	cfg.Compression = ctx.Compression
	if w := ctx.Worker; w != nil {
		cfg.Command = append([]string(nil), w.Command...)
		cfg.HistoryCommand = append([]string(nil), w.HistoryCommand...)
		cfg.Dir = w.Dir
		cfg.Env = append([]string(nil), w.Env...)
		cfg.PTY = w.PTY
		cfg.AttachmentFlag = w.AttachmentFlag
		if w.StopGraceMillis > 0 {
			cfg.StopGrace = time.Duration(w.StopGraceMillis) * time.Millisecond
		}
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = TransportRPC
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = client.DefaultTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.AttachmentFlag == "" {
		c.AttachmentFlag = DefaultAttachmentFlag
	}
	return c
}

func (c Config) validate() error {
	switch c.Transport {
	case TransportRPC:
	case TransportSubprocess:
		if len(c.Command) == 0 || c.Command[0] == "" {
			return invalidf("subprocess transport needs a worker command")
		}
	default:
		return invalidf("unknown transport %q", c.Transport)
	}
	switch c.Compression {
	case "", "none", "gzip":
	default:
		return invalidf("unsupported compression %q", c.Compression)
	}
	return nil
}

func (r Request) withDefaults() Request {
	if r.Sender == "" {
		r.Sender = DefaultSender
	}
	return r
}

func (r Request) validate() error {
	if r.ConversationID == "" {
		return invalidf("conversation id is required")
	}
	if r.Text == "" {
		return invalidf("message text is required")
	}
	return nil
}
