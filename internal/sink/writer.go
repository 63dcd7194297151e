// Package sink holds forward.Sink implementations for the shells that host the
// bridge: terminals, browsers over SSE, and NATS subscribers.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/antonkrylov/streambridge/internal/forward"
)

// Format selects how Writer prints events.
type Format string

const (
	// FormatJSON prints each event envelope as one JSON line.
	FormatJSON Format = "json"
	// FormatPayload prints only payloads, one per line.
	FormatPayload Format = "payload"
	// FormatText prints a short human readable line per event.
	FormatText Format = "text"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatPayload, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json, payload or text)", s)
	}
}

// Writer writes events to an io.Writer, one line each.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

func NewWriter(w io.Writer, format Format) *Writer {
	if format == "" {
		format = FormatJSON
	}
	return &Writer{w: w, format: format}
}

func (w *Writer) Emit(_ context.Context, ev forward.Event) error {
	var line string
	switch w.format {
	case FormatPayload:
		line = ev.Payload
	case FormatText:
		line = renderText(ev)
	default:
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		line = string(b)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, line+"\n")
	return err
}

func renderText(ev forward.Event) string {
	prefix := fmt.Sprintf("[%s #%d]", ev.ConversationID, ev.Seq)
	switch ev.Kind {
	case forward.KindEnd:
		if ev.Payload == "" {
			return fmt.Sprintf("%s %s", prefix, ev.Outcome)
		}
		return fmt.Sprintf("%s %s: %s", prefix, ev.Outcome, ev.Payload)
	case forward.KindDiagnostic:
		return fmt.Sprintf("%s skipped: %s", prefix, ev.Payload)
	default:
		return prefix + " " + ev.Payload
	}
}
