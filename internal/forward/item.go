package forward

import (
	"encoding/json"
	"fmt"

	"github.com/antonkrylov/streambridge/internal/chatpb"
)

// Kind tags what an item carries.
type Kind string

const (
	KindLine       Kind = "line"
	KindFrame      Kind = "frame"
	KindDiagnostic Kind = "diagnostic"
	KindEnd        Kind = "end"
)

// Outcome is the final state reported by an end item.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Item is one unit produced by a running operation.
type Item struct {
	Kind    Kind
	Line    string
	Frame   chatpb.Frame
	Err     error
	Outcome Outcome
}

// LineItem wraps a line read from a subprocess.
func LineItem(line string) Item { return Item{Kind: KindLine, Line: line} }

// FrameItem wraps a frame received over RPC.
func FrameItem(f chatpb.Frame) Item { return Item{Kind: KindFrame, Frame: f} }

// DiagnosticItem reports a skipped line or frame. The stream goes on.
func DiagnosticItem(err error) Item { return Item{Kind: KindDiagnostic, Err: err} }

// EndItem closes an operation's sequence.
func EndItem(outcome Outcome, err error) Item {
	return Item{Kind: KindEnd, Outcome: outcome, Err: err}
}

// Terminal reports whether nothing follows this item.
func (i Item) Terminal() bool { return i.Kind == KindEnd }

// Render returns the payload string. Lines pass through unchanged and frames
// become their canonical JSON encoding.
func (i Item) Render() (string, error) {
	switch i.Kind {
	case KindLine:
		return i.Line, nil
	case KindFrame:
		b, err := json.Marshal(i.Frame)
		if err != nil {
			return "", fmt.Errorf("encode frame: %w", err)
		}
		return string(b), nil
	case KindDiagnostic, KindEnd:
		if i.Err == nil {
			return "", nil
		}
		return i.Err.Error(), nil
	default:
		return "", fmt.Errorf("unknown item kind %q", i.Kind)
	}
}
