package forward

import (
	"context"
	"errors"
	"time"
)

// EventName is the single channel every item is emitted on.
const EventName = "stream_chunk"

// Event is what a Sink receives for each item.
type Event struct {
	Name           string    `json:"event"`
	OperationID    string    `json:"operation_id"`
	ConversationID string    `json:"conversation_id"`
	Seq            uint64    `json:"seq"`
	Kind           Kind      `json:"kind"`
	Payload        string    `json:"payload"`
	Terminal       bool      `json:"terminal"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	Time           time.Time `json:"time"`
}

// Sink delivers events to a UI. Implementations must be safe for concurrent
// use: forwarders of different operations share one sink.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Tee emits every event to each sink in order. All sinks are attempted; their
// errors are joined.
func Tee(sinks ...Sink) Sink {
	flat := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			flat = append(flat, s)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return tee(flat)
}

type tee []Sink

func (t tee) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range t {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
