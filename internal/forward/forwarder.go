// Package forward delivers items produced by a bridge operation to a UI sink,
// one event per item, in production order.
package forward

import (
	"context"
	"io"
	"log/slog"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Tags identify the operation that produced an event.
type Tags struct {
	OperationID    string
	ConversationID string
}

// Forwarder is scoped to one operation. Forward must not be called
// concurrently; Run is the single consumer loop that guarantees it.
type Forwarder struct {
	sink   Sink
	tags   Tags
	logger *slog.Logger
	seq    uint64
	now    func() time.Time
}

// New returns a Forwarder for one operation.
func New(sink Sink, tags Tags, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = discardLogger
	}
	return &Forwarder{
		sink:   sink,
		tags:   tags,
		logger: logger.With("op", tags.OperationID, "conversation", tags.ConversationID),
		now:    time.Now,
	}
}

// Forward renders item and emits it once. Sink failures are logged and
// reported as false; they never reach the producer.
func (f *Forwarder) Forward(ctx context.Context, item Item) bool {
	payload, err := item.Render()
	if err != nil {
		f.logger.Warn("render item failed", "kind", item.Kind, "err", err)
		return false
	}
	f.seq++
	ev := Event{
		Name:           EventName,
		OperationID:    f.tags.OperationID,
		ConversationID: f.tags.ConversationID,
		Seq:            f.seq,
		Kind:           item.Kind,
		Payload:        payload,
		Terminal:       item.Terminal(),
		Outcome:        item.Outcome,
		Time:           f.now(),
	}
	if f.sink == nil {
		return false
	}
	if err := f.sink.Emit(ctx, ev); err != nil {
		f.logger.Warn("forward event failed", "seq", ev.Seq, "kind", ev.Kind, "err", err)
		return false
	}
	return true
}

// Run forwards items until the channel closes. Once ctx is done nothing more
// is emitted, but the channel is still drained so producers never block.
// It returns the number of items handed to the sink.
func (f *Forwarder) Run(ctx context.Context, items <-chan Item) int {
	n := 0
	for item := range items {
		if ctx.Err() != nil {
			continue
		}
		f.Forward(ctx, item)
		n++
	}
	return n
}

// Emitted returns the sequence number of the last event.
func (f *Forwarder) Emitted() uint64 { return f.seq }
