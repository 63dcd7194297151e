package sink

import (
	"context"
	"sync"

	"github.com/antonkrylov/streambridge/internal/forward"
)

// Recorder keeps every event in memory.
type Recorder struct {
	mu      sync.Mutex
	events  []forward.Event
	changed chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

func (r *Recorder) Emit(_ context.Context, ev forward.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []forward.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]forward.Event(nil), r.events...)
}

// Operation returns the events of one operation.
func (r *Recorder) Operation(id string) []forward.Event {
	var out []forward.Event
	for _, ev := range r.Events() {
		if ev.OperationID == id {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until cond holds for the recorded events or ctx ends.
func (r *Recorder) WaitFor(ctx context.Context, cond func([]forward.Event) bool) error {
	for {
		r.mu.Lock()
		ok := cond(r.events)
		changed := r.changed
		r.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
