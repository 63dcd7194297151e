package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is an operation's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Operation is the handle of one Start call.
type Operation struct {
	id             string
	conversationID string
	transport      Transport
	addr           string
	startedAt      time.Time

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newOperation(id string, req Request, cfg Config, addr string, now time.Time) *Operation {
	op := &Operation{
		id:             id,
		conversationID: req.ConversationID,
		transport:      cfg.Transport,
		addr:           addr,
		startedAt:      now,
		cancel:         func() {},
		done:           make(chan struct{}),
	}
	op.state.Store(int32(StateIdle))
	return op
}

func (o *Operation) ID() string             { return o.id }
func (o *Operation) ConversationID() string { return o.conversationID }
func (o *Operation) Transport() Transport   { return o.transport }
func (o *Operation) StartedAt() time.Time   { return o.startedAt }

// Address is the worker address snapshotted when the operation started.
func (o *Operation) Address() string { return o.addr }

func (o *Operation) State() State { return State(o.state.Load()) }

func (o *Operation) transition(from, to State) bool {
	return o.state.CompareAndSwap(int32(from), int32(to))
}

// Cancel stops a streaming operation. It returns false when the operation
// had already ended. Done closes once the worker's resources are released.
func (o *Operation) Cancel() bool {
	if !o.transition(StateStreaming, StateCancelled) {
		return false
	}
	o.cancel()
	return true
}

// Done is closed after the operation reached a terminal state, its last event
// was forwarded and its subprocess or connection was released.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation ends or ctx is done. It returns the
// operation's error: nil on completion, context.Canceled after Cancel.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that ended the operation, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation) finish(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	close(o.done)
}

// Info is a point-in-time view of an operation.
type Info struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Transport      Transport `json:"transport"`
	Address        string    `json:"address"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	Error          string    `json:"error,omitempty"`
}

func (o *Operation) Info() Info {
	info := Info{
		ID:             o.id,
		ConversationID: o.conversationID,
		Transport:      o.transport,
		Address:        o.addr,
		State:          o.State().String(),
		StartedAt:      o.startedAt,
	}
	if err := o.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}
