// Package bridge starts worker operations and streams what they produce to a
// UI sink. An operation reaches the worker either as a subprocess whose stdout
// is read line by line or as a gRPC server-streaming call.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/streambridge/internal/client"
	"github.com/antonkrylov/streambridge/internal/forward"
)

// itemBuffer bounds the items queued between a producer and its forwarder.
const itemBuffer = 64

// source is one started transport.
type source interface {
	// produce streams items until the worker finishes or ctx ends. emit
	// returns false once ctx is done.
	produce(ctx context.Context, emit func(forward.Item) bool) error
	// release frees the subprocess or connection. It runs once, after
	// produce returned.
	release()
}

// Options configures a Bridge.
type Options struct {
	Logger *slog.Logger
	// DefaultAddress is used by operations whose Config has no Address.
	DefaultAddress string
}

// Bridge starts operations and tracks the ones still running. It is safe for
// concurrent use.
type Bridge struct {
	sink   forward.Sink
	logger *slog.Logger

	addrMu      sync.RWMutex
	defaultAddr string

	mu  sync.Mutex
	ops map[string]*Operation
	wg  sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New returns a Bridge emitting to sink.
func New(sink forward.Sink, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	addr := strings.TrimSpace(opts.DefaultAddress)
	if addr == "" {
		addr = client.DefaultBackendAddr
	}
	return &Bridge{
		sink:        sink,
		logger:      logger,
		defaultAddr: addr,
		ops:         make(map[string]*Operation),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// SetDefaultAddress replaces the address used by later operations. Running
// operations keep the address they started with.
func (b *Bridge) SetDefaultAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if _, _, err := client.NormalizeAddress(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	b.addrMu.Lock()
	b.defaultAddr = addr
	b.addrMu.Unlock()
	b.logger.Info("default worker address changed", "addr", addr)
	return nil
}

func (b *Bridge) DefaultAddress() string {
	b.addrMu.RLock()
	defer b.addrMu.RUnlock()
	return b.defaultAddr
}

func (b *Bridge) resolveAddress(cfg *Config) (string, error) {
	raw := cfg.Address
	if raw == "" {
		raw = b.DefaultAddress()
	}
	addr, tls, err := client.NormalizeAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.TLS = cfg.TLS || tls
	return addr, nil
}

// Start launches one operation and returns as soon as the worker is running
// (subprocess) or connected (RPC). Invalid configuration, spawn failures and
// connection failures are returned here and nothing reaches the sink.
// Everything after that, including failures, arrives at the sink as events.
//
// ctx bounds only the start itself. The operation runs until the worker
// finishes, Cancel is called or the bridge shuts down.
func (b *Bridge) Start(ctx context.Context, cfg Config, req Request) (*Operation, error) {
	cfg = cfg.withDefaults()
	req = req.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	addr, err := b.resolveAddress(&cfg)
	if err != nil {
		return nil, err
	}

	op := newOperation(b.newID(), req, cfg, addr, b.now())
	op.transition(StateIdle, StateStarting)
	logger := b.logger.With("op", op.id, "conversation", op.conversationID, "transport", string(cfg.Transport), "addr", addr)

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	op.cancel = cancel

	var src source
	switch cfg.Transport {
	case TransportSubprocess:
		src, err = startSubprocess(opCtx, cfg, req, addr, logger)
	default:
		src, err = startRPC(ctx, opCtx, cfg, req, addr)
	}
	if err != nil {
		cancel()
		op.transition(StateStarting, StateFailed)
		op.finish(err)
		logger.Warn("start operation failed", "err", err)
		return nil, err
	}

	op.transition(StateStarting, StateStreaming)
	b.mu.Lock()
	b.ops[op.id] = op
	b.mu.Unlock()
	b.wg.Add(1)
	go b.run(opCtx, op, cfg, src, logger)
	logger.Info("operation started")
	return op, nil
}

func (b *Bridge) run(ctx context.Context, op *Operation, cfg Config, src source, logger *slog.Logger) {
	defer b.wg.Done()

	fw := forward.New(b.sink, forward.Tags{OperationID: op.id, ConversationID: op.conversationID}, logger)
	items := make(chan forward.Item, itemBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		fw.Run(ctx, items)
	}()
	emit := func(item forward.Item) bool {
		select {
		case items <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	err := src.produce(ctx, emit)
	src.release()

	switch {
	case op.State() == StateCancelled:
		err = context.Canceled
	case err == nil && op.transition(StateStreaming, StateCompleted):
		if cfg.EmitEnd {
			items <- forward.EndItem(forward.OutcomeCompleted, nil)
		}
	case err != nil && op.transition(StateStreaming, StateFailed):
		items <- forward.EndItem(forward.OutcomeFailed, err)
	default:
		// Cancel won the race against the end of the stream.
		err = context.Canceled
	}
	close(items)
	<-forwarded

	if op.State() == StateCancelled && cfg.EmitEnd {
		fw.Forward(context.WithoutCancel(ctx), forward.EndItem(forward.OutcomeCancelled, nil))
	}
	op.cancel()

	b.mu.Lock()
	delete(b.ops, op.id)
	b.mu.Unlock()
	op.finish(err)

	switch state := op.State(); state {
	case StateFailed:
		logger.Warn("operation failed", "events", fw.Emitted(), "err", err)
	default:
		logger.Info("operation ended", "state", state.String(), "events", fw.Emitted(), "elapsed", b.now().Sub(op.startedAt))
	}
}

// Lookup returns a running operation.
func (b *Bridge) Lookup(id string) (*Operation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[id]
	return op, ok
}

// Cancel cancels a running operation by id.
func (b *Bridge) Cancel(id string) bool {
	op, ok := b.Lookup(id)
	if !ok {
		return false
	}
	return op.Cancel()
}

// Operations returns the running operations, oldest first.
func (b *Bridge) Operations() []*Operation {
	b.mu.Lock()
	out := make([]*Operation, 0, len(b.ops))
	for _, op := range b.ops {
		out = append(out, op)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// Shutdown cancels every running operation and waits until their resources
// are released or ctx ends.
func (b *Bridge) Shutdown(ctx context.Context) error {
	for _, op := range b.Operations() {
		op.Cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
