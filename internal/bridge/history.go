package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/procattr"
)

// HistoryQuery selects one page of a conversation.
type HistoryQuery struct {
	ConversationID string
	Limit          int32
	Offset         int32
}

// History fetches one page of a conversation's messages in the order the
// worker returns them (oldest first for the reference worker). It is safe to
// repeat. Without a deadline on ctx the call is bounded by cfg.DialTimeout.
func (b *Bridge) History(ctx context.Context, cfg Config, q HistoryQuery) ([]chatpb.Message, error) {
	cfg = cfg.withDefaults()
	if q.ConversationID == "" {
		return nil, invalidf("conversation id is required")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Offset < 0 {
		return nil, invalidf("offset must not be negative")
	}
	addr, err := b.resolveAddress(&cfg)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	switch cfg.Transport {
	case TransportSubprocess:
		if len(cfg.HistoryCommand) == 0 || cfg.HistoryCommand[0] == "" {
			return nil, invalidf("subprocess transport needs a history command")
		}
		return runHistoryCommand(ctx, cfg, addr, q)
	case TransportRPC:
		chat, conn, err := dialWorker(ctx, cfg, addr)
		if err != nil {
			return nil, err
		}
		defer func() { _ = conn.Close() }()
		return chat.GetHistory(ctx, chatpb.HistoryRequest{
			ConversationID: q.ConversationID,
			Limit:          q.Limit,
			Offset:         q.Offset,
		})
	default:
		return nil, invalidf("unknown transport %q", cfg.Transport)
	}
}

// historyOutput is what a history script prints: either the page or an error
// object.
type historyOutput struct {
	Messages []chatpb.Message `json:"messages"`
	Error    string           `json:"error"`
	Code     json.RawMessage  `json:"code"`
}

func runHistoryCommand(ctx context.Context, cfg Config, addr string, q HistoryQuery) ([]chatpb.Message, error) {
	name := cfg.HistoryCommand[0]
	args := append([]string(nil), cfg.HistoryCommand[1:]...)
	args = append(args,
		"--addr", addr,
		"--conversation", q.ConversationID,
		"--limit", strconv.Itoa(int(q.Limit)),
		"--offset", strconv.Itoa(int(q.Offset)),
	)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	procattr.Set(cmd)
	cmd.Cancel = func() error { return procattr.KillGroup(cmd.Process) }
	cmd.WaitDelay = cfg.StopGrace
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	out, runErr := cmd.Output()
	if runErr != nil && cmd.Process == nil {
		return nil, &SpawnError{Command: name, Err: runErr}
	}
	msgs, parseErr := parseHistory(out)
	if parseErr == nil || errors.As(parseErr, new(*HistoryError)) {
		return msgs, parseErr
	}
	if runErr != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			return nil, &ExitError{Code: ee.ExitCode(), Stderr: stderr.String(), Err: runErr}
		}
		return nil, runErr
	}
	return nil, parseErr
}

func parseHistory(out []byte) ([]chatpb.Message, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, errors.New("history command printed nothing")
	}
	var parsed historyOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("decode history output: %w", err)
	}
	if parsed.Error != "" {
		return nil, &HistoryError{Code: strings.Trim(string(parsed.Code), `"`), Message: parsed.Error}
	}
	if parsed.Messages == nil {
		parsed.Messages = []chatpb.Message{}
	}
	return parsed.Messages, nil
}

// Store delivers req with SendMessage and returns the message as the worker
// stored it. No reply is streamed. Only the rpc transport supports it.
func (b *Bridge) Store(ctx context.Context, cfg Config, req Request) (chatpb.Message, error) {
	cfg = cfg.withDefaults()
	if cfg.Transport != TransportRPC {
		return chatpb.Message{}, invalidf("store needs the rpc transport")
	}
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return chatpb.Message{}, err
	}
	addr, err := b.resolveAddress(&cfg)
	if err != nil {
		return chatpb.Message{}, err
	}
	chat, conn, err := dialWorker(ctx, cfg, addr)
	if err != nil {
		return chatpb.Message{}, err
	}
	defer func() { _ = conn.Close() }()
	return chat.SendMessage(ctx, chatpb.SendMessageRequest{
		ConversationID: req.ConversationID,
		Message:        requestMessage(req),
	})
}
