package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/forward"
)

// streamingChatPrinter renders bridge events as a chat transcript. Partial
// text is written inline on a single "agent: " line; everything else ends it.
type streamingChatPrinter struct {
	out         io.Writer
	err         io.Writer
	interactive bool

	mu          sync.Mutex
	agentActive bool
	agentFull   string

	statusSpinning bool
	statusCancel   context.CancelFunc
	statusDetail   string
	statusStart    time.Time
}

func newStreamingChatPrinter(out, err io.Writer, interactive bool) *streamingChatPrinter {
	return &streamingChatPrinter{out: out, err: err, interactive: interactive}
}

func (p *streamingChatPrinter) Close() {
	if p == nil {
		return
	}
	p.stopThinkingSpinner(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endAgentLine()
}

// Emit implements forward.Sink.
func (p *streamingChatPrinter) Emit(_ context.Context, ev forward.Event) error {
	switch ev.Kind {
	case forward.KindDiagnostic:
		p.stopThinkingSpinner(true)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.endAgentLine()
		_, err := fmt.Fprintf(p.err, "warning: %s\n", ev.Payload)
		return err
	case forward.KindEnd:
		p.stopThinkingSpinner(true)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.endAgentLine()
		switch ev.Outcome {
		case forward.OutcomeFailed:
			_, err := fmt.Fprintf(p.err, "error: %s\n", ev.Payload)
			return err
		case forward.OutcomeCancelled:
			_, err := fmt.Fprintln(p.err, "cancelled")
			return err
		}
		return nil
	}

	wl, ok := chatpb.ParseWorkerLine(ev.Payload)
	if !ok {
		return p.plain(ev.Payload)
	}
	if wl.IsError() {
		p.stopThinkingSpinner(true)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.endAgentLine()
		if len(wl.Code) > 0 {
			_, err := fmt.Fprintf(p.err, "error: %s (code %s)\n", wl.Error, string(wl.Code))
			return err
		}
		_, err := fmt.Fprintf(p.err, "error: %s\n", wl.Error)
		return err
	}
	return p.frame(wl.Frame)
}

func (p *streamingChatPrinter) frame(f chatpb.Frame) error {
	p.stopThinkingSpinner(true)
	p.mu.Lock()
	defer p.mu.Unlock()

	if f.PartialText != "" {
		if !p.agentActive && p.interactive {
			_, _ = fmt.Fprint(p.out, "\r\033[2K")
		}
		// Workers may resend the full text so far instead of a delta.
		in := f.PartialText
		out := in
		switch {
		case p.agentFull != "" && strings.HasPrefix(in, p.agentFull):
			out = in[len(p.agentFull):]
			p.agentFull = in
		case p.agentFull != "" && strings.HasPrefix(p.agentFull, in):
			out = ""
		default:
			p.agentFull += in
		}
		if !p.agentActive {
			p.agentActive = true
			_, _ = fmt.Fprint(p.out, "agent: ")
		}
		if out != "" {
			if _, err := io.WriteString(p.out, out); err != nil {
				return err
			}
		}
	}
	if f.Message != nil {
		streamed := p.agentFull
		p.endAgentLine()
		txt := strings.TrimSpace(f.Message.Text)
		if txt != "" && txt != strings.TrimSpace(streamed) {
			sender := f.Message.Sender
			if sender == "" {
				sender = "agent"
			}
			_, _ = fmt.Fprintf(p.out, "%s: %s\n", sender, txt)
		}
		for _, a := range f.Message.Attachments {
			_, _ = fmt.Fprintf(p.out, "attachment: %s\n", a)
		}
	}
	if f.Done {
		p.endAgentLine()
	}
	return nil
}

func (p *streamingChatPrinter) plain(line string) error {
	p.stopThinkingSpinner(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endAgentLine()
	_, err := fmt.Fprintln(p.out, line)
	return err
}

// endAgentLine must be called with mu held.
func (p *streamingChatPrinter) endAgentLine() {
	if !p.agentActive {
		return
	}
	_, _ = fmt.Fprint(p.out, "\n")
	p.agentActive = false
	p.agentFull = ""
}

func (p *streamingChatPrinter) startThinkingSpinner(detail string) {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusDetail = strings.TrimSpace(detail)
	if p.statusSpinning {
		return
	}
	p.statusSpinning = true
	p.statusStart = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	p.statusCancel = cancel

	go func() {
		frames := []string{"|", "/", "-", "\\"}
		i := 0
		t := time.NewTicker(90 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.mu.Lock()
				if ctx.Err() != nil {
					p.mu.Unlock()
					return
				}
				elapsed := time.Since(p.statusStart).Truncate(100 * time.Millisecond)
				msg := "thinking"
				if p.statusDetail != "" {
					msg += " (" + p.statusDetail + ")"
				}
				msg += " " + frames[i%len(frames)] + " " + elapsed.String()
				i++
				_, _ = fmt.Fprint(p.err, "\r\033[2Kstatus: "+msg)
				p.mu.Unlock()
			}
		}
	}()
}

func (p *streamingChatPrinter) stopThinkingSpinner(clear bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.statusSpinning {
		return
	}
	p.statusSpinning = false
	if p.statusCancel != nil {
		p.statusCancel()
		p.statusCancel = nil
	}
	if clear && p.interactive {
		_, _ = fmt.Fprint(p.err, "\r\033[2K")
	}
}
