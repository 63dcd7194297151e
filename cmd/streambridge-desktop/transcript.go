package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/widget"

	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/forward"
)

// logPane is a bounded, word-wrapped text view backed by a string binding.
type logPane struct {
	mu       sync.Mutex
	text     string
	live     string
	data     binding.String
	label    *widget.Label
	scroll   *container.Scroll
	maxBytes int
}

func newLogPane(maxBytes int) *logPane {
	d := binding.NewString()
	l := widget.NewLabelWithData(d)
	l.Wrapping = fyne.TextWrapWord
	s := container.NewVScroll(l)
	return &logPane{data: d, label: l, scroll: s, maxBytes: maxBytes}
}

func (p *logPane) appendLine(s string) {
	p.mu.Lock()
	p.text += s
	if p.maxBytes > 0 && len(p.text) > p.maxBytes {
		p.text = p.text[len(p.text)-p.maxBytes:]
	}
	next := p.text + p.live
	p.mu.Unlock()
	_ = p.data.Set(next)
}

// setLive shows s after the committed text until the next commit.
func (p *logPane) setLive(s string) {
	p.mu.Lock()
	p.live = s
	next := p.text + p.live
	p.mu.Unlock()
	_ = p.data.Set(next)
}

func (p *logPane) clear() {
	p.mu.Lock()
	p.text, p.live = "", ""
	p.mu.Unlock()
	_ = p.data.Set("")
}

func (p *logPane) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text + p.live
}

// transcriptSink renders stream_chunk events of the visible conversation into
// the chat pane. Diagnostics and failures also go to the log pane.
type transcriptSink struct {
	chat *logPane
	log  *logPane

	mu           sync.Mutex
	conversation string
	agentFull    string
	onEnd        func(forward.Event)
}

func newTranscriptSink(chat, log *logPane) *transcriptSink {
	return &transcriptSink{chat: chat, log: log}
}

func (t *transcriptSink) setConversation(id string) {
	t.mu.Lock()
	t.conversation = id
	t.agentFull = ""
	t.mu.Unlock()
	t.chat.setLive("")
}

func (t *transcriptSink) Emit(_ context.Context, ev forward.Event) error {
	if ev.Terminal && t.onEnd != nil {
		defer t.onEnd(ev)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conversation != "" && ev.ConversationID != t.conversation {
		return nil
	}
	switch ev.Kind {
	case forward.KindDiagnostic:
		t.log.appendLine(fmt.Sprintf("[%s #%d] warning: %s\n", ev.OperationID, ev.Seq, ev.Payload))
		return nil
	case forward.KindEnd:
		t.commitAgent()
		switch ev.Outcome {
		case forward.OutcomeFailed:
			t.chat.appendLine("error: " + ev.Payload + "\n")
			t.log.appendLine(fmt.Sprintf("[%s] failed: %s\n", ev.OperationID, ev.Payload))
		case forward.OutcomeCancelled:
			t.chat.appendLine("[cancelled]\n")
		}
		return nil
	}
	wl, ok := chatpb.ParseWorkerLine(ev.Payload)
	if !ok {
		t.commitAgent()
		t.chat.appendLine(ev.Payload + "\n")
		return nil
	}
	if wl.IsError() {
		t.commitAgent()
		t.chat.appendLine("error: " + wl.Error + "\n")
		return nil
	}
	if in := wl.PartialText; in != "" {
		switch {
		case t.agentFull != "" && strings.HasPrefix(in, t.agentFull):
			t.agentFull = in
		case t.agentFull != "" && strings.HasPrefix(t.agentFull, in):
		default:
			t.agentFull += in
		}
		t.chat.setLive("agent: " + t.agentFull)
	}
	if msg := wl.Message; msg != nil {
		streamed := strings.TrimSpace(t.agentFull)
		t.commitAgent()
		if txt := strings.TrimSpace(msg.Text); txt != "" && txt != streamed {
			t.chat.appendLine("agent: " + txt + "\n")
		}
		for _, a := range msg.Attachments {
			t.chat.appendLine("attachment: " + a + "\n")
		}
	}
	if wl.Done {
		t.commitAgent()
	}
	return nil
}

// commitAgent must be called with mu held.
func (t *transcriptSink) commitAgent() {
	if t.agentFull == "" {
		return
	}
	full := t.agentFull
	t.agentFull = ""
	t.chat.setLive("")
	t.chat.appendLine("agent: " + full + "\n")
}

func renderHistory(msgs []chatpb.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		sender := m.Sender
		if sender == "" {
			sender = "?"
		}
		fmt.Fprintf(&b, "%s: %s\n", sender, m.Text)
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "attachment: %s\n", a)
		}
	}
	return b.String()
}
