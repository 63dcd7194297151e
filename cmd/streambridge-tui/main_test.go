package main

import (
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/streambridge/internal/attachments"
	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/forward"
)

func newTestModel(t *testing.T) *model {
	t.Helper()
	store, err := attachments.NewStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := make(chanSink, 8)
	return &model{
		ctx:          ctx,
		cancel:       cancel,
		bridge:       bridge.New(events, bridge.Options{}),
		store:        store,
		events:       events,
		conversation: "c1",
		viewport:     viewport.New(80, 20),
		log:          newTranscript(100, 1<<16),
	}
}

func TestHandleEventStreamsPartialText(t *testing.T) {
	m := newTestModel(t)
	m.handleEvent(forward.Event{Kind: forward.KindLine, Payload: `{"partial_text":"Simulated ","done":false}`})
	m.handleEvent(forward.Event{Kind: forward.KindLine, Payload: `{"partial_text":"agent reply","done":false}`})
	assert.Equal(t, "agent: Simulated agent reply", m.log.render())
	assert.Empty(t, m.log.committed())

	m.handleEvent(forward.Event{Kind: forward.KindLine, Payload: `{"done":true}`})
	assert.Equal(t, "agent: Simulated agent reply\n", m.log.committed())
	assert.False(t, m.log.streaming)
}

func TestHandleEventEndAndErrors(t *testing.T) {
	m := newTestModel(t)
	m.handleEvent(forward.Event{Kind: forward.KindLine, Payload: "plain"})
	m.handleEvent(forward.Event{Kind: forward.KindLine, Payload: `{"error":"unavailable","code":14}`})
	m.handleEvent(forward.Event{Kind: forward.KindDiagnostic, Payload: "line 2: line is not valid UTF-8"})
	m.handleEvent(forward.Event{Kind: forward.KindEnd, Outcome: forward.OutcomeFailed, Payload: "worker exited with status 1"})
	assert.Equal(t,
		"plain\nerror: unavailable\nwarning: line 2: line is not valid UTF-8\nerror: worker exited with status 1\n",
		m.log.committed())
	assert.Equal(t, "failed", m.status)
}

func TestSubmitLocalCommands(t *testing.T) {
	m := newTestModel(t)

	assert.Nil(t, m.submit("/attach notes.txt"))
	require.Len(t, m.pending, 1)
	assert.True(t, strings.HasSuffix(m.pending[0], "notes.txt"))

	assert.Nil(t, m.submit("/backend 10.0.0.5:6000"))
	assert.Equal(t, "10.0.0.5:6000", m.bridge.DefaultAddress())

	assert.Nil(t, m.submit("/bogus"))
	assert.Contains(t, m.log.committed(), "unknown command /bogus")
}

func TestSubmitReportsStartErrors(t *testing.T) {
	m := newTestModel(t)
	m.cfg = bridge.Config{Transport: bridge.TransportSubprocess}
	assert.Nil(t, m.submit("hello"))
	assert.Contains(t, m.log.committed(), "error: ")
	assert.Nil(t, m.current)
}

func TestTranscriptEvictsAndKeepsLast(t *testing.T) {
	tr := newTranscript(3, 0)
	tr.add("a\nb\nc\nd\n")
	kept, evicted := tr.counts()
	assert.Equal(t, 3, kept)
	assert.Equal(t, 1, evicted)
	assert.True(t, strings.HasPrefix(tr.committed(), "[compact] dropped 1 lines (2 bytes)"))

	tr.keepLast(1)
	kept, evicted = tr.counts()
	assert.Equal(t, 1, kept)
	assert.Equal(t, 3, evicted)
	assert.True(t, strings.HasSuffix(tr.committed(), "d\n"))
	assert.Equal(t, 2, tr.size)
}

func TestTranscriptCumulativePartials(t *testing.T) {
	tr := newTranscript(0, 0)
	tr.partial("Sim")
	tr.partial("Simulated")
	tr.partial("Sim")
	tr.partial("Simulated reply")
	assert.Equal(t, "agent: Simulated reply", tr.render())
	assert.Equal(t, "Simulated reply", tr.streamed())

	tr.settle()
	assert.Equal(t, "agent: Simulated reply\n", tr.render())
	assert.Empty(t, tr.streamed())
}
