package main

import (
	"fmt"
	"strings"
)

// transcript is the conversation as shown in the viewport: committed lines,
// bounded by count and size, followed by the agent reply still streaming in.
type transcript struct {
	lines    []string
	size     int
	maxLines int
	maxBytes int

	evicted      int
	evictedBytes int

	live      strings.Builder
	sent      string
	streaming bool
}

func newTranscript(maxLines, maxBytes int) *transcript {
	return &transcript{maxLines: maxLines, maxBytes: maxBytes}
}

// add commits text, one entry per line. A missing final newline is added.
func (t *transcript) add(text string) {
	if text == "" {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		t.size += len(line)
	}
	t.evict()
}

func (t *transcript) evict() {
	n := 0
	for n < len(t.lines) && t.overLimit(len(t.lines)-n, t.size) {
		t.size -= len(t.lines[n])
		t.evicted++
		t.evictedBytes += len(t.lines[n])
		n++
	}
	if n > 0 {
		t.lines = append([]string(nil), t.lines[n:]...)
	}
}

func (t *transcript) overLimit(lines, size int) bool {
	return (t.maxLines > 0 && lines > t.maxLines) || (t.maxBytes > 0 && size > t.maxBytes)
}

// partial folds one partial_text frame into the live reply. Workers send
// either deltas or the reply so far; a repeat of a prefix adds nothing.
func (t *transcript) partial(in string) {
	if in == "" {
		return
	}
	t.streaming = true
	switch {
	case t.sent != "" && strings.HasPrefix(in, t.sent):
		t.live.WriteString(in[len(t.sent):])
		t.sent = in
	case t.sent != "" && strings.HasPrefix(t.sent, in):
	default:
		t.live.WriteString(in)
		t.sent += in
	}
}

// streamed returns the live reply as the worker sent it.
func (t *transcript) streamed() string { return strings.TrimSpace(t.sent) }

// settle commits the live reply, if any, as an agent line.
func (t *transcript) settle() {
	if t.streaming && t.live.Len() > 0 {
		t.add("agent: " + t.live.String())
	}
	t.live.Reset()
	t.sent = ""
	t.streaming = false
}

// keepLast evicts all but the newest n committed lines.
func (t *transcript) keepLast(n int) {
	if n <= 0 || n >= len(t.lines) {
		return
	}
	drop := len(t.lines) - n
	for _, line := range t.lines[:drop] {
		t.size -= len(line)
		t.evicted++
		t.evictedBytes += len(line)
	}
	t.lines = append([]string(nil), t.lines[drop:]...)
}

// committed renders the committed lines, led by a note about evicted ones.
func (t *transcript) committed() string {
	var b strings.Builder
	if t.evicted > 0 {
		fmt.Fprintf(&b, "[compact] dropped %d lines (%d bytes)\n", t.evicted, t.evictedBytes)
	}
	for _, line := range t.lines {
		b.WriteString(line)
	}
	return b.String()
}

// render is committed plus the reply still streaming.
func (t *transcript) render() string {
	out := t.committed()
	if t.streaming && t.live.Len() > 0 {
		out += "agent: " + t.live.String()
	}
	return out
}

func (t *transcript) counts() (kept, evicted int) {
	return len(t.lines), t.evicted
}
