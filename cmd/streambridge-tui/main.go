package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/antonkrylov/streambridge/internal/attachments"
	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/chatpb"
	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
	"github.com/antonkrylov/streambridge/internal/client"
	"github.com/antonkrylov/streambridge/internal/forward"
)

type eventMsg struct {
	ev forward.Event
}

type errMsg struct {
	err error
}

type textMsg struct {
	text string
}

type flushMsg struct{}

// chanSink hands bridge events to the program through a channel that the
// model drains with recvEventCmd.
type chanSink chan forward.Event

func (c chanSink) Emit(ctx context.Context, ev forward.Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type model struct {
	ctx    context.Context
	cancel context.CancelFunc

	bridge *bridge.Bridge
	cfg    bridge.Config
	store  *attachments.Store
	events chanSink

	conversation string
	pending      []string
	current      *bridge.Operation

	viewport viewport.Model
	composer textarea.Model
	status   string

	flushScheduled bool
	flushEvery     time.Duration

	log *transcript

	paletteOpen bool
	palette     list.Model
}

type paletteItem struct {
	title string
	desc  string

	insert string
	action func(*model) tea.Cmd
}

func (i paletteItem) Title() string       { return i.title }
func (i paletteItem) Description() string { return i.desc }
func (i paletteItem) FilterValue() string { return i.title + " " + i.desc }

const helpText = "[help] Ctrl+S send | Ctrl+P palette | Ctrl+X cancel | Esc close palette/quit | /history | /attach <path> | /upload <path> | /attachments | /open <path> | /backend <addr> | /conversation <id> | /compact\n"

func main() {
	var (
		configPath   string
		contextName  string
		backendAddr  string
		dataDir      string
		conversation string
		timeout      time.Duration
	)
	defaultConfig := os.Getenv("STREAMBRIDGE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	flag.StringVar(&configPath, "config", defaultConfig, "path to streambridge config file")
	flag.StringVar(&contextName, "context", "", "context name within the config")
	flag.StringVar(&backendAddr, "backend-addr", "", "worker address host:port or http(s) URL")
	flag.StringVar(&dataDir, "data-dir", "", "directory for uploads and attachments")
	flag.StringVar(&conversation, "conversation", "default", "conversation id")
	flag.DurationVar(&timeout, "timeout", 0, "connect and history timeout")
	flag.Parse()

	conn, err := client.ResolveConnection(configPath, contextName, backendAddr, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if dataDir == "" {
		dataDir = cliconfig.DefaultDataDir()
		if conn.Context != nil && conn.Context.DataDir != "" {
			dataDir = conn.Context.DataDir
		}
	}
	store, err := attachments.NewStore(dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "data dir:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chanSink, 256)
	b := bridge.New(events, bridge.Options{DefaultAddress: conn.BackendAddr})
	cfg := bridge.ConfigFromConnection(conn)
	cfg.Address = ""

	ta := textarea.New()
	ta.Placeholder = "Type a message… (Ctrl+S send • Ctrl+P palette)"
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.Prompt = "> "
	ta.SetHeight(5)
	ta.SetWidth(80)

	vp := viewport.New(0, 0)
	vp.SetContent("")

	pal := list.New([]list.Item{
		paletteItem{title: "/history", desc: "reload this conversation's history", insert: "/history"},
		paletteItem{title: "/attach", desc: "attach a file to the next message", insert: "/attach "},
		paletteItem{title: "/upload", desc: "copy a file into the uploads directory", insert: "/upload "},
		paletteItem{title: "/attachments", desc: "list files the worker produced", insert: "/attachments"},
		paletteItem{title: "/backend", desc: "switch the worker address", insert: "/backend "},
		paletteItem{title: "/compact", desc: "drop older transcript lines", action: func(m *model) tea.Cmd {
			m.compact()
			return nil
		}},
		paletteItem{title: "/help", desc: "show keybindings", action: func(m *model) tea.Cmd {
			m.append(helpText)
			return nil
		}},
	}, list.NewDefaultDelegate(), 0, 0)
	pal.SetShowHelp(false)
	pal.Title = "Command palette"

	m := model{
		ctx:          ctx,
		cancel:       cancel,
		bridge:       b,
		cfg:          cfg,
		store:        store,
		events:       events,
		conversation: conversation,
		viewport:     vp,
		composer:     ta,
		status:       "idle",
		flushEvery:   50 * time.Millisecond,
		log:          newTranscript(5000, 1<<20),
		palette:      pal,
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, runErr := p.Run()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	_ = b.Shutdown(shutdownCtx)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.recvEventCmd(), m.historyCmd(), tea.EnterAltScreen)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch t := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = t.Width
		m.composer.SetWidth(t.Width - 2)
		m.composer.SetHeight(minInt(8, maxInt(3, t.Height/5)))
		m.viewport.Height = t.Height - 1 - m.composer.Height()
		if m.viewport.Height < 1 {
			m.viewport.Height = 1
		}

		m.palette.SetWidth(minInt(80, t.Width-4))
		m.palette.SetHeight(minInt(12, maxInt(6, t.Height/3)))
		m.viewport.YPosition = 0
		return m, nil
	case tea.KeyMsg:
		switch t.String() {
		case "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "esc":
			if m.paletteOpen {
				m.paletteOpen = false
				return m, nil
			}
			m.cancel()
			return m, tea.Quit
		case "ctrl+p":
			m.paletteOpen = !m.paletteOpen
			return m, nil
		case "ctrl+x":
			if m.current != nil && m.current.Cancel() {
				m.status = "cancelling"
			}
			return m, nil
		case "ctrl+s", "alt+enter":
			line := strings.TrimSpace(m.composer.Value())
			m.composer.SetValue("")
			if line == "" {
				return m, nil
			}
			return m, m.submit(line)
		}
	case eventMsg:
		m.handleEvent(t.ev)
		if t.ev.Kind == forward.KindFrame || t.ev.Kind == forward.KindLine {
			if !m.flushScheduled {
				m.flushScheduled = true
				return m, tea.Batch(m.recvEventCmd(), m.flushCmd())
			}
		}
		return m, m.recvEventCmd()
	case textMsg:
		m.append(t.text)
		return m, nil
	case flushMsg:
		m.flushScheduled = false
		m.refresh()
		return m, nil
	case errMsg:
		m.status = "error"
		m.append("error: " + t.err.Error() + "\n")
		return m, nil
	}

	var cmd tea.Cmd
	if m.paletteOpen {
		var c tea.Cmd
		m.palette, c = m.palette.Update(msg)
		if km, ok := msg.(tea.KeyMsg); ok && km.String() == "enter" {
			if it, ok := m.palette.SelectedItem().(paletteItem); ok {
				m.paletteOpen = false
				if it.action != nil {
					return m, it.action(&m)
				}
				if it.insert != "" {
					m.composer.SetValue(it.insert)
				}
				return m, nil
			}
		}
		return m, c
	}
	m.composer, cmd = m.composer.Update(msg)
	return m, cmd
}

// submit handles a slash command locally or starts an operation.
func (m *model) submit(line string) tea.Cmd {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		m.append(helpText)
		return nil
	case "/compact":
		m.compact()
		return nil
	case "/history":
		return m.historyCmd()
	case "/conversation":
		if arg == "" {
			m.append("conversation: " + m.conversation + "\n")
			return nil
		}
		m.conversation = arg
		m.log = newTranscript(5000, 1<<20)
		m.refresh()
		return m.historyCmd()
	case "/attach":
		abs, err := filepath.Abs(arg)
		if err != nil || arg == "" {
			m.append("usage: /attach <path>\n")
			return nil
		}
		m.pending = append(m.pending, abs)
		m.append(fmt.Sprintf("[local] attached %s (%d pending)\n", abs, len(m.pending)))
		return nil
	case "/upload":
		return m.uploadCmd(arg)
	case "/attachments":
		return m.attachmentsCmd()
	case "/open":
		if err := attachments.Open(arg); err != nil {
			m.append("open: " + err.Error() + "\n")
		}
		return nil
	case "/backend":
		if arg == "" {
			m.append("backend: " + m.bridge.DefaultAddress() + "\n")
			return nil
		}
		if err := m.bridge.SetDefaultAddress(arg); err != nil {
			m.append("backend: " + err.Error() + "\n")
			return nil
		}
		m.append("backend: " + m.bridge.DefaultAddress() + "\n")
		return nil
	}
	if strings.HasPrefix(line, "/") {
		m.append("unknown command " + cmd + "\n")
		return nil
	}

	op, err := m.bridge.Start(m.ctx, m.cfg, bridge.Request{
		ConversationID: m.conversation,
		Text:           line,
		Attachments:    m.pending,
	})
	if err != nil {
		m.append("error: " + err.Error() + "\n")
		return nil
	}
	m.pending = nil
	m.current = op
	m.status = "streaming from " + op.Address()
	m.append(fmt.Sprintf("you: %s\n", line))
	return nil
}

func (m *model) handleEvent(ev forward.Event) {
	switch ev.Kind {
	case forward.KindDiagnostic:
		m.endAgentLine()
		m.append("warning: " + ev.Payload + "\n")
		return
	case forward.KindEnd:
		m.endAgentLine()
		switch ev.Outcome {
		case forward.OutcomeFailed:
			m.append("error: " + ev.Payload + "\n")
		case forward.OutcomeCancelled:
			m.append("[cancelled]\n")
		}
		m.status = string(ev.Outcome)
		return
	}
	wl, ok := chatpb.ParseWorkerLine(ev.Payload)
	if !ok {
		m.endAgentLine()
		m.append(ev.Payload + "\n")
		return
	}
	if wl.IsError() {
		m.endAgentLine()
		m.append(fmt.Sprintf("error: %s\n", wl.Error))
		return
	}
	m.log.partial(wl.PartialText)
	if msg := wl.Message; msg != nil {
		streamed := m.log.streamed()
		m.endAgentLine()
		if txt := strings.TrimSpace(msg.Text); txt != "" && txt != streamed {
			m.append("agent: " + txt + "\n")
		}
		for _, a := range msg.Attachments {
			m.append("attachment: " + a + "\n")
		}
	}
	if wl.Done {
		m.endAgentLine()
		if m.current != nil {
			m.status = "done"
		}
	}
}

func (m *model) endAgentLine() {
	m.log.settle()
	m.refresh()
}

func (m *model) compact() {
	keep := 500
	if m.log.maxLines > 0 {
		keep = minInt(keep, m.log.maxLines)
	}
	m.log.keepLast(keep)
	m.refresh()
}

func (m model) View() string {
	keptLines, droppedLines := 0, 0
	if m.log != nil {
		keptLines, droppedLines = m.log.counts()
	}
	header := fmt.Sprintf("streambridge %s @ %s | %s | %dL(+%d) | Ctrl+S send • Ctrl+X cancel • Ctrl+P palette\n",
		m.conversation, m.bridge.DefaultAddress(), m.status, keptLines, droppedLines)
	out := header + m.viewport.View() + "\n" + m.composer.View()
	if m.paletteOpen {
		out += "\n\n" + m.palette.View()
	}
	return out
}

func (m *model) append(s string) {
	m.log.add(s)
	m.refresh()
}

func (m *model) refresh() {
	wasAtBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.log.render())
	if wasAtBottom {
		m.viewport.GotoBottom()
	}
}

func (m model) recvEventCmd() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return eventMsg{ev: ev}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m model) flushCmd() tea.Cmd {
	return tea.Tick(m.flushEvery, func(time.Time) tea.Msg { return flushMsg{} })
}

func (m model) historyCmd() tea.Cmd {
	b, cfg, conv, ctx := m.bridge, m.cfg, m.conversation, m.ctx
	return func() tea.Msg {
		msgs, err := b.History(ctx, cfg, bridge.HistoryQuery{ConversationID: conv})
		if err != nil {
			return errMsg{err: fmt.Errorf("history: %w", err)}
		}
		return textMsg{text: renderHistory(conv, msgs)}
	}
}

func (m model) uploadCmd(path string) tea.Cmd {
	store := m.store
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return errMsg{err: err}
		}
		saved, err := store.Write(filepath.Base(path), data)
		if err != nil {
			return errMsg{err: err}
		}
		return textMsg{text: "uploaded " + saved + "\n"}
	}
}

func (m model) attachmentsCmd() tea.Cmd {
	store := m.store
	return func() tea.Msg {
		paths, err := store.List()
		if err != nil {
			return errMsg{err: err}
		}
		var b strings.Builder
		fmt.Fprintf(&b, "attachments (%d):\n", len(paths))
		for _, p := range paths {
			b.WriteString("  " + p + "\n")
		}
		return textMsg{text: b.String()}
	}
}

func renderHistory(conversation string, msgs []chatpb.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "── history %s (%d) ──\n", conversation, len(msgs))
	for _, msg := range msgs {
		ts := "--:--:--"
		if msg.CreatedAt > 0 {
			ts = time.UnixMilli(msg.CreatedAt).Format("15:04:05")
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, msg.Sender, msg.Text)
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "    attachment: %s\n", a)
		}
	}
	return b.String()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
