package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/widget"

	"github.com/antonkrylov/streambridge/internal/attachments"
	"github.com/antonkrylov/streambridge/internal/bridge"
	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
	"github.com/antonkrylov/streambridge/internal/client"
	"github.com/antonkrylov/streambridge/internal/forward"
)

func main() {
	a := app.NewWithID("streambridge.desktop")
	w := a.NewWindow("streambridge")
	w.Resize(fyne.NewSize(1080, 720))

	configPathEntry := widget.NewEntry()
	if v := strings.TrimSpace(os.Getenv("STREAMBRIDGE_CONFIG")); v != "" {
		configPathEntry.SetText(v)
	} else {
		configPathEntry.SetText(cliconfig.DefaultConfigPath())
	}
	contextSelect := widget.NewSelect(nil, func(_ string) {})
	backendEntry := widget.NewEntry()
	backendEntry.SetPlaceHolder(client.DefaultBackendAddr)
	conversationEntry := widget.NewEntry()
	conversationEntry.SetText("default")
	emitEndCheck := widget.NewCheck("End markers", func(bool) {})

	statusData := binding.NewString()
	_ = statusData.Set("Ready")
	status := widget.NewLabelWithData(statusData)

	chat := newLogPane(1 << 20)
	logs := newLogPane(256 * 1024)
	transcript := newTranscriptSink(chat, logs)

	b := bridge.New(transcript, bridge.Options{})

	var (
		mu      sync.Mutex
		cfg     bridge.Config
		store   *attachments.Store
		current *bridge.Operation
		pending []string
	)
	transcript.onEnd = func(ev forward.Event) {
		_ = statusData.Set(fmt.Sprintf("Operation %s %s", ev.OperationID, ev.Outcome))
	}

	loadConfig := func() {
		cfgFile, err := cliconfig.Load(strings.TrimSpace(configPathEntry.Text))
		if err != nil {
			dialog.ShowError(err, w)
			return
		}
		contexts := cfgFile.ContextNames()
		contextSelect.Options = contexts
		if cfgFile != nil && cfgFile.CurrentContext != "" {
			contextSelect.SetSelected(cfgFile.CurrentContext)
		} else if len(contexts) > 0 && contextSelect.Selected == "" {
			contextSelect.SetSelected(contexts[0])
		}
		contextSelect.Refresh()
	}

	// connect resolves the selected context into the per-call config and
	// switches the bridge's default worker address.
	connect := func() error {
		resolved, err := client.ResolveConnection(
			strings.TrimSpace(configPathEntry.Text),
			strings.TrimSpace(contextSelect.Selected),
			strings.TrimSpace(backendEntry.Text),
			0,
		)
		if err != nil {
			return err
		}
		if err := b.SetDefaultAddress(resolved.BackendAddr); err != nil {
			return err
		}
		next := bridge.ConfigFromConnection(resolved)
		next.Address = ""
		dataDir := cliconfig.DefaultDataDir()
		if resolved.Context != nil && resolved.Context.DataDir != "" {
			dataDir = resolved.Context.DataDir
		}
		s, err := attachments.NewStore(dataDir)
		if err != nil {
			return err
		}
		mu.Lock()
		cfg, store = next, s
		mu.Unlock()
		_ = statusData.Set(fmt.Sprintf("Using %s (%s)", b.DefaultAddress(), next.Transport))
		return nil
	}

	snapshot := func() (bridge.Config, *attachments.Store) {
		mu.Lock()
		defer mu.Unlock()
		return cfg, store
	}

	loadHistory := func() {
		conv := strings.TrimSpace(conversationEntry.Text)
		transcript.setConversation(conv)
		chat.clear()
		c, _ := snapshot()
		go func() {
			msgs, err := b.History(context.Background(), c, bridge.HistoryQuery{ConversationID: conv})
			if err != nil {
				_ = statusData.Set("History error: " + err.Error())
				logs.appendLine("history: " + err.Error() + "\n")
				return
			}
			chat.appendLine(renderHistory(msgs))
			_ = statusData.Set(fmt.Sprintf("Loaded %d messages of %s", len(msgs), conv))
		}()
	}

	attachmentsList := container.NewVBox()
	refreshAttachments := func() {
		_, s := snapshot()
		if s == nil {
			return
		}
		paths, err := s.List()
		if err != nil {
			logs.appendLine("attachments: " + err.Error() + "\n")
			return
		}
		fyne.Do(func() {
			attachmentsList.RemoveAll()
			for _, p := range paths {
				path := p
				attachmentsList.Add(container.NewBorder(nil, nil, nil,
					widget.NewButton("Open", func() {
						if err := attachments.Open(path); err != nil {
							dialog.ShowError(err, w)
						}
					}),
					widget.NewLabel(filepath.Base(path)),
				))
			}
			attachmentsList.Refresh()
		})
	}

	pendingData := binding.NewString()
	setPending := func(paths []string) {
		if len(paths) == 0 {
			_ = pendingData.Set("No attachments")
			return
		}
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, filepath.Base(p))
		}
		_ = pendingData.Set("Attached: " + strings.Join(names, ", "))
	}
	setPending(nil)

	attachFile := func() {
		dialog.ShowFileOpen(func(rc fyne.URIReadCloser, err error) {
			if err != nil {
				dialog.ShowError(err, w)
				return
			}
			if rc == nil {
				return
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				dialog.ShowError(err, w)
				return
			}
			_, s := snapshot()
			if s == nil {
				dialog.ShowError(errors.New("connect first"), w)
				return
			}
			saved, err := s.Write(rc.URI().Name(), data)
			if err != nil {
				dialog.ShowError(err, w)
				return
			}
			mu.Lock()
			pending = append(pending, saved)
			next := append([]string(nil), pending...)
			mu.Unlock()
			setPending(next)
		}, w)
	}

	composer := widget.NewMultiLineEntry()
	composer.SetPlaceHolder("Message…")
	composer.SetMinRowsVisible(3)

	send := func() {
		text := strings.TrimSpace(composer.Text)
		if text == "" {
			return
		}
		conv := strings.TrimSpace(conversationEntry.Text)
		c, _ := snapshot()
		c.EmitEnd = emitEndCheck.Checked
		mu.Lock()
		files := pending
		mu.Unlock()

		transcript.setConversation(conv)
		ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout+5*time.Second)
		op, err := b.Start(ctx, c, bridge.Request{ConversationID: conv, Text: text, Attachments: files})
		cancel()
		if err != nil {
			dialog.ShowError(err, w)
			return
		}
		composer.SetText("")
		chat.appendLine("you: " + text + "\n")
		mu.Lock()
		current, pending = op, nil
		mu.Unlock()
		setPending(nil)
		_ = statusData.Set(fmt.Sprintf("Streaming %s from %s", op.ID(), op.Address()))
		go func() {
			<-op.Done()
			refreshAttachments()
		}()
	}

	cancelCurrent := func() {
		mu.Lock()
		op := current
		mu.Unlock()
		if op != nil && op.Cancel() {
			_ = statusData.Set("Cancelling " + op.ID())
		}
	}

	settings := container.NewGridWithColumns(2,
		container.NewBorder(nil, nil, widget.NewLabel("Config path"), nil, configPathEntry),
		container.NewBorder(nil, nil, widget.NewButton("Reload contexts", loadConfig), nil, layout.NewSpacer()),
		container.NewBorder(nil, nil, widget.NewLabel("Context"), nil, contextSelect),
		container.NewBorder(nil, nil, widget.NewLabel("Backend addr override"), nil, backendEntry),
		container.NewBorder(nil, nil, widget.NewLabel("Conversation"), nil, conversationEntry),
		container.NewHBox(
			widget.NewButton("Connect", func() {
				if err := connect(); err != nil {
					dialog.ShowError(err, w)
					return
				}
				loadHistory()
				go refreshAttachments()
			}),
			widget.NewButton("History", loadHistory),
			emitEndCheck,
		),
	)

	controls := container.NewBorder(nil, nil, nil,
		container.NewVBox(
			widget.NewButton("Send", send),
			widget.NewButton("Cancel", cancelCurrent),
			widget.NewButton("Attach…", attachFile),
		),
		container.NewBorder(nil, widget.NewLabelWithData(pendingData), nil, nil, composer),
	)

	tabs := container.NewAppTabs(
		container.NewTabItem("chat", chat.scroll),
		container.NewTabItem("log", logs.scroll),
		container.NewTabItem("attachments", container.NewBorder(
			widget.NewButton("Refresh", func() { go refreshAttachments() }), nil, nil, nil,
			container.NewVScroll(attachmentsList),
		)),
	)

	w.SetContent(container.NewBorder(
		settings,
		container.NewVBox(controls, status),
		nil,
		nil,
		tabs,
	))

	loadConfig()
	if err := connect(); err != nil {
		_ = statusData.Set("Not connected: " + err.Error())
	}

	w.SetCloseIntercept(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
		w.Close()
	})
	w.ShowAndRun()
}
