package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/chatpb"
	"github.com/antonkrylov/streambridge/internal/forward"
	"github.com/antonkrylov/streambridge/internal/sink"
)

type sendFlags struct {
	conversation string
	sender       string
	attachments  []string
	metadata     string
	transport    string
	command      []string
	pty          bool
	emitEnd      bool
	output       string
	noStream     bool
	nats         natsFlags
}

func newSendCmd(root *rootOptions) *cobra.Command {
	opts := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message and stream the worker's reply",
		Long: "Send a message to the worker and print every streamed chunk as it arrives.\n" +
			"Use \"-\" as the text to read it from stdin. Ctrl-C cancels the operation.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			attachments, err := absPaths(opts.attachments)
			if err != nil {
				return err
			}
			req := bridge.Request{
				ConversationID: opts.conversation,
				Sender:         opts.sender,
				Text:           text,
				Attachments:    attachments,
				MetadataJSON:   opts.metadata,
			}
			cfg := opts.apply(root.bridgeConfig())
			if opts.noStream {
				return storeOnly(cmd.Context(), root, cfg, req, cmd.OutOrStdout())
			}
			return opts.stream(cmd.Context(), root, cfg, req, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.conversation, "conversation", "c", "default", "conversation id")
	cmd.Flags().StringVar(&opts.sender, "sender", bridge.DefaultSender, "sender id")
	cmd.Flags().StringArrayVarP(&opts.attachments, "attach", "a", nil, "attachment path passed to the worker (repeatable)")
	cmd.Flags().StringVar(&opts.metadata, "metadata", "", "free-form metadata JSON (rpc transport)")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "rpc|subprocess (overrides config)")
	cmd.Flags().StringArrayVar(&opts.command, "worker-cmd", nil, "worker command and leading arguments for subprocess transport (repeatable)")
	cmd.Flags().BoolVar(&opts.pty, "pty", false, "run the subprocess worker on a pseudo terminal")
	cmd.Flags().BoolVar(&opts.emitEnd, "emit-end", false, "emit an end event on completion and cancellation")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "chat|json|payload|text (default chat on a terminal, json otherwise)")
	cmd.Flags().BoolVar(&opts.noStream, "no-stream", false, "store the message without streaming a reply (rpc only)")
	opts.nats.register(cmd)
	return cmd
}

func (o *sendFlags) apply(cfg bridge.Config) bridge.Config {
	if o.transport != "" {
		cfg.Transport = bridge.Transport(o.transport)
	}
	if len(o.command) > 0 {
		cfg.Command = append([]string(nil), o.command...)
		if o.transport == "" {
			cfg.Transport = bridge.TransportSubprocess
		}
	}
	if o.pty {
		cfg.PTY = true
	}
	if o.emitEnd {
		cfg.EmitEnd = true
	}
	return cfg
}

func (o *sendFlags) stream(ctx context.Context, root *rootOptions, cfg bridge.Config, req bridge.Request, stdout, stderr io.Writer) error {
	interactive := isTerminal(stdout)
	output := o.output
	if output == "" {
		output = "json"
		if interactive {
			output = "chat"
		}
	}

	var (
		sinks   []forward.Sink
		printer *streamingChatPrinter
	)
	if output == "chat" {
		printer = newStreamingChatPrinter(stdout, stderr, interactive)
		defer printer.Close()
		sinks = append(sinks, printer)
	} else {
		format, err := sink.ParseFormat(output)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink.NewWriter(stdout, format))
	}
	mirror, closeMirror, err := o.nats.open(root, "streambridge-send")
	if err != nil {
		return err
	}
	defer closeMirror()
	if mirror != nil {
		sinks = append(sinks, mirror)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(forward.Tee(sinks...), bridge.Options{Logger: root.logger})
	startCtx, cancel := context.WithTimeout(ctx, root.timeout)
	defer cancel()
	op, err := b.Start(startCtx, cfg, req)
	if err != nil {
		return err
	}
	if printer != nil {
		printer.startThinkingSpinner("waiting for " + op.Address())
	}

	select {
	case <-op.Done():
	case <-ctx.Done():
		op.Cancel()
		<-op.Done()
	}
	if err := op.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("cancelled")
		}
		return err
	}
	return nil
}

// storeOnly calls SendMessage, which stores the message without a reply.
func storeOnly(ctx context.Context, root *rootOptions, cfg bridge.Config, req bridge.Request, stdout io.Writer) error {
	b := bridge.New(nil, bridge.Options{Logger: root.logger})
	ctx, cancel := context.WithTimeout(ctx, root.timeout)
	defer cancel()
	stored, err := b.Store(ctx, cfg, req)
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true, UseProtoNames: true}.Marshal(chatpb.MessageToProto(stored))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(out))
	return err
}

func messageText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return strings.Join(args, " "), nil
}

func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
