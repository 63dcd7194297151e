package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
	"github.com/antonkrylov/streambridge/internal/client"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit the streambridge config file",
	}
	cmd.AddCommand(newConfigViewCmd(root))
	cmd.AddCommand(newConfigUseContextCmd(root))
	cmd.AddCommand(newConfigSetContextCmd(root))
	return cmd
}

func loadOrEmpty(path string) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}

func newConfigViewCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newConfigUseContextCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use-context <name>",
		Short: "Set currentContext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if _, _, err := cfg.Resolve(args[0]); err != nil {
				return err
			}
			cfg.CurrentContext = args[0]
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "switched to context %q\n", args[0])
			return err
		},
	}
}

type setContextFlags struct {
	server         string
	timeoutSeconds int
	transport      string
	tls            bool
	compression    string
	dataDir        string
	command        []string
	historyCommand []string
	workerDir      string
	env            []string
	pty            bool
	attachmentFlag string
	stopGraceMS    int
	natsURL        string
	natsSubject    string
	natsStream     string
	compressAbove  int
	use            bool
}

func newConfigSetContextCmd(root *rootOptions) *cobra.Command {
	f := &setContextFlags{}
	cmd := &cobra.Command{
		Use:   "set-context <name>",
		Short: "Create or update a context; only the flags given are changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("context name is required")
			}
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			ctx := cfg.Contexts[name]
			if ctx == nil {
				ctx = &cliconfig.Context{}
			}
			if err := f.apply(cmd, ctx); err != nil {
				return err
			}
			cfg.SetContext(name, ctx)
			if f.use || cfg.CurrentContext == "" {
				cfg.CurrentContext = name
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "context %q saved to %s\n", name, root.configPath)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.server, "server", "", "worker address host:port or http(s) URL")
	fl.IntVar(&f.timeoutSeconds, "timeout-seconds", 0, "connect and history timeout")
	fl.StringVar(&f.transport, "transport", "", "rpc|subprocess")
	fl.BoolVar(&f.tls, "tls", false, "dial the worker with TLS")
	fl.StringVar(&f.compression, "compression", "", "gzip or empty")
	fl.StringVar(&f.dataDir, "data-dir", "", "directory for uploads and attachments")
	fl.StringArrayVar(&f.command, "worker-cmd", nil, "subprocess worker command (repeatable, one argument each)")
	fl.StringArrayVar(&f.historyCommand, "history-cmd", nil, "subprocess history command (repeatable, one argument each)")
	fl.StringVar(&f.workerDir, "worker-dir", "", "working directory of worker subprocesses")
	fl.StringArrayVar(&f.env, "worker-env", nil, "extra KEY=VALUE for worker subprocesses (repeatable)")
	fl.BoolVar(&f.pty, "pty", false, "run the worker on a pseudo terminal")
	fl.StringVar(&f.attachmentFlag, "attachment-flag", "", "flag name the worker takes attachment paths under")
	fl.IntVar(&f.stopGraceMS, "stop-grace-ms", 0, "milliseconds between SIGTERM and SIGKILL on cancel")
	fl.StringVar(&f.natsURL, "nats-url", "", "mirror events to this NATS server")
	fl.StringVar(&f.natsSubject, "nats-subject", "", "NATS subject prefix")
	fl.StringVar(&f.natsStream, "nats-stream", "", "JetStream stream name")
	fl.IntVar(&f.compressAbove, "nats-compress-above", 0, "zstd-compress NATS payloads larger than this many bytes")
	fl.BoolVar(&f.use, "use", false, "also make it the current context")
	return cmd
}

func (f *setContextFlags) apply(cmd *cobra.Command, ctx *cliconfig.Context) error {
	changed := cmd.Flags().Changed
	if changed("server") {
		if _, _, err := client.NormalizeAddress(f.server); err != nil {
			return err
		}
		ctx.Server = f.server
	}
	if changed("timeout-seconds") {
		ctx.TimeoutSeconds = f.timeoutSeconds
	}
	if changed("transport") {
		ctx.Transport = f.transport
	}
	if changed("tls") {
		ctx.TLS = f.tls
	}
	if changed("compression") {
		ctx.Compression = f.compression
	}
	if changed("data-dir") {
		ctx.DataDir = f.dataDir
	}

	workerChanged := false
	for _, n := range []string{"worker-cmd", "history-cmd", "worker-dir", "worker-env", "pty", "attachment-flag", "stop-grace-ms"} {
		workerChanged = workerChanged || changed(n)
	}
	if workerChanged {
		if ctx.Worker == nil {
			ctx.Worker = &cliconfig.Worker{}
		}
		w := ctx.Worker
		if changed("worker-cmd") {
			w.Command = f.command
		}
		if changed("history-cmd") {
			w.HistoryCommand = f.historyCommand
		}
		if changed("worker-dir") {
			w.Dir = f.workerDir
		}
		if changed("worker-env") {
			w.Env = f.env
		}
		if changed("pty") {
			w.PTY = f.pty
		}
		if changed("attachment-flag") {
			w.AttachmentFlag = f.attachmentFlag
		}
		if changed("stop-grace-ms") {
			w.StopGraceMillis = f.stopGraceMS
		}
	}

	if changed("nats-url") || changed("nats-subject") || changed("nats-stream") || changed("nats-compress-above") {
		if ctx.NATS == nil {
			ctx.NATS = &cliconfig.NATS{}
		}
		if changed("nats-url") {
			ctx.NATS.URL = f.natsURL
		}
		if changed("nats-subject") {
			ctx.NATS.Subject = f.natsSubject
		}
		if changed("nats-stream") {
			ctx.NATS.Stream = f.natsStream
		}
		if changed("nats-compress-above") {
			ctx.NATS.CompressAbove = f.compressAbove
		}
		if ctx.NATS.URL == "" {
			ctx.NATS = nil
		}
	}
	return ctx.Validate()
}
