package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/streambridge/internal/bridge"
	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
	"github.com/antonkrylov/streambridge/internal/client"
)

type rootOptions struct {
	backendAddr string
	timeout     time.Duration
	configPath  string
	contextName string
	dataDir     string
	logJSON     bool
	logLevel    string

	conn   *client.Connection
	logger *slog.Logger
}

func (r *rootOptions) prepare() error {
	logger, err := newLogger(r.logJSON, r.logLevel)
	if err != nil {
		return err
	}
	r.logger = logger
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.backendAddr, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	r.backendAddr = resolved.BackendAddr
	r.timeout = resolved.Timeout
	return nil
}

// bridgeConfig is the per-call configuration derived from flags and the
// selected config context.
func (r *rootOptions) bridgeConfig() bridge.Config {
	return bridge.ConfigFromConnection(r.conn)
}

func (r *rootOptions) dataDirectory() string {
	if d := strings.TrimSpace(r.dataDir); d != "" {
		return d
	}
	if r.conn != nil && r.conn.Context != nil && r.conn.Context.DataDir != "" {
		return r.conn.Context.DataDir
	}
	return cliconfig.DefaultDataDir()
}

func newLogger(jsonOutput bool, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "streambridge",
		Short:        "Send messages to the analysis worker and stream its replies",
		SilenceUsage: true,
	}
	defaultConfig := os.Getenv("STREAMBRIDGE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to streambridge config file (default $HOME/.streambridge/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.backendAddr, "backend-addr", "", "worker gRPC address host:port or http(s) URL (overrides config and STREAMBRIDGE_BACKEND_ADDR)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "connect and history timeout; defaults to config or 15s")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "directory for uploads and attachments (default $HOME/.streambridge/data)")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// config subcommands edit the file and must work when it does not resolve.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "config" || c.Name() == "doctor" {
				logger, err := newLogger(opts.logJSON, opts.logLevel)
				opts.logger = logger
				return err
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newUploadCmd(opts))
	rootCmd.AddCommand(newAttachmentsCmd(opts))
	rootCmd.AddCommand(newOpenCmd())
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newDoctorCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(describeError(err))
	}
}

// describeError adds the gRPC status code to worker errors and a hint when
// retrying may help.
func describeError(err error) string {
	msg := err.Error()
	if _, ok := status.FromError(err); ok {
		msg = client.Describe(err)
	}
	var connErr *bridge.ConnectError
	if errors.As(err, &connErr) || client.IsTransient(err) {
		msg += " (is the worker running? check --backend-addr or the config context)"
	}
	return msg
}
