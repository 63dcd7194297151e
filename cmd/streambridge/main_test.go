package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/streambridge/internal/bridge"
	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
)

func TestMessageText(t *testing.T) {
	got, err := messageText([]string{"summarize", "the", "video"}, strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "summarize the video", got)

	got, err = messageText([]string{"-"}, strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)
}

func TestSendFlagsApply(t *testing.T) {
	base := bridge.Config{Transport: bridge.TransportRPC, Address: "127.0.0.1:50051"}

	got := (&sendFlags{}).apply(base)
	assert.Equal(t, base, got)

	got = (&sendFlags{command: []string{"python", "client.py"}, pty: true, emitEnd: true}).apply(base)
	assert.Equal(t, bridge.TransportSubprocess, got.Transport)
	assert.Equal(t, []string{"python", "client.py"}, got.Command)
	assert.True(t, got.PTY)
	assert.True(t, got.EmitEnd)

	got = (&sendFlags{transport: "rpc", command: []string{"x"}}).apply(base)
	assert.Equal(t, bridge.TransportRPC, got.Transport)
}

func TestDescribeError(t *testing.T) {
	err := status.Error(codes.NotFound, "no such conversation")
	assert.Equal(t, "NotFound: no such conversation", describeError(err))

	connErr := &bridge.ConnectError{Addr: "127.0.0.1:1", Err: context.DeadlineExceeded}
	assert.Contains(t, describeError(connErr), "is the worker running?")

	assert.Equal(t, "plain", describeError(errors.New("plain")))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}

func runConfigCmd(t *testing.T, path string, args ...string) string {
	t.Helper()
	root := &rootOptions{configPath: path}
	cmd := newConfigCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestConfigSetAndUseContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	runConfigCmd(t, path, "set-context", "local", "--server", "http://127.0.0.1:50051", "--timeout-seconds", "5")
	runConfigCmd(t, path, "set-context", "script",
		"--transport", "subprocess",
		"--worker-cmd", "python", "--worker-cmd", "backend/grpc_client_stream.py",
		"--pty",
		"--nats-url", "nats://127.0.0.1:4222",
	)

	cfg, err := cliconfig.Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "local", cfg.CurrentContext)
	assert.Equal(t, []string{"local", "script"}, cfg.ContextNames())
	script := cfg.Contexts["script"]
	require.NotNil(t, script.Worker)
	assert.Equal(t, []string{"python", "backend/grpc_client_stream.py"}, script.Worker.Command)
	assert.True(t, script.Worker.PTY)
	require.NotNil(t, script.NATS)
	assert.Equal(t, "nats://127.0.0.1:4222", script.NATS.URL)
	assert.Empty(t, script.Server)

	// Only flags that are given change.
	runConfigCmd(t, path, "set-context", "local", "--tls")
	cfg, err = cliconfig.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Contexts["local"].TLS)
	assert.Equal(t, 5, cfg.Contexts["local"].TimeoutSeconds)

	out := runConfigCmd(t, path, "use-context", "script")
	assert.Contains(t, out, `switched to context "script"`)
	out = runConfigCmd(t, path, "view")
	assert.Contains(t, out, "currentContext: script")
}

func TestConfigRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	for _, args := range [][]string{
		{"set-context", "x", "--transport", "carrier-pigeon"},
		{"set-context", "x", "--transport", "subprocess"},
		{"set-context", "x", "--server", "not an address"},
		{"use-context", "missing"},
	} {
		cmd := newConfigCmd(&rootOptions{configPath: path})
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SilenceUsage = true
		assert.Error(t, cmd.Execute(), strings.Join(args, " "))
	}
}

func TestRootRegistersCommands(t *testing.T) {
	opts := &rootOptions{}
	root := &cobra.Command{Use: "streambridge"}
	root.AddCommand(newSendCmd(opts), newHistoryCmd(opts), newServeCmd(opts), newUploadCmd(opts), newAttachmentsCmd(opts), newOpenCmd())
	for _, name := range []string{"send", "history", "serve", "upload", "attachments", "open"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
}
