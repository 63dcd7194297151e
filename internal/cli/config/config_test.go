package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
}

func TestSaveLoadResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")
	cfg := &Config{CurrentContext: "local"}
	cfg.SetContext("local", &Context{Server: "127.0.0.1:50051", TimeoutSeconds: 5})
	cfg.SetContext("script", &Context{
		Transport: "subprocess",
		Worker: &Worker{
			Command:        []string{"python", "backend/grpc_client_stream.py"},
			HistoryCommand: []string{"python", "backend/grpc_client_get_history.py"},
			PTY:            true,
		},
	})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, name, err := loaded.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "local" || ctx.Server != "127.0.0.1:50051" || ctx.TimeoutSeconds != 5 {
		t.Fatalf("unexpected context %q: %+v", name, ctx)
	}
	script, _, err := loaded.Resolve("script")
	if err != nil {
		t.Fatalf("resolve script: %v", err)
	}
	if script.Worker == nil || len(script.Worker.Command) != 2 || !script.Worker.PTY {
		t.Fatalf("unexpected worker %+v", script.Worker)
	}
	if got := loaded.ContextNames(); len(got) != 2 || got[0] != "local" || got[1] != "script" {
		t.Fatalf("ContextNames() = %v", got)
	}
}

func TestResolveUnknownContext(t *testing.T) {
	cfg := &Config{Contexts: map[string]*Context{}}
	_, _, err := cfg.Resolve("prod")
	if !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("err = %v, want ErrContextNotFound", err)
	}
}

func TestDefaultConfigDirHonorsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STREAMBRIDGE_HOME", dir)
	if got := DefaultConfigPath(); got != filepath.Join(dir, "config") {
		t.Fatalf("DefaultConfigPath() = %q", got)
	}
	if got := DefaultDataDir(); got != filepath.Join(dir, "data") {
		t.Fatalf("DefaultDataDir() = %q", got)
	}
}

func TestContextValidate(t *testing.T) {
	cases := []struct {
		name string
		ctx  *Context
		ok   bool
	}{
		{"rpc default", &Context{Server: "127.0.0.1:50051"}, true},
		{"subprocess with command", &Context{Transport: "subprocess", Worker: &Worker{Command: []string{"worker", "stream"}}}, true},
		{"subprocess without command", &Context{Transport: "subprocess"}, false},
		{"unknown transport", &Context{Transport: "carrier-pigeon"}, false},
		{"negative timeout", &Context{TimeoutSeconds: -1}, false},
		{"unknown compression", &Context{Compression: "brotli"}, false},
		{"negative grace", &Context{Worker: &Worker{StopGraceMillis: -5}}, false},
		{"negative nats threshold", &Context{NATS: &NATS{URL: "nats://x", CompressAbove: -1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ctx.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadRejectsInvalidContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	data := "currentContext: script\ncontexts:\n  script:\n    transport: subprocess\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for subprocess context without worker command")
	}
}

func TestResolveListsKnownContexts(t *testing.T) {
	cfg := &Config{}
	cfg.SetContext("b", &Context{})
	cfg.SetContext("a", &Context{})
	_, _, err := cfg.Resolve("prod")
	if !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("err = %v, want ErrContextNotFound", err)
	}
	if want := "(have a, b)"; !strings.Contains(err.Error(), want) {
		t.Fatalf("err = %q, want it to mention %q", err, want)
	}
}
