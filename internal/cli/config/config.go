package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models a kubeconfig-style file with named worker contexts.
type Config struct {
	CurrentContext string              `yaml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts"`
}

// Context describes how to reach one analysis worker.
type Context struct {
	Server         string  `yaml:"server"`
	TimeoutSeconds int     `yaml:"timeoutSeconds,omitempty"`
	Transport      string  `yaml:"transport,omitempty"`
	TLS            bool    `yaml:"tls,omitempty"`
	Compression    string  `yaml:"compression,omitempty"`
	DataDir        string  `yaml:"dataDir,omitempty"`
	Worker         *Worker `yaml:"worker,omitempty"`
	NATS           *NATS   `yaml:"nats,omitempty"`
}

// Worker configures subprocess mode.
type Worker struct {
	Command         []string `yaml:"command,omitempty"`
	HistoryCommand  []string `yaml:"historyCommand,omitempty"`
	Dir             string   `yaml:"dir,omitempty"`
	Env             []string `yaml:"env,omitempty"`
	PTY             bool     `yaml:"pty,omitempty"`
	AttachmentFlag  string   `yaml:"attachmentFlag,omitempty"`
	StopGraceMillis int      `yaml:"stopGraceMillis,omitempty"`
}

// NATS mirrors bridge events to a NATS subject.
type NATS struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject,omitempty"`
	Stream        string `yaml:"stream,omitempty"`
	CompressAbove int    `yaml:"compressAbove,omitempty"`
}

// ErrContextNotFound indicates the requested context is missing.
var ErrContextNotFound = errors.New("context not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if err := c.validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Replace the file in one step so a crashed write never leaves a
	// truncated config behind.
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), expanded)
}

func (c *Config) validate() error {
	if c.CurrentContext != "" && len(c.Contexts) > 0 {
		if _, ok := c.Contexts[c.CurrentContext]; !ok {
			return fmt.Errorf("currentContext %q: %w", c.CurrentContext, ErrContextNotFound)
		}
	}
	for _, name := range c.ContextNames() {
		if err := c.Contexts[name].Validate(); err != nil {
			return fmt.Errorf("context %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks the values a bridge cannot start with.
func (ctx *Context) Validate() error {
	if ctx == nil {
		return errors.New("empty context")
	}
	switch ctx.Transport {
	case "", "rpc":
	case "subprocess":
		if ctx.Worker == nil || len(ctx.Worker.Command) == 0 {
			return errors.New("subprocess transport needs worker.command")
		}
	default:
		return fmt.Errorf("unknown transport %q (want rpc or subprocess)", ctx.Transport)
	}
	if ctx.TimeoutSeconds < 0 {
		return errors.New("timeoutSeconds must not be negative")
	}
	switch ctx.Compression {
	case "", "gzip":
	default:
		return fmt.Errorf("unsupported compression %q", ctx.Compression)
	}
	if w := ctx.Worker; w != nil && w.StopGraceMillis < 0 {
		return errors.New("worker.stopGraceMillis must not be negative")
	}
	if n := ctx.NATS; n != nil && n.CompressAbove < 0 {
		return errors.New("nats.compressAbove must not be negative")
	}
	return nil
}

// Resolve picks a context either by explicit name or the currentContext value.
func (c *Config) Resolve(name string) (*Context, string, error) {
	if c == nil {
		return nil, "", nil
	}
	ctxName := strings.TrimSpace(name)
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok {
		known := c.ContextNames()
		if len(known) == 0 {
			return nil, ctxName, fmt.Errorf("%w: %s (no contexts configured)", ErrContextNotFound, ctxName)
		}
		return nil, ctxName, fmt.Errorf("%w: %s (have %s)", ErrContextNotFound, ctxName, strings.Join(known, ", "))
	}
	return ctx, ctxName, nil
}

// SetContext adds or replaces a context.
func (c *Config) SetContext(name string, ctx *Context) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*Context)
	}
	c.Contexts[name] = ctx
}

// ContextNames returns the context names in sorted order.
func (c *Config) ContextNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Contexts))
	for k := range c.Contexts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ExpandPath resolves "~" and relative paths.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
