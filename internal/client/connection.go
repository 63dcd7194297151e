package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
)

const (
	DefaultBackendAddr = "127.0.0.1:50051"
	DefaultTimeout     = 15 * time.Second
)

type Connection struct {
	BackendAddr string
	Timeout     time.Duration
	TLS         bool
	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
}

// ResolveConnection applies, in order of precedence:
// 1) flags (backendAddr, timeout, contextName)
// 2) config file values
// 3) environment (STREAMBRIDGE_BACKEND_ADDR)
// 4) defaults (127.0.0.1:50051, 15s)
func ResolveConnection(configPath, contextName, backendAddr string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		ContextName: contextName,
		BackendAddr: backendAddr,
		Timeout:     timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Config != nil {
		ctx, name, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
		conn.ContextName = name
	}

	if conn.BackendAddr == "" && conn.Context != nil {
		conn.BackendAddr = conn.Context.Server
	}

	if conn.Timeout == 0 {
		if conn.Context != nil && conn.Context.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(conn.Context.TimeoutSeconds) * time.Second
		} else {
			conn.Timeout = DefaultTimeout
		}
	}

	if conn.BackendAddr == "" {
		conn.BackendAddr = os.Getenv("STREAMBRIDGE_BACKEND_ADDR")
		if conn.BackendAddr == "" {
			conn.BackendAddr = DefaultBackendAddr
		}
	}

	addr, tls, err := NormalizeAddress(conn.BackendAddr)
	if err != nil {
		return nil, err
	}
	conn.BackendAddr = addr
	conn.TLS = tls || (conn.Context != nil && conn.Context.TLS)
	return conn, nil
}

// NormalizeAddress accepts host:port or an http(s) URL and returns a gRPC
// target. An https scheme requests TLS.
func NormalizeAddress(addr string) (string, bool, error) {
	target := strings.TrimSpace(addr)
	tls := false
	switch {
	case strings.HasPrefix(target, "http://"):
		target = strings.TrimPrefix(target, "http://")
	case strings.HasPrefix(target, "https://"):
		target = strings.TrimPrefix(target, "https://")
		tls = true
	}
	target = strings.TrimSuffix(target, "/")
	if target == "" {
		return "", false, fmt.Errorf("backend address is required")
	}
	if strings.ContainsAny(target, " \t/") && !strings.Contains(target, ":///") {
		return "", false, fmt.Errorf("invalid backend address %q", addr)
	}
	return target, tls, nil
}
