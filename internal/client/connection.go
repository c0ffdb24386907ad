package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	cliconfig "github.com/antonkrylov/runbox/internal/cli/config"
)

const (
	DefaultSandboxAddr   = "127.0.0.1:7447"
	DefaultSubjectPrefix = "runbox"
	DefaultTimeout       = 15 * time.Second
)

type Connection struct {
	SandboxAddr   string
	NATSURL       string
	SubjectPrefix string
	Languages     string
	Timeout       time.Duration
	ConfigPath    string
	ContextName   string
	Config        *cliconfig.Config
	Context       *cliconfig.Context
}

// ResolveConnection applies, in order of precedence:
// 1) flags (sandboxAddr, natsURL, timeout, contextName)
// 2) config file values
// 3) environment (RUNBOX_SANDBOX_ADDR, RUNBOX_NATS_URL)
// 4) defaults (127.0.0.1:7447, nats.DefaultURL, 15s)
func ResolveConnection(configPath, contextName, sandboxAddr, natsURL string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		ContextName: contextName,
		SandboxAddr: sandboxAddr,
		NATSURL:     natsURL,
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
		ctx, _, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
	}

	if c := conn.Context; c != nil {
		if conn.SandboxAddr == "" {
			conn.SandboxAddr = c.Sandbox
		}
		if conn.NATSURL == "" {
			conn.NATSURL = c.NATSURL
		}
		conn.SubjectPrefix = c.SubjectPrefix
		if c.Languages != "" {
			path, err := cliconfig.ExpandPath(c.Languages)
			if err != nil {
				return nil, fmt.Errorf("languages path: %w", err)
			}
			conn.Languages = path
		}
	}

	if conn.Timeout == 0 {
		if conn.Context != nil && conn.Context.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(conn.Context.TimeoutSeconds) * time.Second
		} else {
			conn.Timeout = DefaultTimeout
		}
	}

	if conn.SandboxAddr == "" {
		conn.SandboxAddr = os.Getenv("RUNBOX_SANDBOX_ADDR")
		if conn.SandboxAddr == "" {
			conn.SandboxAddr = DefaultSandboxAddr
		}
	}
	if conn.NATSURL == "" {
		conn.NATSURL = os.Getenv("RUNBOX_NATS_URL")
		if conn.NATSURL == "" {
			conn.NATSURL = nats.DefaultURL
		}
	}
	if strings.TrimSpace(conn.SubjectPrefix) == "" {
		conn.SubjectPrefix = DefaultSubjectPrefix
	}

	if conn.SandboxAddr == "" {
		return nil, fmt.Errorf("sandbox address is required")
	}

	return conn, nil
}
