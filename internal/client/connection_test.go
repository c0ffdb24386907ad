package client

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	cliconfig "github.com/antonkrylov/runbox/internal/cli/config"
)

func TestResolveConnectionDefaults(t *testing.T) {
	t.Setenv("RUNBOX_SANDBOX_ADDR", "")
	t.Setenv("RUNBOX_NATS_URL", "")
	conn, err := ResolveConnection("", "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.SandboxAddr != DefaultSandboxAddr || conn.NATSURL != nats.DefaultURL || conn.Timeout != DefaultTimeout || conn.SubjectPrefix != DefaultSubjectPrefix {
		t.Fatalf("unexpected defaults %+v", conn)
	}
}

func TestResolveConnectionPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	cfg := &cliconfig.Config{}
	cfg.SetContext("lab", &cliconfig.Context{Sandbox: "lab:7447", NATSURL: "nats://lab:4222", SubjectPrefix: "course", TimeoutSeconds: 42})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Setenv("RUNBOX_SANDBOX_ADDR", "env:7447")
	t.Setenv("RUNBOX_NATS_URL", "nats://env:4222")

	conn, err := ResolveConnection(path, "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.SandboxAddr != "lab:7447" || conn.NATSURL != "nats://lab:4222" || conn.SubjectPrefix != "course" || conn.Timeout != 42*time.Second {
		t.Fatalf("config values not applied: %+v", conn)
	}

	conn, err = ResolveConnection(path, "", "flag:7447", "", time.Second)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.SandboxAddr != "flag:7447" || conn.Timeout != time.Second {
		t.Fatalf("flags should win: %+v", conn)
	}

	conn, err = ResolveConnection(filepath.Join(t.TempDir(), "absent"), "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn.SandboxAddr != "env:7447" || conn.NATSURL != "nats://env:4222" {
		t.Fatalf("env should apply without config: %+v", conn)
	}

	if _, err := ResolveConnection(path, "nope", "", "", 0); err == nil {
		t.Fatalf("expected unknown context error")
	}
}

func TestResolveConnectionExpandsLanguages(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "config")
	cfg := &cliconfig.Config{}
	cfg.SetContext("lab", &cliconfig.Context{Sandbox: "lab:7447", Languages: "~/langs.yaml"})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	conn, err := ResolveConnection(path, "", "", "", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(home, "langs.yaml"); conn.Languages != want {
		t.Fatalf("languages = %q, want %q", conn.Languages, want)
	}
}
