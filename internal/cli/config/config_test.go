package config

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config and error, got %v %v", cfg, err)
	}
}

func TestSaveLoadResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")
	cfg := &Config{}
	cfg.SetContext("lab", &Context{Sandbox: "10.0.0.5:7447", NATSURL: "nats://10.0.0.5:4222", TimeoutSeconds: 30})
	cfg.SetContext("home", &Context{Sandbox: "127.0.0.1:7447"})
	if cfg.CurrentContext != "lab" {
		t.Fatalf("first context should become current, got %q", cfg.CurrentContext)
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, name, err := loaded.Resolve("")
	if err != nil || name != "lab" || ctx.Sandbox != "10.0.0.5:7447" || ctx.TimeoutSeconds != 30 {
		t.Fatalf("resolve current: %+v %q %v", ctx, name, err)
	}
	ctx, _, err = loaded.Resolve("home")
	if err != nil || ctx.Sandbox != "127.0.0.1:7447" {
		t.Fatalf("resolve home: %+v %v", ctx, err)
	}
	if _, _, err := loaded.Resolve("missing"); !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	if err := loaded.UseContext("missing"); !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	if err := loaded.UseContext("home"); err != nil || loaded.CurrentContext != "home" {
		t.Fatalf("use-context: %v %q", err, loaded.CurrentContext)
	}
}

func TestDefaultConfigPathHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RUNBOX_HOME", dir)
	if got := DefaultConfigPath(); got != filepath.Join(dir, "config") {
		t.Fatalf("unexpected default path %q", got)
	}
}
