// Package local implements sandbox.Sandbox on the host: a workspace root for
// file operations and os/exec processes, optionally on a pty, with AF_UNIX
// socketpairs as side-channels.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

// Config configures a local sandbox.
type Config struct {
	// Root confines every path. Required.
	Root   string
	Logger *slog.Logger
}

// Sandbox runs processes and file operations below Root.
type Sandbox struct {
	root   string
	logger *slog.Logger
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// New creates the workspace root if needed.
func New(cfg Config) (*Sandbox, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("local sandbox: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sandbox{root: abs, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) Mkdir(ctx context.Context, paths []string, parents bool) error {
	for _, p := range paths {
		abs, err := s.resolve(p)
		if err != nil {
			return err
		}
		if parents {
			err = os.MkdirAll(abs, 0o755)
		} else {
			err = os.Mkdir(abs, 0o755)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotExist, path)
	}
	return data, err
}

// WriteFile replaces path atomically via a temp file in the same directory.
func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".runbox-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, abs)
}

func (s *Sandbox) resolve(requestPath string) (string, error) {
	raw := strings.TrimSpace(requestPath)
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	var abs string
	if filepath.IsAbs(raw) {
		abs = filepath.Clean(raw)
	} else {
		abs = filepath.Join(s.root, raw)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || rel == ".." {
		return "", fmt.Errorf("%w: %q", sandbox.ErrPathEscapes, raw)
	}
	return abs, nil
}
