// Package sandbox defines the contract of the isolated execution service the
// runner drives: workspace file operations plus processes with stdio and
// numbered side-channels.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotExist is returned when a requested workspace file is missing.
	ErrNotExist = errors.New("sandbox: file does not exist")
	// ErrPathEscapes is returned for paths outside the workspace root.
	ErrPathEscapes = errors.New("sandbox: path escapes workspace root")
	// ErrNoTerminal is returned by Resize on processes started without a terminal.
	ErrNoTerminal = errors.New("sandbox: process has no terminal")
	// ErrNoStream is returned for side-channel indexes that were not requested.
	ErrNoStream = errors.New("sandbox: no such stream")
)

// Sandbox is a remote (or local) isolated workspace.
type Sandbox interface {
	Mkdir(ctx context.Context, paths []string, parents bool) error
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Exec(ctx context.Context, name string, args []string, opts ExecOptions) (Process, error)
}

// ExecOptions configure a process start.
type ExecOptions struct {
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Term bool              `json:"term,omitempty"`
	Cols int               `json:"cols,omitempty"`
	Rows int               `json:"rows,omitempty"`
	// Streams is the number of side-channels; channel i is fd 3+i in the child.
	Streams int `json:"streams,omitempty"`
}

// Process is a started sandbox process.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Stream returns side-channel i, or nil if it was not requested.
	Stream(i int) io.ReadWriteCloser
	// Wait blocks until the process exits.
	Wait() (ExitStatus, error)
	Kill(signal string) error
	Resize(cols, rows int) error
}

// ExitStatus is what a process reports on exit. Signal is empty for a normal exit.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Success reports a zero exit without a signal.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}
