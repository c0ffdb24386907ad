package remote_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/runbox/internal/client"
	"github.com/antonkrylov/runbox/internal/remote"
	"github.com/antonkrylov/runbox/internal/sandbox"
	"github.com/antonkrylov/runbox/internal/sandbox/local"
)

func startSandbox(t *testing.T) (*client.Sandbox, *local.Sandbox) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sb, err := local.New(local.Config{Root: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("local sandbox: %v", err)
	}
	srv, err := remote.New(remote.Config{ListenAddr: "127.0.0.1:0", Sandbox: sb, Logger: logger})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	cl, conn, err := client.DialSandbox(dialCtx, srv.Addr().String(), client.DialInsecure)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return cl, sb
}

func TestSandboxService_Files(t *testing.T) {
	cl, sb := startSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cl.Mkdir(ctx, []string{"src"}, true); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := cl.WriteFile(ctx, "src/main.py", []byte("print('hi')\n")); err != nil {
		t.Fatalf("write small: %v", err)
	}
	big := bytes.Repeat([]byte("0123456789abcdef"), 2048)
	if err := cl.WriteFile(ctx, "src/big.txt", big); err != nil {
		t.Fatalf("write big: %v", err)
	}

	onDisk, err := sb.ReadFile(ctx, "src/big.txt")
	if err != nil || !bytes.Equal(onDisk, big) {
		t.Fatalf("big file not stored decompressed: %d bytes, %v", len(onDisk), err)
	}
	got, err := cl.ReadFile(ctx, "src/big.txt")
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("read big: %d bytes, %v", len(got), err)
	}
	got, err = cl.ReadFile(ctx, "src/main.py")
	if err != nil || string(got) != "print('hi')\n" {
		t.Fatalf("read small: %q %v", got, err)
	}

	if _, err := cl.ReadFile(ctx, "src/missing.py"); !errors.Is(err, sandbox.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if err := cl.WriteFile(ctx, "../../etc/passwd", []byte("x")); !errors.Is(err, sandbox.ErrPathEscapes) {
		t.Fatalf("expected ErrPathEscapes, got %v", err)
	}
}

func TestSandboxService_ExecSideChannel(t *testing.T) {
	cl, _ := startSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	script := `read l; echo "got:$l" >&3; read r <&3; echo "reply:$r"; echo warn >&2; exit 4`
	proc, err := cl.Exec(ctx, "sh", []string{"-c", script}, sandbox.ExecOptions{Streams: 1})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := io.WriteString(proc.Stdin(), "ping\n"); err != nil {
		t.Fatalf("stdin: %v", err)
	}

	side := proc.Stream(0)
	line, err := bufio.NewReader(side).ReadString('\n')
	if err != nil || line != "got:ping\n" {
		t.Fatalf("side channel read: %q %v", line, err)
	}
	if _, err := io.WriteString(side, "pong\n"); err != nil {
		t.Fatalf("side channel write: %v", err)
	}

	stdout, _ := io.ReadAll(proc.Stdout())
	stderr, _ := io.ReadAll(proc.Stderr())
	if string(stdout) != "reply:pong\n" || string(stderr) != "warn\n" {
		t.Fatalf("unexpected output stdout=%q stderr=%q", stdout, stderr)
	}
	status, err := proc.Wait()
	if err != nil || status.Code != 4 {
		t.Fatalf("unexpected exit %+v %v", status, err)
	}
	if err := proc.Resize(80, 24); !errors.Is(err, sandbox.ErrNoTerminal) {
		t.Fatalf("expected ErrNoTerminal, got %v", err)
	}
}

func TestSandboxService_ExecKill(t *testing.T) {
	cl, _ := startSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := cl.Exec(ctx, "sleep", []string{"30"}, sandbox.ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := proc.Kill("SIGTERM"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	status, err := proc.Wait()
	if err != nil || status.Signal != "SIGTERM" {
		t.Fatalf("unexpected exit %+v %v", status, err)
	}
	if err := proc.Kill("SIGKILL"); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
}

func TestSandboxService_ExecUnknownCommand(t *testing.T) {
	cl, _ := startSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := cl.Exec(ctx, "definitely-not-a-command-runbox", nil, sandbox.ExecOptions{})
	if err == nil || !strings.Contains(err.Error(), "definitely-not-a-command-runbox") {
		t.Fatalf("expected start failure, got %v", err)
	}
}
