package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	return sb
}

func TestFileOperations(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	if err := sb.Mkdir(ctx, []string{"src/pkg"}, true); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := sb.WriteFile(ctx, "src/pkg/main.c", []byte("int main(){}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := sb.ReadFile(ctx, "src/pkg/main.c")
	if err != nil || string(data) != "int main(){}" {
		t.Fatalf("read: %q %v", data, err)
	}
	if _, err := sb.ReadFile(ctx, "missing.txt"); !errors.Is(err, sandbox.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if err := sb.WriteFile(ctx, "../outside", nil); !errors.Is(err, sandbox.ErrPathEscapes) {
		t.Fatalf("expected ErrPathEscapes, got %v", err)
	}
	if err := sb.Mkdir(ctx, []string{"a/b/c"}, false); err == nil {
		t.Fatalf("expected mkdir without parents to fail")
	}
}

func TestExecPipesAndSideChannel(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Exec(context.Background(), "sh", []string{"-c", `read line; echo "out:$line"; echo err >&2; echo side >&3; exit 3`}, sandbox.ExecOptions{Streams: 1})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := io.WriteString(proc.Stdin(), "hello\n"); err != nil {
		t.Fatalf("stdin: %v", err)
	}
	_ = proc.Stdin().Close()

	type result struct {
		name string
		data string
	}
	results := make(chan result, 3)
	read := func(name string, r io.Reader) {
		b, _ := io.ReadAll(r)
		results <- result{name, string(b)}
	}
	go read("stdout", proc.Stdout())
	go read("stderr", proc.Stderr())
	go read("side", proc.Stream(0))

	got := map[string]string{}
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			got[r.name] = r.data
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out reading streams: %v", got)
		}
	}
	if got["stdout"] != "out:hello\n" || got["stderr"] != "err\n" || got["side"] != "side\n" {
		t.Fatalf("unexpected stream contents %q", got)
	}
	status, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.Code != 3 || status.Success() {
		t.Fatalf("unexpected status %+v", status)
	}
	if proc.Stream(1) != nil {
		t.Fatalf("expected nil for unrequested stream")
	}
	if err := proc.Resize(80, 24); !errors.Is(err, sandbox.ErrNoTerminal) {
		t.Fatalf("expected ErrNoTerminal, got %v", err)
	}
}

func TestExecKill(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Exec(context.Background(), "sleep", []string{"30"}, sandbox.ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := proc.Kill("SIGTERM"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	status, _ := proc.Wait()
	if status.Signal != "SIGTERM" {
		t.Fatalf("expected SIGTERM, got %+v", status)
	}
	if err := proc.Kill("KILL"); err != nil {
		t.Fatalf("kill after exit should be a no-op: %v", err)
	}
	if err := proc.Kill("SIGNOPE"); err == nil {
		t.Fatalf("expected unknown signal error")
	}
}

func TestExecContextCancelKills(t *testing.T) {
	sb := newTestSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := sb.Exec(ctx, "sleep", []string{"30"}, sandbox.ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	cancel()
	done := make(chan sandbox.ExitStatus, 1)
	go func() {
		st, _ := proc.Wait()
		done <- st
	}()
	select {
	case st := <-done:
		if st.Signal != "SIGKILL" {
			t.Fatalf("expected SIGKILL, got %+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("process not killed")
	}
}

func TestExecTerminal(t *testing.T) {
	sb := newTestSandbox(t)
	proc, err := sb.Exec(context.Background(), "sh", []string{"-c", "echo tty-ok"}, sandbox.ExecOptions{Term: true, Cols: 100, Rows: 40})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	out, _ := io.ReadAll(proc.Stdout())
	if !strings.Contains(string(out), "tty-ok") {
		t.Fatalf("unexpected terminal output %q", out)
	}
	if st, _ := proc.Wait(); !st.Success() {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestExecCwdEscape(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.Exec(context.Background(), "true", nil, sandbox.ExecOptions{Cwd: "../.."})
	if !errors.Is(err, sandbox.ErrPathEscapes) {
		t.Fatalf("expected ErrPathEscapes, got %v", err)
	}
}
