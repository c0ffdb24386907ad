package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

type process struct {
	cmd *exec.Cmd
	pty *os.File

	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	streams []io.ReadWriteCloser

	done   chan struct{}
	status sandbox.ExitStatus
	err    error
}

// Exec starts name with args inside the workspace. Cancelling ctx kills the
// process group.
func (s *Sandbox) Exec(ctx context.Context, name string, args []string, opts sandbox.ExecOptions) (sandbox.Process, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("command is required")
	}
	dir := s.root
	if opts.Cwd != "" {
		resolved, err := s.resolve(opts.Cwd)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	childEnds, err := p.openStreams(opts.Streams)
	if err != nil {
		return nil, err
	}
	cmd.ExtraFiles = childEnds
	defer closeFiles(childEnds)

	if opts.Term {
		if err := p.startTerminal(opts); err != nil {
			p.closeStreams()
			return nil, err
		}
	} else if err := p.startPipes(); err != nil {
		p.closeStreams()
		return nil, err
	}

	s.logger.Debug("process started", "cmd", name, "pid", cmd.Process.Pid, "term", opts.Term, "streams", opts.Streams)
	go p.wait()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill("SIGKILL")
		case <-p.done:
		}
	}()
	return p, nil
}

func (p *process) openStreams(n int) ([]*os.File, error) {
	var childEnds []*os.File
	for i := 0; i < n; i++ {
		syscall.ForkLock.RLock()
		fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err == nil {
			syscall.CloseOnExec(fds[0])
			syscall.CloseOnExec(fds[1])
		}
		syscall.ForkLock.RUnlock()
		if err != nil {
			closeFiles(childEnds)
			p.closeStreams()
			return nil, fmt.Errorf("side-channel %d: %w", i, err)
		}
		p.streams = append(p.streams, newEOFCloser(os.NewFile(uintptr(fds[0]), fmt.Sprintf("stream%d", i))))
		childEnds = append(childEnds, os.NewFile(uintptr(fds[1]), fmt.Sprintf("stream%d-child", i)))
	}
	return childEnds, nil
}

func (p *process) startPipes() error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeFiles([]*os.File{stdinR, stdinW})
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles([]*os.File{stdinR, stdinW, stdoutR, stdoutW})
		return err
	}
	p.cmd.Stdin = stdinR
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	err = p.cmd.Start()
	closeFiles([]*os.File{stdinR, stdoutW, stderrW})
	if err != nil {
		closeFiles([]*os.File{stdinW, stdoutR, stderrR})
		return err
	}
	p.stdin = stdinW
	p.stdout = newEOFCloser(stdoutR)
	p.stderr = newEOFCloser(stderrR)
	return nil
}

func (p *process) startTerminal(opts sandbox.ExecOptions) error {
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if opts.Cols > 0 {
		ws.Cols = uint16(opts.Cols)
	}
	if opts.Rows > 0 {
		ws.Rows = uint16(opts.Rows)
	}
	ptyFile, err := startPTY(p.cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms reject Setctty; a pty without a controlling terminal
		// still carries interactive I/O.
		retry := exec.Command(p.cmd.Path, p.cmd.Args[1:]...)
		retry.Dir, retry.Env, retry.ExtraFiles = p.cmd.Dir, p.cmd.Env, p.cmd.ExtraFiles
		p.cmd = retry
		ptyFile, err = startPTY(p.cmd, ws, false)
	}
	if err != nil {
		return err
	}
	p.pty = ptyFile
	p.stdin = &ptyInput{f: ptyFile}
	p.stdout = &ptyOutput{f: ptyFile}
	p.stderr = eofReader{}
	return nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.status, p.err = exitStatus(p.cmd.ProcessState, err)
	close(p.done)
	if p.pty != nil {
		// Keep the pty open briefly so the reader can drain the last output.
		time.AfterFunc(2*time.Second, func() { _ = p.pty.Close() })
	}
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Stderr() io.Reader     { return p.stderr }

func (p *process) Stream(i int) io.ReadWriteCloser {
	if i < 0 || i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

func (p *process) Wait() (sandbox.ExitStatus, error) {
	<-p.done
	return p.status, p.err
}

func (p *process) Kill(signal string) error {
	sig, err := parseSignal(signal)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

func (p *process) Resize(cols, rows int) error {
	if p.pty == nil {
		return sandbox.ErrNoTerminal
	}
	return pty.Setsize(p.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *process) closeStreams() {
	for _, s := range p.streams {
		_ = s.Close()
	}
}

func exitStatus(state *os.ProcessState, err error) (sandbox.ExitStatus, error) {
	if state == nil {
		return sandbox.ExitStatus{Code: -1}, err
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return sandbox.ExitStatus{Code: -1, Signal: signalName(ws.Signal())}, nil
	}
	return sandbox.ExitStatus{Code: state.ExitCode()}, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// eofCloser closes the file once a read reports EOF, so drained channels do
// not leak descriptors.
type eofCloser struct {
	f    *os.File
	once sync.Once
}

func newEOFCloser(f *os.File) *eofCloser { return &eofCloser{f: f} }

func (e *eofCloser) Read(p []byte) (int, error) {
	n, err := e.f.Read(p)
	if errors.Is(err, io.EOF) {
		_ = e.Close()
	}
	return n, err
}

func (e *eofCloser) Write(p []byte) (int, error) { return e.f.Write(p) }

// CloseWrite shuts down the sending half of a socket side-channel.
func (e *eofCloser) CloseWrite() error {
	rc, err := e.f.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = syscall.Shutdown(int(fd), syscall.SHUT_WR)
	}); err != nil {
		return err
	}
	return serr
}

func (e *eofCloser) Close() error {
	var err error
	e.once.Do(func() { err = e.f.Close() })
	return err
}

type ptyInput struct {
	f *os.File
}

func (in *ptyInput) Write(p []byte) (int, error) { return in.f.Write(p) }

// Close sends EOT; the pty itself outlives stdin.
func (in *ptyInput) Close() error {
	_, err := in.f.Write([]byte{0x04})
	return err
}

// ptyOutput maps the EIO a pty master returns after the child exits to EOF.
type ptyOutput struct {
	f *os.File
}

func (out *ptyOutput) Read(p []byte) (int, error) {
	n, err := out.f.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		return n, io.EOF
	}
	return n, err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
