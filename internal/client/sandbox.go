package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/antonkrylov/runbox/internal/remote"
	"github.com/antonkrylov/runbox/internal/sandbox"
	"github.com/antonkrylov/runbox/internal/streams"
)

// compressThreshold is the payload size above which WriteFile sends zstd.
const compressThreshold = 4 << 10

// Sandbox implements sandbox.Sandbox against a remote sandbox service.
type Sandbox struct {
	conn grpc.ClientConnInterface
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// NewSandbox wraps an established connection.
func NewSandbox(conn grpc.ClientConnInterface) *Sandbox {
	return &Sandbox{conn: conn}
}

func (s *Sandbox) invoke(ctx context.Context, method string, req, resp any) error {
	return s.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(remote.CodecName))
}

func (s *Sandbox) Mkdir(ctx context.Context, paths []string, parents bool) error {
	req := &remote.MkdirRequest{Paths: paths, Parents: parents}
	return fromStatus(s.invoke(ctx, remote.MkdirMethod, req, new(emptypb.Empty)))
}

func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	req := &remote.WriteFileRequest{Path: path, Data: data}
	if len(data) >= compressThreshold {
		compressed, err := remote.CompressZstd(data)
		if err != nil {
			return err
		}
		req.Data, req.Encoding = compressed, remote.EncodingZstd
	}
	return fromStatus(s.invoke(ctx, remote.WriteFileMethod, req, new(emptypb.Empty)))
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	req := &remote.ReadFileRequest{Path: path, AcceptEncoding: remote.EncodingZstd}
	var resp remote.ReadFileResponse
	if err := s.invoke(ctx, remote.ReadFileMethod, req, &resp); err != nil {
		return nil, fromStatus(err)
	}
	switch resp.Encoding {
	case "":
		return resp.Data, nil
	case remote.EncodingZstd:
		return remote.DecompressZstd(resp.Data)
	default:
		return nil, fmt.Errorf("read %s: unsupported encoding %q", path, resp.Encoding)
	}
}

// Exec opens an Exec stream and returns once the server reports the process started.
func (s *Sandbox) Exec(ctx context.Context, name string, args []string, opts sandbox.ExecOptions) (sandbox.Process, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := s.conn.NewStream(sctx, &remote.ExecStreamDesc, remote.ExecMethod, grpc.CallContentSubtype(remote.CodecName))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	start := &remote.ExecClientFrame{Start: &remote.ExecStart{Name: name, Args: args, Options: opts}}
	if err := stream.SendMsg(start); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	var first remote.ExecServerFrame
	if err := stream.RecvMsg(&first); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if first.Started == nil {
		cancel()
		if first.Error != "" {
			return nil, errors.New(first.Error)
		}
		return nil, fmt.Errorf("exec %s: unexpected first frame", name)
	}

	p := &process{
		id:     first.Started.ID,
		stream: stream,
		cancel: cancel,
		term:   opts.Term,
		stdout: streams.NewQueue(),
		stderr: streams.NewQueue(),
		done:   make(chan struct{}),
	}
	p.stdin = &channelWriter{p: p, fd: 0}
	for i := 0; i < opts.Streams; i++ {
		p.channels = append(p.channels, &channel{
			Queue:         streams.NewQueue(),
			channelWriter: channelWriter{p: p, fd: 3 + i},
		})
	}
	go p.recvLoop()
	return p, nil
}

type process struct {
	id     string
	stream grpc.ClientStream
	cancel context.CancelFunc
	term   bool

	sendMu sync.Mutex

	stdin    *channelWriter
	stdout   *streams.Queue
	stderr   *streams.Queue
	channels []*channel

	done   chan struct{}
	status sandbox.ExitStatus
	err    error
}

// ID is the server-assigned process id.
func (p *process) ID() string { return p.id }

func (p *process) send(f *remote.ExecClientFrame) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.SendMsg(f)
}

func (p *process) recvLoop() {
	defer p.cancel()
	gotExit := false
	var remoteErr string
	var loopErr error
	for {
		var f remote.ExecServerFrame
		if err := p.stream.RecvMsg(&f); err != nil {
			if !errors.Is(err, io.EOF) {
				loopErr = fromStatus(err)
			}
			break
		}
		switch {
		case f.Output != nil:
			q := p.queue(f.Output.FD)
			if q == nil {
				continue
			}
			if len(f.Output.Data) > 0 {
				_, _ = q.Write(f.Output.Data)
			}
			if f.Output.EOF {
				_ = q.Close()
			}
		case f.Exit != nil:
			p.status = *f.Exit
			gotExit = true
		case f.Error != "":
			remoteErr = f.Error
		}
	}

	switch {
	case remoteErr != "":
		p.err = errors.New(remoteErr)
	case !gotExit && loopErr != nil:
		p.err = loopErr
	case !gotExit:
		p.err = fmt.Errorf("exec %s: stream ended without exit status", p.id)
	}
	if !gotExit {
		p.status = sandbox.ExitStatus{Code: -1}
	}
	closeErr := loopErr
	for _, q := range p.allQueues() {
		_ = q.CloseWithError(closeErr)
	}
	close(p.done)
}

func (p *process) queue(fd int) *streams.Queue {
	switch {
	case fd == 1:
		return p.stdout
	case fd == 2:
		return p.stderr
	case fd >= 3 && fd-3 < len(p.channels):
		return p.channels[fd-3].Queue
	}
	return nil
}

func (p *process) allQueues() []*streams.Queue {
	qs := []*streams.Queue{p.stdout, p.stderr}
	for _, ch := range p.channels {
		qs = append(qs, ch.Queue)
	}
	return qs
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Stderr() io.Reader     { return p.stderr }

func (p *process) Stream(i int) io.ReadWriteCloser {
	if i < 0 || i >= len(p.channels) {
		return nil
	}
	return p.channels[i]
}

func (p *process) Wait() (sandbox.ExitStatus, error) {
	<-p.done
	return p.status, p.err
}

func (p *process) Kill(signal string) error {
	err := p.send(&remote.ExecClientFrame{Kill: &remote.ExecKill{Signal: signal}})
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (p *process) Resize(cols, rows int) error {
	if !p.term {
		return sandbox.ErrNoTerminal
	}
	return p.send(&remote.ExecClientFrame{Resize: &remote.ExecResize{Cols: cols, Rows: rows}})
}

// channelWriter sends input frames for one fd. Close sends EOF once.
type channelWriter struct {
	p    *process
	fd   int
	once sync.Once
}

func (w *channelWriter) Write(b []byte) (int, error) {
	data := append([]byte(nil), b...)
	if err := w.p.send(&remote.ExecClientFrame{Input: &remote.ExecInput{FD: w.fd, Data: data}}); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *channelWriter) Close() error {
	var err error
	w.once.Do(func() {
		err = w.p.send(&remote.ExecClientFrame{Input: &remote.ExecInput{FD: w.fd, EOF: true}})
		if errors.Is(err, io.ErrClosedPipe) {
			err = nil
		}
	})
	return err
}

// channel is a side-channel: reads come from the output queue of its fd,
// writes become input frames.
type channel struct {
	*streams.Queue
	channelWriter
}

func (c *channel) Read(b []byte) (int, error)  { return c.Queue.Read(b) }
func (c *channel) Write(b []byte) (int, error) { return c.channelWriter.Write(b) }
func (c *channel) Close() error                { return c.channelWriter.Close() }

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", sandbox.ErrNotExist, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", sandbox.ErrPathEscapes, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}
