package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

const outputChunkSize = 32 << 10

// Exec runs one process for the lifetime of the stream. Output chunks are
// sent as they are read; the exit frame follows the EOF of every output fd.
func (s *service) Exec(stream ExecServerStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	start := first.Start
	if start == nil {
		return status.Error(codes.InvalidArgument, "first frame must be start")
	}
	if strings.TrimSpace(start.Name) == "" {
		return status.Error(codes.InvalidArgument, "command is required")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	proc, err := s.sb.Exec(ctx, start.Name, start.Args, start.Options)
	if err != nil {
		return toStatus(err)
	}

	id := uuid.NewString()
	logger := s.logger.With("exec", id, "cmd", start.Name)
	var sendMu sync.Mutex
	send := func(f *ExecServerFrame) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(f)
	}
	if err := send(&ExecServerFrame{Started: &ExecStarted{ID: id}}); err != nil {
		_ = proc.Kill("")
		return err
	}
	logger.Info("exec started", "term", start.Options.Term, "streams", start.Options.Streams)

	go recvControl(stream, proc, logger)

	var g errgroup.Group
	pump := func(fd int, r io.Reader) {
		g.Go(func() error {
			buf := make([]byte, outputChunkSize)
			for {
				n, rerr := r.Read(buf)
				if n > 0 {
					data := append([]byte(nil), buf[:n]...)
					if err := send(&ExecServerFrame{Output: &ExecOutput{FD: fd, Data: data}}); err != nil {
						return err
					}
				}
				if rerr != nil {
					if !errors.Is(rerr, io.EOF) {
						logger.Debug("output read ended", "fd", fd, "err", rerr)
					}
					return send(&ExecServerFrame{Output: &ExecOutput{FD: fd, EOF: true}})
				}
			}
		})
	}
	pump(1, proc.Stdout())
	pump(2, proc.Stderr())
	for i := 0; i < start.Options.Streams; i++ {
		if ch := proc.Stream(i); ch != nil {
			pump(3+i, ch)
		}
	}

	if err := g.Wait(); err != nil {
		_ = proc.Kill("")
		_, _ = proc.Wait()
		return err
	}
	exit, werr := proc.Wait()
	if werr != nil {
		logger.Warn("wait failed", "err", werr)
		_ = send(&ExecServerFrame{Error: werr.Error()})
	}
	logger.Info("exec finished", "code", exit.Code, "signal", exit.Signal)
	return send(&ExecServerFrame{Exit: &exit})
}

type writeCloser interface {
	CloseWrite() error
}

func recvControl(stream ExecServerStream, proc sandbox.Process, logger *slog.Logger) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return
		}
		switch {
		case frame.Input != nil:
			if err := deliverInput(proc, frame.Input); err != nil {
				logger.Debug("input dropped", "fd", frame.Input.FD, "err", err)
			}
		case frame.Resize != nil:
			if err := proc.Resize(frame.Resize.Cols, frame.Resize.Rows); err != nil {
				logger.Debug("resize failed", "err", err)
			}
		case frame.Kill != nil:
			if err := proc.Kill(frame.Kill.Signal); err != nil {
				logger.Warn("kill failed", "signal", frame.Kill.Signal, "err", err)
			}
		}
	}
}

func deliverInput(proc sandbox.Process, in *ExecInput) error {
	var w io.Writer
	switch {
	case in.FD == 0:
		w = proc.Stdin()
	case in.FD >= 3:
		ch := proc.Stream(in.FD - 3)
		if ch == nil {
			return sandbox.ErrNoStream
		}
		w = ch
	default:
		return sandbox.ErrNoStream
	}
	if len(in.Data) > 0 {
		if _, err := w.Write(in.Data); err != nil {
			return err
		}
	}
	if !in.EOF {
		return nil
	}
	if in.FD == 0 {
		return proc.Stdin().Close()
	}
	if hc, ok := w.(writeCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}
