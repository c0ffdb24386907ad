// Package remote serves a sandbox.Sandbox over gRPC: unary file operations
// and a bidirectional Exec stream multiplexing stdio and side-channels.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"

	"github.com/antonkrylov/runbox/internal/sandbox"
)

type Config struct {
	ListenAddr string
	Sandbox    sandbox.Sandbox

	Version string
	Logger  *slog.Logger
}

type Server struct {
	cfg Config

	grpcServer *grpc.Server
	listener   net.Listener
}

type service struct {
	sb     sandbox.Sandbox
	logger *slog.Logger
}

var _ SandboxServer = (*service)(nil)

func New(cfg Config) (*Server, error) {
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("remote: sandbox is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7447"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	RegisterSandboxServer(s.grpcServer, &service{sb: s.cfg.Sandbox, logger: s.cfg.Logger})

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		_ = s.grpcServer.Serve(lis)
	}()
	s.cfg.Logger.Info("sandbox service listening", "addr", lis.Addr().String(), "version", s.cfg.Version)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
