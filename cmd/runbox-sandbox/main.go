package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antonkrylov/runbox/internal/remote"
	"github.com/antonkrylov/runbox/internal/sandbox/local"
)

var version = "dev"

func main() {
	var listen string
	var workspaceRoot string
	var logLevel string
	var logJSON bool
	var verbose bool

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "runbox-sandbox (%s)\n\n", version)
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.StringVar(&listen, "listen", "127.0.0.1:7447", "listen address for the sandbox gRPC server")
	flag.StringVar(&workspaceRoot, "workspace-root", "/tmp/runbox/workspace", "directory that confines file operations and processes")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as -log-level=debug)")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			log.Printf("unknown -log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		logger.Error("workspace init", "err", err)
		os.Exit(1)
	}
	sb, err := local.New(local.Config{Root: workspaceRoot, Logger: logger})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := remote.New(remote.Config{
		ListenAddr: listen,
		Sandbox:    sb,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	<-ctx.Done()
	srv.Stop()
}
