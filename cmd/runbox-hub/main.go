package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/runbox/internal/hub"
)

func main() {
	var (
		natsURL    = flag.String("nats", nats.DefaultURL, "NATS server URL")
		prefix     = flag.String("prefix", "runbox", "subject prefix shared with clients")
		queueGroup = flag.String("queue-group", "runbox-hub", "NATS queue group for load-balanced hubs")
		dbPath     = flag.String("db", "/tmp/runbox/hub.db", "SQLite database path")
		timeout    = flag.Duration("handler-timeout", 10*time.Second, "per-action handler timeout")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		logger.Error("db dir init", "err", err)
		os.Exit(1)
	}
	store, err := hub.NewSQLite(*dbPath)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Init(ctx); err != nil {
		logger.Error("init store", "err", err)
		os.Exit(1)
	}

	nc, err := nats.Connect(*natsURL,
		nats.Name("runbox-hub"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		logger.Error("connect nats", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	h, err := hub.New(hub.Config{
		Conn:           nc,
		Prefix:         *prefix,
		QueueGroup:     *queueGroup,
		Store:          store,
		HandlerTimeout: *timeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("configure hub", "err", err)
		os.Exit(1)
	}
	if err := h.Start(); err != nil {
		logger.Error("start hub", "err", err)
		os.Exit(1)
	}

	logger.Info("hub ready", "nats", *natsURL, "prefix", *prefix, "db", *dbPath)
	<-ctx.Done()
	logger.Info("shutting down hub")
	if err := h.Close(); err != nil {
		logger.Warn("hub close", "err", err)
	}
}
