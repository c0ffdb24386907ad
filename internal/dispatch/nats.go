package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSTransport.
type NATSConfig struct {
	URL      string
	Name     string
	User     string
	Password string
	// Prefix is the first subject token. Default "runbox".
	Prefix string
	// RequestTimeout bounds actions whose context has no deadline. Default 30s.
	RequestTimeout time.Duration
	// Events, when set, persists event logs in a JetStream stream.
	Events *JetStreamOptions
	Logger *slog.Logger
}

// JetStreamOptions describe the event stream.
type JetStreamOptions struct {
	Stream     string
	MaxBytes   int64
	DupeWindow time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.Stream == "" {
		o.Stream = "runbox_events"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}

// NATSTransport carries dispatcher traffic over NATS subjects
// "<prefix>.action.<name>", "<prefix>.event.<name>" and "<prefix>.push.<feed>".
// It reconnects forever.
type NATSTransport struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	js       nats.JetStreamContext
	inbox    string
	respSub  *nats.Subscription
	pending  map[string]func([]byte, error)
	connOnce sync.Once
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport returns an unconnected transport.
func NewNATSTransport(cfg NATSConfig) *NATSTransport {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "runbox-dispatcher"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "runbox"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Events != nil {
		ev := *cfg.Events
		ev.setDefaults()
		cfg.Events = &ev
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NATSTransport{cfg: cfg, logger: logger, pending: make(map[string]func([]byte, error))}
}

func (t *NATSTransport) Connect(h Handlers) error {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(time.Second),
		nats.ConnectHandler(func(*nats.Conn) { t.connected(h) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if h.OnDisconnect != nil {
				h.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			t.connected(h)
			if h.OnReconnect != nil {
				h.OnReconnect()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			if h.OnClosed != nil {
				h.OnClosed()
			}
		}),
	}
	if t.cfg.User != "" {
		opts = append(opts, nats.UserInfo(t.cfg.User, t.cfg.Password))
	}
	conn, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return err
	}
	inbox := nats.NewInbox()
	sub, err := conn.Subscribe(inbox+".*", t.handleReply)
	if err != nil {
		conn.Close()
		return err
	}
	t.mu.Lock()
	t.conn, t.inbox, t.respSub = conn, inbox, sub
	t.mu.Unlock()
	if conn.IsConnected() {
		t.connected(h)
	}
	return nil
}

// connected runs once for the first successful connection, whether it
// happened inside nats.Connect or later through the retry loop. Until Connect
// has stored the conn and reply inbox it does nothing; Connect calls it again
// once they are in place.
func (t *NATSTransport) connected(h Handlers) {
	t.mu.Lock()
	ready := t.conn != nil
	t.mu.Unlock()
	if !ready {
		return
	}
	t.connOnce.Do(func() {
		if t.cfg.Events != nil {
			if err := t.ensureEventStream(); err != nil {
				t.logger.Warn("event stream unavailable, publishing without persistence", "err", err)
			}
		}
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})
}

func (t *NATSTransport) ensureEventStream() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	js, err := conn.JetStream()
	if err != nil {
		return err
	}
	cfg := &nats.StreamConfig{
		Name:       t.cfg.Events.Stream,
		Subjects:   []string{Subject(t.cfg.Prefix, KindEvent, "*")},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   t.cfg.Events.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: t.cfg.Events.DupeWindow,
	}
	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, err := js.AddStream(cfg); err != nil {
			return err
		}
	} else if _, err := js.UpdateStream(cfg); err != nil {
		return err
	}
	t.mu.Lock()
	t.js = js
	t.mu.Unlock()
	return nil
}

func (t *NATSTransport) handleReply(msg *nats.Msg) {
	token := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	fn := t.take(token)
	if fn == nil {
		return
	}
	if len(msg.Data) == 0 && msg.Header.Get("Status") == "503" {
		fn(nil, nats.ErrNoResponders)
		return
	}
	fn(msg.Data, nil)
}

func (t *NATSTransport) take(token string) func([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn := t.pending[token]
	delete(t.pending, token)
	return fn
}

func (t *NATSTransport) Request(ctx context.Context, name string, data []byte, done func([]byte, error)) error {
	t.mu.Lock()
	conn, inbox := t.conn, t.inbox
	if conn == nil {
		t.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	token := nats.NewInbox()[len(nats.InboxPrefix):]
	finished := make(chan struct{})
	t.pending[token] = func(b []byte, err error) {
		close(finished)
		done(b, err)
	}
	t.mu.Unlock()

	if err := conn.PublishRequest(Subject(t.cfg.Prefix, KindAction, name), inbox+"."+token, data); err != nil {
		t.take(token)
		return err
	}
	go func() {
		var timeout <-chan time.Time
		if _, ok := ctx.Deadline(); !ok {
			timer := time.NewTimer(t.cfg.RequestTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-finished:
		case <-ctx.Done():
			if fn := t.take(token); fn != nil {
				fn(nil, ctx.Err())
			}
		case <-timeout:
			if fn := t.take(token); fn != nil {
				fn(nil, nats.ErrTimeout)
			}
		}
	}()
	return nil
}

func (t *NATSTransport) Publish(name, id string, data []byte) error {
	t.mu.Lock()
	conn, js := t.conn, t.js
	t.mu.Unlock()
	if conn == nil {
		return nats.ErrConnectionClosed
	}
	subject := Subject(t.cfg.Prefix, KindEvent, name)
	if js != nil {
		_, err := js.PublishAsync(subject, data, nats.MsgId("event:"+id))
		return err
	}
	return conn.Publish(subject, data)
}

func (t *NATSTransport) Subscribe(feed string, fn func([]byte)) (func(), error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, nats.ErrConnectionClosed
	}
	sub, err := conn.Subscribe(Subject(t.cfg.Prefix, KindPush, feed), func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close waits briefly for outstanding JetStream acks, then closes the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	conn, js := t.conn, t.js
	t.conn = nil
	pending := t.pending
	t.pending = make(map[string]func([]byte, error))
	t.mu.Unlock()
	for _, fn := range pending {
		fn(nil, nats.ErrConnectionClosed)
	}
	if conn == nil {
		return nil
	}
	if js != nil {
		select {
		case <-js.PublishAsyncComplete():
		case <-time.After(2 * time.Second):
			t.logger.Warn("event stream acks outstanding at close")
		}
	}
	conn.Close()
	return nil
}
