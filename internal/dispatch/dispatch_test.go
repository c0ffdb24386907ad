package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type sent struct {
	kind string
	env  Envelope
}

type fakeTransport struct {
	mu        sync.Mutex
	handlers  Handlers
	connected chan struct{}
	sent      []sent
	replies   map[string]func(Envelope) ReplyEnvelope
	feeds     map[string]func([]byte)

	failNext error
	// disconnectOnFail reports a disconnect before the failing call returns.
	disconnectOnFail bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: make(chan struct{}, 1),
		replies:   make(map[string]func(Envelope) ReplyEnvelope),
		feeds:     make(map[string]func([]byte)),
	}
}

func (f *fakeTransport) Connect(h Handlers) error {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
	f.connected <- struct{}{}
	return nil
}

func (f *fakeTransport) waitConnectCalled(t *testing.T) Handlers {
	t.Helper()
	select {
	case <-f.connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("transport Connect not called")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeTransport) record(kind string, data []byte) (Envelope, error) {
	f.mu.Lock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		h, disconnect := f.handlers, f.disconnectOnFail
		f.mu.Unlock()
		if disconnect {
			h.OnDisconnect(err)
		}
		return Envelope{}, err
	}
	defer f.mu.Unlock()
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	f.sent = append(f.sent, sent{kind: kind, env: env})
	return env, nil
}

func (f *fakeTransport) Request(ctx context.Context, name string, data []byte, done func([]byte, error)) error {
	env, err := f.record(KindAction, data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	replyFn := f.replies[name]
	f.mu.Unlock()
	reply := ReplyEnvelope{ID: env.ID, OK: true}
	if replyFn != nil {
		reply = replyFn(env)
	}
	b, _ := json.Marshal(reply)
	go done(b, nil)
	return nil
}

func (f *fakeTransport) Publish(name, id string, data []byte) error {
	_, err := f.record(KindEvent, data)
	return err
}

func (f *fakeTransport) Subscribe(feed string, fn func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feed] = fn
	return func() {}, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.kind + ":" + s.env.Name
	}
	return out
}

func TestQueuedActionsFlushInOrderOnConnect(t *testing.T) {
	tr := newFakeTransport()
	d := New(Config{Transport: tr, Context: map[string]string{"user": "ada"}})

	done := make(chan struct{}, 3)
	for _, name := range []string{"first", "second", "third"} {
		name := name
		d.SendAction(&Action{Name: name, Done: func(r Reply) {
			if r.Err != nil {
				t.Errorf("action %s failed: %v", name, r.Err)
			}
			done <- struct{}{}
		}}, false)
	}
	h := tr.waitConnectCalled(t)
	if got := tr.names(); len(got) != 0 {
		t.Fatalf("nothing should be sent before connect, got %v", got)
	}
	if d.Queued() != 3 {
		t.Fatalf("expected 3 queued, got %d", d.Queued())
	}

	h.OnConnect()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("action replies missing")
		}
	}
	got := tr.names()
	want := []string{"action:first", "action:second", "action:third"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
	tr.mu.Lock()
	ctx := tr.sent[0].env.Context
	tr.mu.Unlock()
	if ctx["user"] != "ada" {
		t.Fatalf("dispatcher context not merged: %v", ctx)
	}
	if d.Queued() != 0 || d.State() != StateConnected {
		t.Fatalf("unexpected state after flush: queued=%d state=%s", d.Queued(), d.State())
	}
}

func TestActionWhileReconnecting(t *testing.T) {
	tr := newFakeTransport()
	d := New(Config{Transport: tr})
	d.Connect()
	h := tr.waitConnectCalled(t)
	h.OnConnect()
	h.OnDisconnect(errors.New("link down"))
	if d.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", d.State())
	}

	var syncErr error
	called := false
	d.SendAction(&Action{Name: "get-events", Done: func(r Reply) {
		called = true
		syncErr = r.Err
	}}, false)
	if !called || !errors.Is(syncErr, ErrNotConnected) {
		t.Fatalf("non-queued action should fail synchronously with ErrNotConnected, called=%v err=%v", called, syncErr)
	}

	queued := make(chan Reply, 1)
	d.SendAction(&Action{Name: "subscribe", Done: func(r Reply) { queued <- r }}, true)
	d.SendEvent(&EventLog{Name: EventRun, Payload: map[string]string{"lang": "c"}})
	if d.Queued() != 2 {
		t.Fatalf("expected action and event queued, got %d", d.Queued())
	}

	h.OnReconnect()
	select {
	case r := <-queued:
		if r.Err != nil {
			t.Fatalf("queued action failed: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued action not flushed")
	}
	got := tr.names()
	if len(got) != 2 || got[0] != "action:subscribe" || got[1] != "event:run" {
		t.Fatalf("unexpected flush order %v", got)
	}
}

func TestFailedSendRequeuedWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	d := New(Config{Transport: tr})
	d.Connect()
	h := tr.waitConnectCalled(t)
	h.OnConnect()

	tr.mu.Lock()
	tr.failNext = errors.New("write: broken pipe")
	tr.disconnectOnFail = true
	tr.mu.Unlock()

	ev := &EventLog{Name: EventError}
	d.SendEvent(ev)
	if ev.Timestamp.IsZero() || ev.ID == "" {
		t.Fatalf("event id/timestamp not assigned: %+v", ev)
	}
	if d.Queued() != 1 || d.State() != StateReconnecting {
		t.Fatalf("event should be requeued while reconnecting: queued=%d state=%s", d.Queued(), d.State())
	}

	h.OnReconnect()
	got := tr.names()
	if len(got) != 1 || got[0] != "event:error" {
		t.Fatalf("unexpected sent %v", got)
	}
	if d.Queued() != 0 {
		t.Fatalf("queue not drained: %d", d.Queued())
	}
}

func TestCallReturnsRemoteError(t *testing.T) {
	tr := newFakeTransport()
	tr.replies["send-to-teacher"] = func(env Envelope) ReplyEnvelope {
		return ReplyEnvelope{ID: env.ID, OK: false, Error: "submissions closed"}
	}
	tr.replies["get-events"] = func(env Envelope) ReplyEnvelope {
		return ReplyEnvelope{ID: env.ID, OK: true, Data: json.RawMessage(`[{"name":"run"}]`)}
	}
	d := New(Config{Transport: tr})
	d.Connect()
	tr.waitConnectCalled(t).OnConnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := d.Call(ctx, ActionGetEvents, map[string]int{"limit": 5})
	if err != nil || string(data) != `[{"name":"run"}]` {
		t.Fatalf("call get-events: %s %v", data, err)
	}
	_, err = d.Call(ctx, ActionSendToTeacher, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "submissions closed" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestOnBeforeChannel(t *testing.T) {
	tr := newFakeTransport()
	d := New(Config{Transport: tr})
	if _, err := d.On(FeedIDEEvents, func(json.RawMessage) {}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	d.Connect()
	tr.waitConnectCalled(t)
	got := make(chan string, 1)
	if _, err := d.On(FeedIDEEvents, func(m json.RawMessage) { got <- string(m) }); err != nil {
		t.Fatalf("on: %v", err)
	}
	tr.mu.Lock()
	fn := tr.feeds[FeedIDEEvents]
	tr.mu.Unlock()
	fn([]byte(`{"name":"run"}`))
	if m := <-got; m != `{"name":"run"}` {
		t.Fatalf("unexpected push %q", m)
	}
}

func TestCloseFailsQueuedActions(t *testing.T) {
	tr := newFakeTransport()
	d := New(Config{Transport: tr})
	errCh := make(chan error, 1)
	d.SendAction(&Action{Name: "subscribe", Done: func(r Reply) { errCh <- r.Err }}, true)
	tr.waitConnectCalled(t)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	d.SendAction(&Action{Name: "late", Done: func(r Reply) { errCh <- r.Err }}, true)
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
