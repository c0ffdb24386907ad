// Package dispatch delivers actions (request/reply) and event logs
// (fire-and-forget) to the hub over a reconnecting transport. Messages sent
// while the transport is down are queued and flushed in order on (re)connect.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotConnected completes a non-queued action sent while disconnected.
	ErrNotConnected = errors.New("dispatch: not connected")
	// ErrNoChannel is returned by On before any connection was started.
	ErrNoChannel = errors.New("dispatch: no channel")
	// ErrClosed completes actions sent after or pending at Close.
	ErrClosed = errors.New("dispatch: closed")
)

// State is the connection state of a Dispatcher.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Action is a correlated request. Done is called exactly once with the reply
// or the delivery error.
type Action struct {
	ID      string
	Name    string
	Payload any
	Context map[string]string
	// Ctx cancels the wait for a reply and drops the action from the queue.
	Ctx  context.Context
	Done func(Reply)
}

// Reply is the outcome of an action.
type Reply struct {
	Data json.RawMessage
	Err  error
}

// EventLog is a fire-and-forget telemetry message.
type EventLog struct {
	ID        string
	Name      string
	Payload   any
	Context   map[string]string
	Timestamp time.Time
}

// Handlers receive connection notifications from a Transport.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnReconnect  func()
	OnClosed     func()
}

// Transport moves encoded envelopes. Request must hand the message to the
// network before returning so that call order is delivery order; done is
// invoked later with the raw reply.
type Transport interface {
	Connect(h Handlers) error
	Request(ctx context.Context, name string, data []byte, done func(reply []byte, err error)) error
	Publish(name, id string, data []byte) error
	Subscribe(feed string, fn func(data []byte)) (func(), error)
	Close() error
}

// Config configures a Dispatcher.
type Config struct {
	Transport Transport
	Logger    *slog.Logger
	// Context is merged into every message; per-message keys win.
	Context map[string]string
	// OnStateChange observes connection changes; err is set on disconnects.
	OnStateChange func(State, error)
}

type entry struct {
	action   *Action
	useQueue bool
	event    *EventLog
}

func (e entry) requeueable() bool {
	return e.event != nil || e.useQueue
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
	context   map[string]string
	onState   func(State, error)

	mu       sync.Mutex
	state    State
	started  bool
	closed   bool
	flushing bool
	queue    []entry
}

// New creates a dispatcher. No connection is made until the first message,
// Connect, or On.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		transport: cfg.Transport,
		logger:    logger,
		context:   cfg.Context,
		onState:   cfg.OnStateChange,
	}
}

// State returns the current connection state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Queued reports how many messages wait for a connection.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Connect starts the transport if it is not started yet.
func (d *Dispatcher) Connect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed && !d.started {
		d.startLocked()
	}
}

func (d *Dispatcher) startLocked() {
	d.started = true
	d.state = StateConnecting
	go func() {
		err := d.transport.Connect(Handlers{
			OnConnect:    d.handleConnect,
			OnDisconnect: d.handleDisconnect,
			OnReconnect:  d.handleConnect,
			OnClosed:     d.handleClosed,
		})
		if err != nil {
			d.logger.Warn("dispatcher connect failed", "err", err)
			d.setState(StateDisconnected, err)
			d.mu.Lock()
			d.started = false
			d.mu.Unlock()
		}
	}()
}

func (d *Dispatcher) setState(s State, err error) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	d.mu.Unlock()
	if changed && d.onState != nil {
		d.onState(s, err)
	}
}

func (d *Dispatcher) handleConnect() {
	d.setState(StateConnected, nil)
	d.logger.Info("dispatcher connected", "queued", d.Queued())
	d.flush()
}

func (d *Dispatcher) handleDisconnect(err error) {
	d.logger.Warn("dispatcher disconnected", "err", err)
	d.setState(StateReconnecting, err)
}

func (d *Dispatcher) handleClosed() {
	d.setState(StateDisconnected, nil)
}

// SendAction delivers a. Before any channel exists it is queued and a
// connection is started. While the channel is down it is queued when
// useQueue is set; otherwise Done is called at once with ErrNotConnected.
func (d *Dispatcher) SendAction(a *Action, useQueue bool) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	e := entry{action: a, useQueue: useQueue}
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		complete(a, Reply{Err: ErrClosed})
		return
	case !d.started:
		d.queue = append(d.queue, e)
		d.startLocked()
		d.mu.Unlock()
		return
	case d.state != StateConnected:
		if useQueue {
			d.queue = append(d.queue, e)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		complete(a, Reply{Err: ErrNotConnected})
		return
	case d.flushing:
		d.queue = append(d.queue, e)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if err := d.transmit(e); err != nil {
		d.recover([]entry{e}, err)
	}
}

// SendEvent delivers e, queueing it whenever the channel is not connected.
func (d *Dispatcher) SendEvent(e *EventLog) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	en := entry{event: e}
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		d.logger.Debug("event dropped after close", "name", e.Name)
		return
	case !d.started:
		d.queue = append(d.queue, en)
		d.startLocked()
		d.mu.Unlock()
		return
	case d.state != StateConnected || d.flushing:
		d.queue = append(d.queue, en)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if err := d.transmit(en); err != nil {
		d.recover([]entry{en}, err)
	}
}

// Call sends a queued action and waits for its reply.
func (d *Dispatcher) Call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	ch := make(chan Reply, 1)
	d.SendAction(&Action{
		Name:    name,
		Payload: payload,
		Ctx:     ctx,
		Done:    func(r Reply) { ch <- r },
	}, true)
	select {
	case r := <-ch:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On registers fn for a server push feed.
func (d *Dispatcher) On(feed string, fn func(json.RawMessage)) (func(), error) {
	d.mu.Lock()
	started := d.started && !d.closed
	d.mu.Unlock()
	if !started {
		return nil, ErrNoChannel
	}
	return d.transport.Subscribe(feed, func(data []byte) {
		fn(json.RawMessage(data))
	})
}

// Close fails queued actions with ErrClosed, drops queued events and closes
// the transport.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.queue
	d.queue = nil
	started := d.started
	d.mu.Unlock()

	dropped := 0
	for _, e := range pending {
		if e.action != nil {
			complete(e.action, Reply{Err: ErrClosed})
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		d.logger.Warn("dropping queued events on close", "count", dropped)
	}
	if !started {
		return nil
	}
	return d.transport.Close()
}

// flush drains the queue in order. Messages sent meanwhile are appended
// behind the drained ones.
func (d *Dispatcher) flush() {
	d.mu.Lock()
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	for {
		batch := d.queue
		d.queue = nil
		if len(batch) == 0 || d.state != StateConnected || d.closed {
			d.queue = append(batch, d.queue...)
			d.flushing = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.logger.Debug("flushing queue", "count", len(batch))
	drain:
		for i := range batch {
			if err := d.transmit(batch[i]); err != nil {
				if d.recover(batch[i:], err) {
					break drain
				}
			}
		}
		d.mu.Lock()
	}
}

// transmit hands one entry to the transport.
func (d *Dispatcher) transmit(e entry) error {
	if a := e.action; a != nil {
		if a.Ctx != nil && a.Ctx.Err() != nil {
			complete(a, Reply{Err: a.Ctx.Err()})
			return nil
		}
		data, err := d.encode(a.ID, a.Name, a.Payload, a.Context, time.Now().UTC())
		if err != nil {
			complete(a, Reply{Err: err})
			return nil
		}
		ctx := a.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		return d.transport.Request(ctx, a.Name, data, func(reply []byte, err error) {
			complete(a, decodeReply(a.Name, reply, err))
		})
	}
	ev := e.event
	data, err := d.encode(ev.ID, ev.Name, ev.Payload, ev.Context, ev.Timestamp)
	if err != nil {
		d.logger.Warn("dropping unencodable event", "name", ev.Name, "err", err)
		return nil
	}
	return d.transport.Publish(ev.Name, ev.ID, data)
}

// recover handles a transmit failure of rest[0]. While disconnected, rest
// goes back to the front of the queue (entries that may not wait are failed)
// and recover reports true. While still connected only rest[0] is failed.
func (d *Dispatcher) recover(rest []entry, err error) bool {
	d.mu.Lock()
	if d.state == StateConnected && !d.closed {
		d.mu.Unlock()
		d.fail(rest[0], err)
		return false
	}
	var keep, drop []entry
	for _, e := range rest {
		if e.requeueable() && !d.closed {
			keep = append(keep, e)
		} else {
			drop = append(drop, e)
		}
	}
	d.queue = append(keep, d.queue...)
	d.mu.Unlock()
	for _, e := range drop {
		d.fail(e, ErrNotConnected)
	}
	return true
}

func (d *Dispatcher) fail(e entry, err error) {
	if e.action != nil {
		complete(e.action, Reply{Err: err})
		return
	}
	d.logger.Warn("event delivery failed", "name", e.event.Name, "err", err)
}

func (d *Dispatcher) encode(id, name string, payload any, ctx map[string]string, ts time.Time) ([]byte, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:        id,
		Name:      name,
		Payload:   raw,
		Context:   mergeContext(d.context, ctx),
		Timestamp: ts,
	})
}

func mergeContext(base, override map[string]string) map[string]string {
	if len(base) == 0 {
		return override
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func complete(a *Action, r Reply) {
	if a.Done != nil {
		a.Done(r)
	}
}
