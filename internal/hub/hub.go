// Package hub is the server side of the dispatcher protocol: it answers
// actions and records event logs arriving over NATS, persisting them in SQLite.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/runbox/internal/dispatch"
)

// Store persists hub records.
type Store interface {
	InsertEvent(ctx context.Context, ev dispatch.Envelope) error
	ListEvents(ctx context.Context, limit int, name string) ([]dispatch.Envelope, error)
	InsertTestResult(ctx context.Context, r TestResultRecord) error
	ListTestResults(ctx context.Context, project string) ([]TestResultRecord, error)
	InsertSubmission(ctx context.Context, s SubmissionRecord) error
}

// Publisher sends push messages; *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	Conn       *nats.Conn
	Prefix     string
	QueueGroup string
	Store      Store
	// Publisher defaults to Conn.
	Publisher      Publisher
	HandlerTimeout time.Duration
	Logger         *slog.Logger
}

type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// ErrUnknownAction is replied for action names the hub does not serve.
var ErrUnknownAction = errors.New("unknown action")

func New(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("hub: store is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "runbox"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "runbox-hub"
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.Publisher == nil && cfg.Conn != nil {
		cfg.Publisher = cfg.Conn
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{cfg: cfg, logger: logger}, nil
}

// Start subscribes the action and event responders.
func (h *Hub) Start() error {
	if h.cfg.Conn == nil {
		return fmt.Errorf("hub: nats connection is required")
	}
	actions, err := h.cfg.Conn.QueueSubscribe(dispatch.Subject(h.cfg.Prefix, dispatch.KindAction, "*"), h.cfg.QueueGroup, h.onAction)
	if err != nil {
		return err
	}
	events, err := h.cfg.Conn.QueueSubscribe(dispatch.Subject(h.cfg.Prefix, dispatch.KindEvent, "*"), h.cfg.QueueGroup, h.onEvent)
	if err != nil {
		_ = actions.Unsubscribe()
		return err
	}
	h.mu.Lock()
	h.subs = append(h.subs, actions, events)
	h.mu.Unlock()
	h.logger.Info("hub started", "prefix", h.cfg.Prefix, "group", h.cfg.QueueGroup)
	return nil
}

// Close removes the subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) onAction(msg *nats.Msg) {
	var env dispatch.Envelope
	reply := dispatch.ReplyEnvelope{}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		reply.Error = "malformed envelope: " + err.Error()
	} else {
		reply.ID = env.ID
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HandlerTimeout)
		data, err := h.HandleAction(ctx, env)
		cancel()
		if err != nil {
			reply.Error = err.Error()
			h.logger.Warn("action failed", "name", env.Name, "err", err)
		} else {
			reply.OK = true
			if data != nil {
				raw, err := json.Marshal(data)
				if err != nil {
					reply.OK, reply.Error = false, err.Error()
				} else {
					reply.Data = raw
				}
			}
		}
	}
	b, _ := json.Marshal(reply)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(b); err != nil {
		h.logger.Warn("reply failed", "name", env.Name, "err", err)
	}
}

func (h *Hub) onEvent(msg *nats.Msg) {
	var env dispatch.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		h.logger.Warn("discarding malformed event", "subject", msg.Subject, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HandlerTimeout)
	defer cancel()
	if err := h.HandleEvent(ctx, env); err != nil {
		h.logger.Warn("event not recorded", "name", env.Name, "err", err)
	}
}

// HandleEvent stores ev and re-publishes it on the ide-events feed.
func (h *Hub) HandleEvent(ctx context.Context, ev dispatch.Envelope) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := h.cfg.Store.InsertEvent(ctx, ev); err != nil {
		return err
	}
	h.logger.Debug("event recorded", "name", ev.Name, "id", ev.ID)
	return h.push(dispatch.FeedIDEEvents, ev)
}

type getEventsRequest struct {
	Limit int    `json:"limit"`
	Name  string `json:"name,omitempty"`
}

type getTestResultsRequest struct {
	Project string `json:"project,omitempty"`
}

type testResultReport struct {
	Project  string          `json:"project"`
	Language string          `json:"language"`
	Result   json.RawMessage `json:"result"`
}

type resultScore struct {
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
}

type submissionRequest struct {
	Project string `json:"project"`
}

// HandleAction serves one action and returns the reply data.
func (h *Hub) HandleAction(ctx context.Context, env dispatch.Envelope) (any, error) {
	switch env.Name {
	case dispatch.ActionSubscribe:
		return map[string]any{"feeds": []string{dispatch.FeedIDEEvents, dispatch.FeedSubmissions}}, nil

	case dispatch.ActionGetEvents:
		var req getEventsRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		events, err := h.cfg.Store.ListEvents(ctx, req.Limit, req.Name)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []dispatch.Envelope{}
		}
		return events, nil

	case dispatch.ActionGetTestResults:
		var req getTestResultsRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		results, err := h.cfg.Store.ListTestResults(ctx, req.Project)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []TestResultRecord{}
		}
		return results, nil

	case dispatch.ActionTestResultReport:
		var req testResultReport
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		if req.Project == "" || len(req.Result) == 0 {
			return nil, fmt.Errorf("project and result are required")
		}
		var score resultScore
		if err := json.Unmarshal(req.Result, &score); err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		rec := TestResultRecord{
			ID:        uuid.NewString(),
			Project:   req.Project,
			Language:  req.Language,
			User:      env.Context["user"],
			Score:     score.Score,
			MaxScore:  score.MaxScore,
			Result:    req.Result,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.cfg.Store.InsertTestResult(ctx, rec); err != nil {
			return nil, err
		}
		return map[string]string{"id": rec.ID}, nil

	case dispatch.ActionSendToTeacher:
		var req submissionRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		if req.Project == "" {
			return nil, fmt.Errorf("project is required")
		}
		sub := SubmissionRecord{
			ID:        uuid.NewString(),
			Project:   req.Project,
			User:      env.Context["user"],
			Payload:   env.Payload,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.cfg.Store.InsertSubmission(ctx, sub); err != nil {
			return nil, err
		}
		if err := h.push(dispatch.FeedSubmissions, sub); err != nil {
			h.logger.Warn("submission push failed", "id", sub.ID, "err", err)
		}
		return map[string]string{"id": sub.ID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, env.Name)
}

func (h *Hub) push(feed string, v any) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(dispatch.Subject(h.cfg.Prefix, dispatch.KindPush, feed), b)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}
