package hub

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/runbox/internal/dispatch"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subject] = append(p.msgs[subject], data)
	return nil
}

func newTestHub(t *testing.T) (*Hub, *SQLiteStore, *recordingPublisher) {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	pub := &recordingPublisher{}
	h, err := New(Config{Store: st, Publisher: pub, Prefix: "test"})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	return h, st, pub
}

func TestEventsStoredAndPushed(t *testing.T) {
	h, _, pub := newTestHub(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, name := range []string{"run", "error", "run", "test"} {
		ev := dispatch.Envelope{
			ID:        name + string(rune('a'+i)),
			Name:      name,
			Payload:   json.RawMessage(`{"n":1}`),
			Context:   map[string]string{"user": "ada"},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := h.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("handle event: %v", err)
		}
	}
	// Redelivery of a known id is ignored.
	if err := h.HandleEvent(ctx, dispatch.Envelope{ID: "runa", Name: "run", Timestamp: base}); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}

	data, err := h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionGetEvents, Payload: json.RawMessage(`{"limit":2}`)})
	if err != nil {
		t.Fatalf("get-events: %v", err)
	}
	events := data.([]dispatch.Envelope)
	if len(events) != 2 || events[0].Name != "run" || events[1].Name != "test" {
		t.Fatalf("unexpected latest events %+v", events)
	}
	if events[1].Context["user"] != "ada" || !events[1].Timestamp.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("event fields not preserved: %+v", events[1])
	}

	data, err = h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionGetEvents, Payload: json.RawMessage(`{"name":"run"}`)})
	if err != nil {
		t.Fatalf("get-events by name: %v", err)
	}
	if runs := data.([]dispatch.Envelope); len(runs) != 2 {
		t.Fatalf("expected 2 run events, got %d", len(runs))
	}

	pub.mu.Lock()
	pushed := len(pub.msgs["test.push.ide-events"])
	pub.mu.Unlock()
	if pushed != 5 {
		t.Fatalf("expected every event pushed on ide-events, got %d", pushed)
	}
}

func TestTestResultReportAndQuery(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()
	report := `{"project":"lab1","language":"python3","result":{"score":3,"maxScore":4,"tests":[{"name":"t1","success":true}]}}`
	data, err := h.HandleAction(ctx, dispatch.Envelope{
		Name:    dispatch.ActionTestResultReport,
		Payload: json.RawMessage(report),
		Context: map[string]string{"user": "ada"},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if id := data.(map[string]string)["id"]; id == "" {
		t.Fatalf("report reply missing id")
	}
	if _, err := h.HandleAction(ctx, dispatch.Envelope{
		Name:    dispatch.ActionTestResultReport,
		Payload: json.RawMessage(`{"project":"lab2","language":"c","result":{"score":0,"maxScore":1}}`),
	}); err != nil {
		t.Fatalf("second report: %v", err)
	}

	data, err = h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionGetTestResults, Payload: json.RawMessage(`{"project":"lab1"}`)})
	if err != nil {
		t.Fatalf("get-testresults: %v", err)
	}
	results := data.([]TestResultRecord)
	if len(results) != 1 || results[0].Score != 3 || results[0].MaxScore != 4 || results[0].User != "ada" {
		t.Fatalf("unexpected results %+v", results)
	}

	all, err := h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionGetTestResults})
	if err != nil || len(all.([]TestResultRecord)) != 2 {
		t.Fatalf("get all results: %v %v", all, err)
	}

	if _, err := h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionTestResultReport, Payload: json.RawMessage(`{"project":"x"}`)}); err == nil {
		t.Fatalf("expected error for report without result")
	}
}

func TestSendToTeacherPushesSubmission(t *testing.T) {
	h, st, pub := newTestHub(t)
	ctx := context.Background()
	_, err := h.HandleAction(ctx, dispatch.Envelope{
		Name:    dispatch.ActionSendToTeacher,
		Payload: json.RawMessage(`{"project":"lab1","message":"please check"}`),
	})
	if err != nil {
		t.Fatalf("send-to-teacher: %v", err)
	}
	n, err := st.CountSubmissions(ctx, "lab1")
	if err != nil || n != 1 {
		t.Fatalf("submission not stored: %d %v", n, err)
	}
	pub.mu.Lock()
	pushed := pub.msgs["test.push.submissions"]
	pub.mu.Unlock()
	if len(pushed) != 1 {
		t.Fatalf("expected one submission push, got %d", len(pushed))
	}
	var sub SubmissionRecord
	if err := json.Unmarshal(pushed[0], &sub); err != nil || sub.Project != "lab1" {
		t.Fatalf("unexpected push %s: %v", pushed[0], err)
	}
}

func TestSubscribeAndUnknownAction(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()
	data, err := h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionSubscribe})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	feeds := data.(map[string]any)["feeds"].([]string)
	if len(feeds) != 2 {
		t.Fatalf("unexpected feeds %v", feeds)
	}
	if _, err := h.HandleAction(ctx, dispatch.Envelope{Name: "reboot"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if _, err := h.HandleAction(ctx, dispatch.Envelope{Name: dispatch.ActionGetEvents, Payload: json.RawMessage(`[1]`)}); err == nil {
		t.Fatalf("expected payload decode error")
	}
}
