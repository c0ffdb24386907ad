package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action names understood by the hub.
const (
	ActionSubscribe        = "subscribe"
	ActionGetEvents        = "get-events"
	ActionGetTestResults   = "get-testresults"
	ActionTestResultReport = "test-result-report"
	ActionSendToTeacher    = "send-to-teacher"
)

// EventLog names sent by sessions.
const (
	EventRun     = "run"
	EventTest    = "test"
	EventError   = "error"
	EventFailure = "failure"
)

// Push feeds.
const (
	FeedIDEEvents   = "ide-events"
	FeedSubmissions = "submissions"
)

// Subject kinds.
const (
	KindAction = "action"
	KindEvent  = "event"
	KindPush   = "push"
)

// Subject builds "<prefix>.<kind>.<name>".
func Subject(prefix, kind, name string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, kind, name)
}

// Envelope is the wire form of actions and event logs.
type Envelope struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ReplyEnvelope answers an action envelope with the same id.
type ReplyEnvelope struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RemoteError is an error reported by the server for an action.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("action %s: %s", e.Action, e.Message)
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return p, nil
		}
	}
	return json.Marshal(v)
}

func decodeReply(action string, data []byte, err error) Reply {
	if err != nil {
		return Reply{Err: fmt.Errorf("action %s: %w", action, err)}
	}
	var env ReplyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Reply{Err: fmt.Errorf("action %s: decode reply: %w", action, err)}
	}
	if !env.OK {
		return Reply{Err: &RemoteError{Action: action, Message: env.Error}}
	}
	return Reply{Data: env.Data}
}
