package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antonkrylov/runbox/internal/dispatch"
)

// TestResultRecord is one reported test run.
type TestResultRecord struct {
	ID        string          `json:"id"`
	Project   string          `json:"project"`
	Language  string          `json:"language"`
	User      string          `json:"user,omitempty"`
	Score     float64         `json:"score"`
	MaxScore  float64         `json:"maxScore"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SubmissionRecord is one send-to-teacher request.
type SubmissionRecord struct {
	ID        string          `json:"id"`
	Project   string          `json:"project"`
	User      string          `json:"user,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the pure-Go driver serializes anyway.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			payload_json TEXT,
			context_json TEXT,
			ts TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);`,
		`CREATE TABLE IF NOT EXISTS test_results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			language TEXT NOT NULL,
			user_name TEXT,
			score REAL NOT NULL,
			max_score REAL NOT NULL,
			result_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_project ON test_results(project);`,
		`CREATE TABLE IF NOT EXISTS submissions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			user_name TEXT,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertEvent stores an event log. Replayed ids are ignored.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev dispatch.Envelope) error {
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, name, payload_json, context_json, ts)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID,
		ev.Name,
		string(ev.Payload),
		string(contextJSON),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListEvents returns the newest limit events, oldest first. An empty name
// matches every event.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int, name string) ([]dispatch.Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, payload_json, context_json, ts FROM (
			SELECT seq, id, name, payload_json, context_json, ts
			FROM events
			WHERE ? = '' OR name = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`,
		name, name, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Envelope
	for rows.Next() {
		var (
			ev               dispatch.Envelope
			payload, ctxJSON sql.NullString
			ts               string
		)
		if err := rows.Scan(&ev.ID, &ev.Name, &payload, &ctxJSON, &ts); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		if ctxJSON.Valid && ctxJSON.String != "" && ctxJSON.String != "null" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &ev.Context); err != nil {
				return nil, fmt.Errorf("event %s context: %w", ev.ID, err)
			}
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTestResult(ctx context.Context, r TestResultRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results (id, project, language, user_name, score, max_score, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Project,
		r.Language,
		r.User,
		r.Score,
		r.MaxScore,
		string(r.Result),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListTestResults returns results oldest first, optionally for one project.
func (s *SQLiteStore) ListTestResults(ctx context.Context, project string) ([]TestResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, language, user_name, score, max_score, result_json, created_at
		FROM test_results
		WHERE ? = '' OR project = ?
		ORDER BY seq ASC`,
		project, project,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestResultRecord
	for rows.Next() {
		var (
			r       TestResultRecord
			user    sql.NullString
			result  string
			created string
		)
		if err := rows.Scan(&r.ID, &r.Project, &r.Language, &user, &r.Score, &r.MaxScore, &result, &created); err != nil {
			return nil, err
		}
		r.User = user.String
		r.Result = json.RawMessage(result)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertSubmission(ctx context.Context, sub SubmissionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, project, user_name, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.ID,
		sub.Project,
		sub.User,
		string(sub.Payload),
		sub.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// CountSubmissions reports stored submissions for a project ("" for all).
func (s *SQLiteStore) CountSubmissions(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions WHERE ? = '' OR project = ?`,
		project, project,
	).Scan(&n)
	return n, err
}
