// Package journal is the append-only audit trail of every model answer and
// what the pipeline did with it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type Stage string

const (
	StageModel          Stage = "model"
	StageValidated      Stage = "validated"
	StageRejected       Stage = "rejected"
	StageRequestServed  Stage = "request_served"
	StageSubstituted    Stage = "substituted"
	StageDenied         Stage = "denied"
	StageDuplicate      Stage = "duplicate"
	StageDispatched     Stage = "dispatched"
	StageTransportError Stage = "transport_error"
)

type Entry struct {
	ID             int64          `json:"id"`
	Time           time.Time      `json:"ts"`
	CycleID        string         `json:"cycle_id"`
	Symbol         string         `json:"symbol"`
	Round          int            `json:"round"`
	Stage          Stage          `json:"stage"`
	Action         string         `json:"action,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Raw            string         `json:"raw,omitempty"`
	Rule           string         `json:"rule,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	Outcome        map[string]any `json:"outcome,omitempty"`
}

// Recorder is what the engine writes to. Append failures are logged by the
// caller and never abort a cycle.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
}

type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var _ Recorder = (*Store)(nil)

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			cycle_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			round INTEGER NOT NULL,
			stage TEXT NOT NULL,
			action TEXT,
			idempotency_key TEXT,
			raw TEXT,
			rule TEXT,
			detail TEXT,
			outcome TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_symbol_ts ON decision_journal(symbol, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_cycle ON decision_journal(cycle_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("journal closed")
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var outcome sql.NullString
	if len(e.Outcome) > 0 {
		b, err := json.Marshal(e.Outcome)
		if err != nil {
			return fmt.Errorf("journal: encode outcome: %w", err)
		}
		outcome = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_journal(ts, cycle_id, symbol, round, stage, action, idempotency_key, raw, rule, detail, outcome)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixMilli(), e.CycleID, e.Symbol, e.Round, string(e.Stage), e.Action, e.IdempotencyKey,
		e.Raw, e.Rule, e.Detail, outcome)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Recent returns the newest entries, optionally filtered by symbol.
func (s *Store) Recent(ctx context.Context, symbol string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	query := `SELECT id, ts, cycle_id, symbol, round, stage, action, idempotency_key, raw, rule, detail, outcome
		FROM decision_journal`
	args := []any{}
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

// Cycle returns one cycle's entries in write order.
func (s *Store) Cycle(ctx context.Context, cycleID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	return s.query(ctx, `SELECT id, ts, cycle_id, symbol, round, stage, action, idempotency_key, raw, rule, detail, outcome
		FROM decision_journal WHERE cycle_id = ? ORDER BY id ASC`, cycleID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e                                      Entry
			ts                                     int64
			stage                                  string
			action, key, raw, rule, detail, outStr sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.CycleID, &e.Symbol, &e.Round, &stage, &action, &key, &raw, &rule, &detail, &outStr); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts)
		e.Stage = Stage(stage)
		e.Action = action.String
		e.IdempotencyKey = key.String
		e.Raw = raw.String
		e.Rule = rule.String
		e.Detail = detail.String
		if outStr.Valid && outStr.String != "" {
			_ = json.Unmarshal([]byte(outStr.String), &e.Outcome)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Nop discards entries; used when no journal path is configured.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error { return nil }
