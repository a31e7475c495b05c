package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ModeChange is one journaled mode transition.
type ModeChange struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	FromMode       string    `json:"from_mode"`
	ToMode         string    `json:"to_mode"`
	Reason         string    `json:"reason"`
	RequestedBy    string    `json:"requested_by"`
	At             time.Time `json:"at"`
}

// Decision is one journaled mode recommendation.
type Decision struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	CurrentMode     string    `json:"current_mode"`
	RecommendedMode string    `json:"recommended_mode"`
	Reason          string    `json:"reason"`
	Confidence      float64   `json:"confidence"`
	Complexity      float64   `json:"complexity"`
	At              time.Time `json:"at"`
}

// Store is a SQLite journal of engine activity. It is write-behind and
// non-authoritative; live state stays in the hybrid manager.
type Store struct {
	db *sql.DB
}

// Open creates/opens the journal database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS mode_changes (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			from_mode TEXT NOT NULL,
			to_mode TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL DEFAULT '',
			at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS mode_changes_conversation_idx ON mode_changes(conversation_id, at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			current_mode TEXT NOT NULL,
			recommended_mode TEXT NOT NULL,
			reason TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			complexity REAL NOT NULL DEFAULT 0,
			at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS decisions_conversation_idx ON decisions(conversation_id, at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func (s *Store) RecordModeChange(ctx context.Context, mc ModeChange) (ModeChange, error) {
	if strings.TrimSpace(mc.ConversationID) == "" {
		return ModeChange{}, fmt.Errorf("mode change conversation id is required")
	}
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	if mc.At.IsZero() {
		mc.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mode_changes (id, conversation_id, user_id, from_mode, to_mode, reason, requested_by, at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mc.ID, mc.ConversationID, mc.UserID, mc.FromMode, mc.ToMode, mc.Reason, mc.RequestedBy, mc.At.UnixMilli())
	if err != nil {
		return ModeChange{}, fmt.Errorf("insert mode change: %w", err)
	}
	return mc, nil
}

func (s *Store) RecordDecision(ctx context.Context, d Decision) (Decision, error) {
	if strings.TrimSpace(d.ConversationID) == "" {
		return Decision{}, fmt.Errorf("decision conversation id is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO decisions (id, conversation_id, current_mode, recommended_mode, reason, confidence, complexity, at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ConversationID, d.CurrentMode, d.RecommendedMode, d.Reason, d.Confidence, d.Complexity, d.At.UnixMilli())
	if err != nil {
		return Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

// ListModeChanges returns the newest limit transitions, oldest first. An
// empty conversationID lists every conversation.
func (s *Store) ListModeChanges(ctx context.Context, conversationID string, limit int) ([]ModeChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, user_id, from_mode, to_mode, reason, requested_by, at_ms
FROM mode_changes
WHERE (? = '' OR conversation_id = ?)
ORDER BY at_ms DESC, rowid DESC
LIMIT ?`, conversationID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list mode changes: %w", err)
	}
	defer rows.Close()

	out := make([]ModeChange, 0, limit)
	for rows.Next() {
		var mc ModeChange
		var atMS int64
		if err := rows.Scan(&mc.ID, &mc.ConversationID, &mc.UserID, &mc.FromMode, &mc.ToMode, &mc.Reason, &mc.RequestedBy, &atMS); err != nil {
			return nil, fmt.Errorf("scan mode change: %w", err)
		}
		mc.At = time.UnixMilli(atMS)
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mode changes: %w", err)
	}
	reverse(out)
	return out, nil
}

// ListDecisions returns the newest limit decisions, oldest first.
func (s *Store) ListDecisions(ctx context.Context, conversationID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, current_mode, recommended_mode, reason, confidence, complexity, at_ms
FROM decisions
WHERE (? = '' OR conversation_id = ?)
ORDER BY at_ms DESC, rowid DESC
LIMIT ?`, conversationID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]Decision, 0, limit)
	for rows.Next() {
		var d Decision
		var atMS int64
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.CurrentMode, &d.RecommendedMode, &d.Reason, &d.Confidence, &d.Complexity, &atMS); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.At = time.UnixMilli(atMS)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	reverse(out)
	return out, nil
}

// SweepRetention deletes journal rows older than before.
func (s *Store) SweepRetention(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"mode_changes", "decisions"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE at_ms < ?`, before.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep commit: %w", err)
	}
	return total, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
