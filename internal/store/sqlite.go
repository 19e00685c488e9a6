// ABOUTME: SQLite archive of evicted session summaries using modernc.org/sqlite.
// ABOUTME: Live coordination state stays in memory; only terminal snapshots land here.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brolostack/args-gateway/internal/session"
)

// ArchivedSession is one row of session history.
type ArchivedSession struct {
	SessionID        string          `json:"sessionId"`
	CreatedAt        int64           `json:"createdAt"`
	EvictedAt        int64           `json:"evictedAt"`
	Reason           string          `json:"reason"`
	AgentCount       int             `json:"agentCount"`
	TotalTasks       int             `json:"totalTasks"`
	CompletedTasks   int             `json:"completedTasks"`
	ErrorCount       int             `json:"errorCount"`
	AvgExecutionTime float64         `json:"avgExecutionTime"`
	State            json.RawMessage `json:"state,omitempty"`
}

// Archive persists evicted session snapshots for the history API.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewArchive opens (or creates) the archive database at path. Parent
// directories are created if needed and the schema is applied on open.
func NewArchive(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &Archive{db: db, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session archive initialized", "path", path)
	return a, nil
}

func (a *Archive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_history (
			session_id         TEXT NOT NULL,
			created_at         INTEGER NOT NULL,
			evicted_at         INTEGER NOT NULL,
			reason             TEXT NOT NULL,
			agent_count        INTEGER NOT NULL,
			total_tasks        INTEGER NOT NULL,
			completed_tasks    INTEGER NOT NULL,
			error_count        INTEGER NOT NULL,
			avg_execution_time REAL NOT NULL,
			state_json         TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_history_evicted
			ON session_history(evicted_at DESC);

		CREATE INDEX IF NOT EXISTS idx_history_session
			ON session_history(session_id);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Put archives a final session snapshot with the eviction reason.
func (a *Archive) Put(ctx context.Context, state session.State, reason string, evictedAt time.Time) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO session_history (
			session_id, created_at, evicted_at, reason,
			agent_count, total_tasks, completed_tasks, error_count,
			avg_execution_time, state_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.SessionID,
		state.CreatedAt,
		evictedAt.UnixMilli(),
		reason,
		len(state.Agents),
		state.Metrics.TotalTasks,
		state.Metrics.CompletedTasks,
		state.Metrics.ErrorCount,
		state.Metrics.AvgExecutionTime,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", state.SessionID, err)
	}

	a.logger.Info("session archived", "session_id", state.SessionID, "reason", reason)
	return nil
}

// Recent returns the most recently evicted sessions, newest first. The full
// snapshot is omitted from listings; use Get for one session's detail.
func (a *Archive) Recent(ctx context.Context, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT session_id, created_at, evicted_at, reason,
			agent_count, total_tasks, completed_tasks, error_count, avg_execution_time
		FROM session_history
		ORDER BY evicted_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session history: %w", err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var s ArchivedSession
		if err := rows.Scan(
			&s.SessionID, &s.CreatedAt, &s.EvictedAt, &s.Reason,
			&s.AgentCount, &s.TotalTasks, &s.CompletedTasks, &s.ErrorCount, &s.AvgExecutionTime,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns the archived records for one session id, newest first. A
// session id can appear more than once if it was recreated after eviction.
func (a *Archive) Get(ctx context.Context, sessionID string) ([]ArchivedSession, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT session_id, created_at, evicted_at, reason,
			agent_count, total_tasks, completed_tasks, error_count, avg_execution_time,
			state_json
		FROM session_history
		WHERE session_id = ?
		ORDER BY evicted_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var s ArchivedSession
		var stateJSON sql.NullString
		if err := rows.Scan(
			&s.SessionID, &s.CreatedAt, &s.EvictedAt, &s.Reason,
			&s.AgentCount, &s.TotalTasks, &s.CompletedTasks, &s.ErrorCount, &s.AvgExecutionTime,
			&stateJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if stateJSON.Valid {
			s.State = json.RawMessage(stateJSON.String)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
