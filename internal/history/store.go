// Package history persists a local audit log of completed tool calls in
// SQLite. The tracker keeps its own short-lived in-memory record; this store
// is the durable trail that survives restarts.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

// Store is a SQLite-backed audit log for completed tool calls.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

var _ tracker.HistoryRecorder = (*Store)(nil)

// Open opens (or creates) the audit database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "history")),
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_history (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		display_args TEXT,
		agent_session_id TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_call_history_completed_at ON call_history(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type callRow struct {
	ID             string    `db:"id"`
	ToolName       string    `db:"tool_name"`
	DisplayArgs    string    `db:"display_args"`
	AgentSessionID string    `db:"agent_session_id"`
	StartedAt      time.Time `db:"started_at"`
	CompletedAt    time.Time `db:"completed_at"`
	Status         string    `db:"status"`
	IsError        bool      `db:"is_error"`
}

// Record appends one completed call.
func (s *Store) Record(ctx context.Context, call tracker.CompletedCall) error {
	row := callRow{
		ID:             call.ID,
		ToolName:       call.ToolName,
		DisplayArgs:    call.DisplayArgs,
		AgentSessionID: call.AgentSessionID,
		StartedAt:      call.StartedAt.UTC(),
		CompletedAt:    call.CompletedAt.UTC(),
		Status:         call.Status,
		IsError:        call.IsError,
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO call_history (id, tool_name, display_args, agent_session_id, started_at, completed_at, status, is_error)
		VALUES (:id, :tool_name, :display_args, :agent_session_id, :started_at, :completed_at, :status, :is_error)`,
		row)
	if err != nil {
		return fmt.Errorf("failed to record call %s: %w", call.ID, err)
	}
	return nil
}

// Recent returns the most recently completed calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]tracker.CompletedCall, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []callRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tool_name, display_args, agent_session_id, started_at, completed_at, status, is_error
		FROM call_history ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}

	out := make([]tracker.CompletedCall, 0, len(rows))
	for _, r := range rows {
		out = append(out, tracker.CompletedCall{
			ID:             r.ID,
			ToolName:       r.ToolName,
			DisplayArgs:    r.DisplayArgs,
			AgentSessionID: r.AgentSessionID,
			StartedAt:      r.StartedAt,
			CompletedAt:    r.CompletedAt,
			Status:         r.Status,
			IsError:        r.IsError,
		})
	}
	return out, nil
}

// Prune deletes records older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM call_history WHERE completed_at < ?`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune call history: %w", err)
	}
	return res.RowsAffected()
}
