package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-based execution record storage.
type SQLiteStore struct {
	db *sqlx.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		channel_id TEXT DEFAULT '',
		user_id TEXT DEFAULT '',
		prompt TEXT NOT NULL,
		output TEXT DEFAULT '',
		success INTEGER NOT NULL,
		error TEXT DEFAULT '',
		agent_session_id TEXT DEFAULT '',
		cost_usd REAL DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		was_cancelled INTEGER DEFAULT 0,
		budget_exceeded INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record inserts one execution record, assigning an id when absent.
func (s *SQLiteStore) Record(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, session_id, channel_id, user_id, prompt, output, success, error, agent_session_id, cost_usd, duration_ms, was_cancelled, budget_exceeded, created_at)
		VALUES (:id, :session_id, :channel_id, :user_id, :prompt, :output, :success, :error, :agent_session_id, :cost_usd, :duration_ms, :was_cancelled, :budget_exceeded, :created_at)
	`, rec)
	return err
}

// Get retrieves an execution record by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	err := s.db.GetContext(ctx, rec, `SELECT * FROM executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListBySession returns the most recent records for one session, newest first.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*ExecutionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM executions WHERE session_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, sessionID, limit)
	return recs, err
}

// ListRecent returns the most recent records across all sessions, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*ExecutionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM executions ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	return recs, err
}

// TotalCost sums reported worker cost since the given time.
func (s *SQLiteStore) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.GetContext(ctx, &total, `
		SELECT SUM(cost_usd) FROM executions WHERE created_at >= ?
	`, since.UTC())
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}
