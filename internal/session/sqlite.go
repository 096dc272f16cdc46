// ABOUTME: SQLite implementation of the session Journal using modernc.org/sqlite.
// ABOUTME: Records session lifecycle and capability grant history with automatic schema creation.

package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal persists session lifecycle events to a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteJournal opens (or creates) the journal database at the given
// path. Parent directories are created if needed.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	logger := slog.Default().With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// WAL keeps journal writes off the routing hot path's tail latency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session journal initialized", "path", path)
	return j, nil
}

func (j *SQLiteJournal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			terminated_at DATETIME,
			reason TEXT
		);

		CREATE TABLE IF NOT EXISTS capability_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			action TEXT NOT NULL,
			capability TEXT NOT NULL,
			at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_capability_events_session
			ON capability_events(session_id);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SessionCreated records a new session.
func (j *SQLiteJournal) SessionCreated(ctx context.Context, id ID, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)",
		string(id), at,
	)
	if err != nil {
		return fmt.Errorf("recording session create: %w", err)
	}
	return nil
}

// SessionTerminated records the end of a session with its reason.
func (j *SQLiteJournal) SessionTerminated(ctx context.Context, id ID, reason string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		"UPDATE sessions SET terminated_at = ?, reason = ? WHERE id = ?",
		at, reason, string(id),
	)
	if err != nil {
		return fmt.Errorf("recording session terminate: %w", err)
	}
	return nil
}

// CapabilityChange records one grant or revoke action per capability.
func (j *SQLiteJournal) CapabilityChange(ctx context.Context, id ID, action string, caps []string, at time.Time) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, cap := range caps {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO capability_events (session_id, action, capability, at) VALUES (?, ?, ?, ?)",
			string(id), action, cap, at,
		); err != nil {
			return fmt.Errorf("recording capability event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing capability events: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// SessionRecord is one row of journaled session history.
type SessionRecord struct {
	ID           ID
	CreatedAt    time.Time
	TerminatedAt *time.Time
	Reason       string
}

// History returns the most recent journaled sessions, newest first.
func (j *SQLiteJournal) History(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, created_at, terminated_at, reason FROM sessions ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session history: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var id string
		var terminated sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&id, &rec.CreatedAt, &terminated, &reason); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		rec.ID = ID(id)
		if terminated.Valid {
			t := terminated.Time
			rec.TerminatedAt = &t
		}
		rec.Reason = reason.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
