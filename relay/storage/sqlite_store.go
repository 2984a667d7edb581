package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the relay's local spool of completion reports that could not
// be delivered to the broker yet
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}

	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spooled_completions (
			command_id TEXT PRIMARY KEY,
			report TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spooled_next_attempt ON spooled_completions(next_attempt_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SpooledCompletion is a completion report waiting for redelivery
type SpooledCompletion struct {
	CommandID     string
	Report        []byte
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// SaveCompletion spools a report for delivery at or after nextAttempt. A
// report already spooled for the command is replaced.
func (s *Store) SaveCompletion(ctx context.Context, commandID string, report []byte, lastErr string, nextAttempt time.Time) error {
	query := `
		INSERT INTO spooled_completions (command_id, report, attempts, last_error, next_attempt_at, created_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			report = excluded.report,
			last_error = excluded.last_error,
			next_attempt_at = excluded.next_attempt_at
	`
	_, err := s.db.ExecContext(ctx, query, commandID, string(report), nullString(lastErr), nextAttempt.UnixMilli(), time.Now().UnixMilli())
	return err
}

// DueCompletions returns up to limit reports whose next attempt is not
// after now, oldest first
func (s *Store) DueCompletions(ctx context.Context, now time.Time, limit int) ([]SpooledCompletion, error) {
	query := `
		SELECT command_id, report, attempts, last_error, next_attempt_at, created_at
		FROM spooled_completions
		WHERE next_attempt_at <= ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpooledCompletion
	for rows.Next() {
		var (
			sc              SpooledCompletion
			report          string
			lastErr         sql.NullString
			nextAt, created int64
		)
		if err := rows.Scan(&sc.CommandID, &report, &sc.Attempts, &lastErr, &nextAt, &created); err != nil {
			return nil, err
		}
		sc.Report = []byte(report)
		if lastErr.Valid {
			sc.LastError = &lastErr.String
		}
		sc.NextAttemptAt = time.UnixMilli(nextAt)
		sc.CreatedAt = time.UnixMilli(created)
		out = append(out, sc)
	}

	return out, rows.Err()
}

// MarkAttemptFailed records a failed redelivery and reschedules it
func (s *Store) MarkAttemptFailed(ctx context.Context, commandID, lastErr string, nextAttempt time.Time) error {
	query := `
		UPDATE spooled_completions
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE command_id = ?
	`
	_, err := s.db.ExecContext(ctx, query, nullString(lastErr), nextAttempt.UnixMilli(), commandID)
	return err
}

// DeleteCompletion removes a delivered or rejected report
func (s *Store) DeleteCompletion(ctx context.Context, commandID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spooled_completions WHERE command_id = ?`, commandID)
	return err
}

// CountCompletions returns the number of spooled reports
func (s *Store) CountCompletions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_completions`).Scan(&n)
	return n, err
}

// CleanupExpired deletes reports spooled before cutoff. The broker times
// such commands out on its own, so delivering them would be rejected.
func (s *Store) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spooled_completions WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
