package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relay-svc/app/domains"
	"relay-svc/storage/changefeed"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const commandColumns = `id, command_id, machine_id, target_type, target_host, target_port, target_username,
	command, timeout_ms, status, claimed_by, claimed_at, output, stderr, exit_code, error_msg,
	duration_ms, completed_at, partial_output, partial_stderr, created_by, created_at, updated_at`

const assignmentColumns = `id, relay_id, machine_id, enabled, created_at, updated_at, last_seen_at`

// Store represents the SQLite storage implementation. A single connection
// serializes writers, which makes each conditional UPDATE atomic.
type Store struct {
	db  *sql.DB
	hub *changefeed.Hub
}

// NewStore opens (or creates) the database file at dbPath
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, hub: changefeed.NewHub()}
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

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) runMigrations() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT UNIQUE NOT NULL,
			machine_id TEXT NOT NULL,
			target_type TEXT NOT NULL CHECK (target_type IN ('local','ssh')),
			target_host TEXT,
			target_port INTEGER,
			target_username TEXT,
			command TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			claimed_by TEXT,
			claimed_at INTEGER,
			output TEXT,
			stderr TEXT,
			exit_code INTEGER,
			error_msg TEXT,
			duration_ms INTEGER,
			completed_at INTEGER,
			partial_output TEXT,
			partial_stderr TEXT,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_machine_status ON commands(machine_id, status, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status_claimed ON commands(status, claimed_at)`,
		`CREATE TABLE IF NOT EXISTS relay_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			relay_id TEXT UNIQUE NOT NULL,
			machine_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_seen_at INTEGER
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// WatchPending implements clients.ChangeNotifier
func (s *Store) WatchPending(ctx context.Context, machineID string) (<-chan struct{}, error) {
	return s.hub.Watch(ctx, machineID), nil
}

// InsertCommand inserts a new command record
func (s *Store) InsertCommand(ctx context.Context, cmd *domains.Command) error {
	query := `
		INSERT INTO commands (command_id, machine_id, target_type, target_host, target_port, target_username,
			command, timeout_ms, status, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		cmd.CommandID.String(), cmd.MachineID, string(cmd.Target.Type),
		nullString(cmd.Target.Host), nullInt(cmd.Target.Port), nullString(cmd.Target.Username),
		cmd.Command, cmd.TimeoutMs, string(cmd.Status), cmd.CreatedBy,
		toMillis(cmd.CreatedAt), toMillis(cmd.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		cmd.ID = id
	}

	s.hub.Publish(cmd.MachineID)
	return nil
}

// GetCommand retrieves a command by ID
func (s *Store) GetCommand(ctx context.Context, commandID uuid.UUID) (*domains.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE command_id = ?`
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, commandID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domains.ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListPendingCommands returns up to limit pending commands, oldest first
func (s *Store) ListPendingCommands(ctx context.Context, machineID string, limit int) ([]domains.Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE machine_id = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`
	return s.queryCommands(ctx, query, machineID, limit)
}

// ListCommands retrieves commands for admin listings, newest first
func (s *Store) ListCommands(ctx context.Context, filter domains.CommandFilter) ([]domains.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands`
	var where []string
	var args []interface{}

	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryCommands(ctx, query, args...)
}

// PatchCommand applies patch if the command's status is one of from
func (s *Store) PatchCommand(ctx context.Context, commandID uuid.UUID, from []domains.CommandStatus, patch domains.CommandPatch) (*domains.Command, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("patch requires at least one source status")
	}

	sets, args := patchAssignments(patch)
	query := fmt.Sprintf(`
		UPDATE commands SET %s
		WHERE command_id = ? AND status IN (%s)
		RETURNING %s
	`, strings.Join(sets, ", "), placeholders(len(from)), commandColumns)

	args = append(args, commandID.String())
	for _, st := range from {
		args = append(args, string(st))
	}

	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflict(ctx, commandID, patch.Status)
	}
	if err != nil {
		return nil, err
	}

	if containsPending(from) {
		s.hub.Publish(cmd.MachineID)
	}
	return cmd, nil
}

// conflict explains a conditional update that matched no row
func (s *Store) conflict(ctx context.Context, commandID uuid.UUID, target domains.CommandStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM commands WHERE command_id = ?`, commandID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domains.ErrCommandNotFound
	}
	if err != nil {
		return err
	}
	return &domains.StatusConflictError{
		CommandID: commandID,
		Current:   domains.CommandStatus(current),
		Target:    target,
	}
}

// ListStaleCommands returns commands in statuses claimed before claimedBefore
func (s *Store) ListStaleCommands(ctx context.Context, statuses []domains.CommandStatus, claimedBefore time.Time) ([]domains.Command, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM commands
		WHERE status IN (%s) AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY claimed_at ASC
	`, commandColumns, placeholders(len(statuses)))

	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, toMillis(claimedBefore))

	return s.queryCommands(ctx, query, args...)
}

// DeleteTerminalBefore deletes terminal commands completed before the cutoff
func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM commands
		WHERE status IN ('completed','failed','timeout') AND completed_at < ?
	`, toMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertAssignment creates or re-targets a relay assignment and enables it
func (s *Store) UpsertAssignment(ctx context.Context, relayID, machineID string) (*domains.RelayAssignment, error) {
	now := toMillis(time.Now())
	query := `
		INSERT INTO relay_assignments (relay_id, machine_id, enabled, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(relay_id) DO UPDATE SET
			machine_id = excluded.machine_id,
			enabled = 1,
			updated_at = excluded.updated_at
		RETURNING ` + assignmentColumns
	return scanAssignment(s.db.QueryRowContext(ctx, query, relayID, machineID, now, now))
}

// GetAssignment retrieves a relay assignment
func (s *Store) GetAssignment(ctx context.Context, relayID string) (*domains.RelayAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM relay_assignments WHERE relay_id = ?`
	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, relayID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domains.ErrAssignmentNotFound
	}
	return a, err
}

// ListAssignments retrieves all relay assignments
func (s *Store) ListAssignments(ctx context.Context) ([]domains.RelayAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM relay_assignments ORDER BY relay_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domains.RelayAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAssignmentEnabled toggles a relay assignment
func (s *Store) SetAssignmentEnabled(ctx context.Context, relayID string, enabled bool) (*domains.RelayAssignment, error) {
	query := `
		UPDATE relay_assignments SET enabled = ?, updated_at = ?
		WHERE relay_id = ?
		RETURNING ` + assignmentColumns
	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, enabled, toMillis(time.Now()), relayID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domains.ErrAssignmentNotFound
	}
	return a, err
}

// TouchAssignment records relay activity
func (s *Store) TouchAssignment(ctx context.Context, relayID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE relay_assignments SET last_seen_at = ? WHERE relay_id = ?`, toMillis(seenAt), relayID)
	return err
}

func (s *Store) queryCommands(ctx context.Context, query string, args ...interface{}) ([]domains.Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := []domains.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

// patchAssignments renders the SET clause of a patch
func patchAssignments(p domains.CommandPatch) ([]string, []interface{}) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(p.Status), toMillis(p.UpdatedAt)}

	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if p.ClaimedBy != nil {
		add("claimed_by", *p.ClaimedBy)
	}
	if p.ClaimedAt != nil {
		add("claimed_at", toMillis(*p.ClaimedAt))
	}
	if p.ClearPartial {
		sets = append(sets, "partial_output = NULL", "partial_stderr = NULL")
	} else {
		if p.PartialOutput != nil {
			add("partial_output", *p.PartialOutput)
		}
		if p.PartialStderr != nil {
			add("partial_stderr", *p.PartialStderr)
		}
	}
	if p.Output != nil {
		add("output", *p.Output)
	}
	if p.Stderr != nil {
		add("stderr", *p.Stderr)
	}
	if p.ExitCode != nil {
		add("exit_code", *p.ExitCode)
	}
	if p.ErrorMsg != nil {
		add("error_msg", *p.ErrorMsg)
	}
	if p.DurationMs != nil {
		add("duration_ms", *p.DurationMs)
	}
	if p.CompletedAt != nil {
		add("completed_at", toMillis(*p.CompletedAt))
	}
	return sets, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (*domains.Command, error) {
	var (
		cmd                                domains.Command
		commandID, targetType, status      string
		targetHost, targetUsername         sql.NullString
		targetPort, exitCode               sql.NullInt64
		claimedAt, completedAt, durationMs sql.NullInt64
		createdAt, updatedAt               int64
		claimedBy, output, stderr, errMsg  sql.NullString
		partialOutput, partialStderr       sql.NullString
	)

	err := row.Scan(
		&cmd.ID, &commandID, &cmd.MachineID, &targetType, &targetHost, &targetPort, &targetUsername,
		&cmd.Command, &cmd.TimeoutMs, &status, &claimedBy, &claimedAt, &output, &stderr, &exitCode, &errMsg,
		&durationMs, &completedAt, &partialOutput, &partialStderr, &cmd.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command_id %q: %w", commandID, err)
	}
	cmd.CommandID = id
	cmd.Status = domains.CommandStatus(status)
	cmd.Target = domains.Target{
		Type:     domains.TargetType(targetType),
		Host:     targetHost.String,
		Port:     int(targetPort.Int64),
		Username: targetUsername.String,
	}
	cmd.ClaimedBy = stringPtr(claimedBy)
	cmd.ClaimedAt = timePtr(claimedAt)
	cmd.Output = stringPtr(output)
	cmd.Stderr = stringPtr(stderr)
	cmd.ErrorMsg = stringPtr(errMsg)
	cmd.PartialOutput = stringPtr(partialOutput)
	cmd.PartialStderr = stringPtr(partialStderr)
	cmd.CompletedAt = timePtr(completedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		cmd.ExitCode = &code
	}
	if durationMs.Valid {
		ms := durationMs.Int64
		cmd.DurationMs = &ms
	}
	cmd.CreatedAt = fromMillis(createdAt)
	cmd.UpdatedAt = fromMillis(updatedAt)
	return &cmd, nil
}

func scanAssignment(row rowScanner) (*domains.RelayAssignment, error) {
	var (
		a                    domains.RelayAssignment
		createdAt, updatedAt int64
		lastSeen             sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.RelayID, &a.MachineID, &a.Enabled, &createdAt, &updatedAt, &lastSeen); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	a.LastSeenAt = timePtr(lastSeen)
	return &a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func containsPending(statuses []domains.CommandStatus) bool {
	for _, st := range statuses {
		if st == domains.StatusPending {
			return true
		}
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
