package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/utils"
	"relay-svc/storage/changefeed"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN channel fed by the notify_pending_change trigger
const notifyChannel = "command_changes"

const commandColumns = `id, command_id, machine_id, target_type, target_host, target_port, target_username,
	command, timeout_ms, status, claimed_by, claimed_at, output, stderr, exit_code, error_msg,
	duration_ms, completed_at, partial_output, partial_stderr, created_by, created_at, updated_at`

const assignmentColumns = `id, relay_id, machine_id, enabled, created_at, updated_at, last_seen_at`

// Store represents the Postgres storage implementation
type Store struct {
	pool   *pgxpool.Pool
	hub    *changefeed.Hub
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a new Postgres store and starts the change listener.
// The database must already exist - creation should be handled at the infrastructure/deployment level
func NewStore(connString string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		hub:    changefeed.NewHub(),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.listen(ctx)

	return s, nil
}

// Close stops the change listener and closes the connection pool
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.pool.Close()
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WatchPending implements clients.ChangeNotifier
func (s *Store) WatchPending(ctx context.Context, machineID string) (<-chan struct{}, error) {
	return s.hub.Watch(ctx, machineID), nil
}

// listen keeps a LISTEN session open and re-establishes it after failures
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)

	policy := utils.DefaultRetryPolicy()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > policy.MaxDelay {
			attempt = 0
		}
		delay := policy.CalculateDelay(attempt)
		s.logger.Warn("change listener disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Anything may have changed while we were not listening
	s.hub.PublishAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.hub.Publish(n.Payload)
	}
}

// InsertCommand inserts a new command record
func (s *Store) InsertCommand(ctx context.Context, cmd *domains.Command) error {
	query := `
		INSERT INTO commands (command_id, machine_id, target_type, target_host, target_port, target_username,
			command, timeout_ms, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query,
		cmd.CommandID, cmd.MachineID, string(cmd.Target.Type),
		nullString(cmd.Target.Host), nullInt(cmd.Target.Port), nullString(cmd.Target.Username),
		cmd.Command, cmd.TimeoutMs, string(cmd.Status), cmd.CreatedBy, cmd.CreatedAt, cmd.UpdatedAt,
	).Scan(&cmd.ID)
}

// GetCommand retrieves a command by ID
func (s *Store) GetCommand(ctx context.Context, commandID uuid.UUID) (*domains.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE command_id = $1`
	cmd, err := scanCommand(s.pool.QueryRow(ctx, query, commandID))
	if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE machine_id = $1 AND status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	return s.queryCommands(ctx, query, machineID, limit)
}

// ListCommands retrieves commands, optionally filtered by machine and status
func (s *Store) ListCommands(ctx context.Context, filter domains.CommandFilter) ([]domains.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands`
	var where []string
	args := []interface{}{}

	if filter.MachineID != "" {
		args = append(args, filter.MachineID)
		where = append(where, fmt.Sprintf("machine_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return s.queryCommands(ctx, query, args...)
}

// PatchCommand applies patch if the command's status is one of from.
// The status check and the write are a single UPDATE statement.
func (s *Store) PatchCommand(ctx context.Context, commandID uuid.UUID, from []domains.CommandStatus, patch domains.CommandPatch) (*domains.Command, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("patch requires at least one source status")
	}

	sets, args := patchAssignments(patch)
	args = append(args, commandID, statusStrings(from))
	query := fmt.Sprintf(`
		UPDATE commands SET %s
		WHERE command_id = $%d AND status = ANY($%d)
		RETURNING %s
	`, strings.Join(sets, ", "), len(args)-1, len(args), commandColumns)

	cmd, err := scanCommand(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflict(ctx, commandID, patch.Status)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// conflict explains a conditional update that matched no row
func (s *Store) conflict(ctx context.Context, commandID uuid.UUID, target domains.CommandStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM commands WHERE command_id = $1`, commandID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE status = ANY($1) AND claimed_at IS NOT NULL AND claimed_at < $2
		ORDER BY claimed_at ASC
	`
	return s.queryCommands(ctx, query, statusStrings(statuses), claimedBefore)
}

// DeleteTerminalBefore deletes terminal commands completed before the cutoff
func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM commands
		WHERE status IN ('completed', 'failed', 'timeout') AND completed_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertAssignment creates or re-targets a relay assignment and enables it
func (s *Store) UpsertAssignment(ctx context.Context, relayID, machineID string) (*domains.RelayAssignment, error) {
	query := `
		INSERT INTO relay_assignments (relay_id, machine_id, enabled, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $3)
		ON CONFLICT (relay_id)
		DO UPDATE SET
			machine_id = EXCLUDED.machine_id,
			enabled = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + assignmentColumns
	return scanAssignment(s.pool.QueryRow(ctx, query, relayID, machineID, time.Now()))
}

// GetAssignment retrieves a relay assignment
func (s *Store) GetAssignment(ctx context.Context, relayID string) (*domains.RelayAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM relay_assignments WHERE relay_id = $1`
	a, err := scanAssignment(s.pool.QueryRow(ctx, query, relayID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domains.ErrAssignmentNotFound
	}
	return a, err
}

// ListAssignments retrieves all relay assignments
func (s *Store) ListAssignments(ctx context.Context) ([]domains.RelayAssignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM relay_assignments ORDER BY relay_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []domains.RelayAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *a)
	}
	return assignments, rows.Err()
}

// SetAssignmentEnabled toggles a relay assignment
func (s *Store) SetAssignmentEnabled(ctx context.Context, relayID string, enabled bool) (*domains.RelayAssignment, error) {
	query := `
		UPDATE relay_assignments SET enabled = $1, updated_at = $2
		WHERE relay_id = $3
		RETURNING ` + assignmentColumns
	a, err := scanAssignment(s.pool.QueryRow(ctx, query, enabled, time.Now(), relayID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domains.ErrAssignmentNotFound
	}
	return a, err
}

// TouchAssignment updates the last_seen_at timestamp
func (s *Store) TouchAssignment(ctx context.Context, relayID string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE relay_assignments SET last_seen_at = $1 WHERE relay_id = $2`, seenAt, relayID)
	return err
}

func (s *Store) queryCommands(ctx context.Context, query string, args ...interface{}) ([]domains.Command, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

// patchAssignments renders the SET clause of a patch with $n placeholders
// starting at $1
func patchAssignments(p domains.CommandPatch) ([]string, []interface{}) {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	add("status", string(p.Status))
	add("updated_at", p.UpdatedAt)
	if p.ClaimedBy != nil {
		add("claimed_by", *p.ClaimedBy)
	}
	if p.ClaimedAt != nil {
		add("claimed_at", *p.ClaimedAt)
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
		add("completed_at", *p.CompletedAt)
	}
	return sets, args
}

func scanCommand(row pgx.Row) (*domains.Command, error) {
	var (
		cmd                        domains.Command
		targetType, status         string
		targetHost, targetUsername *string
		targetPort                 *int
	)

	err := row.Scan(
		&cmd.ID, &cmd.CommandID, &cmd.MachineID, &targetType, &targetHost, &targetPort, &targetUsername,
		&cmd.Command, &cmd.TimeoutMs, &status, &cmd.ClaimedBy, &cmd.ClaimedAt, &cmd.Output, &cmd.Stderr,
		&cmd.ExitCode, &cmd.ErrorMsg, &cmd.DurationMs, &cmd.CompletedAt, &cmd.PartialOutput, &cmd.PartialStderr,
		&cmd.CreatedBy, &cmd.CreatedAt, &cmd.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cmd.Status = domains.CommandStatus(status)
	cmd.Target.Type = domains.TargetType(targetType)
	if targetHost != nil {
		cmd.Target.Host = *targetHost
	}
	if targetPort != nil {
		cmd.Target.Port = *targetPort
	}
	if targetUsername != nil {
		cmd.Target.Username = *targetUsername
	}
	return &cmd, nil
}

func scanAssignment(row pgx.Row) (*domains.RelayAssignment, error) {
	var a domains.RelayAssignment
	err := row.Scan(&a.ID, &a.RelayID, &a.MachineID, &a.Enabled, &a.CreatedAt, &a.UpdatedAt, &a.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func statusStrings(statuses []domains.CommandStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
