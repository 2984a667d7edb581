package domains

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeoutMs applies when a command is created without a timeout
	DefaultTimeoutMs int64 = 30000
	// DefaultSSHPort applies to ssh targets created without a port
	DefaultSSHPort = 22
)

// TargetType selects where the relay runs the command
type TargetType string

const (
	TargetLocal TargetType = "local"
	TargetSSH   TargetType = "ssh"
)

// Target describes where a command runs. Host, Port and Username are only
// meaningful for ssh targets.
type Target struct {
	Type     TargetType `json:"target_type"`
	Host     string     `json:"target_host,omitempty"`
	Port     int        `json:"target_port,omitempty"`
	Username string     `json:"target_username,omitempty"`
}

// Command represents a command record in the queue
type Command struct {
	ID            int64         `db:"id"`
	CommandID     uuid.UUID     `db:"command_id"`
	MachineID     string        `db:"machine_id"`
	Target        Target        `db:"-"`
	Command       string        `db:"command"`
	TimeoutMs     int64         `db:"timeout_ms"`
	Status        CommandStatus `db:"status"`
	ClaimedBy     *string       `db:"claimed_by"`
	ClaimedAt     *time.Time    `db:"claimed_at"`
	Output        *string       `db:"output"`
	Stderr        *string       `db:"stderr"`
	ExitCode      *int          `db:"exit_code"`
	ErrorMsg      *string       `db:"error_msg"`
	DurationMs    *int64        `db:"duration_ms"`
	CompletedAt   *time.Time    `db:"completed_at"`
	PartialOutput *string       `db:"partial_output"`
	PartialStderr *string       `db:"partial_stderr"`
	CreatedBy     string        `db:"created_by"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// Timeout returns the command timeout as a duration
func (c *Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Succeeded is the canonical success signal: completed with exit code 0 or
// no exit code at all. A relay that reported success with a non-zero exit
// code still produces false here.
func (c *Command) Succeeded() bool {
	if c.Status != StatusCompleted {
		return false
	}
	return c.ExitCode == nil || *c.ExitCode == 0
}

// CommandRequest carries everything needed to create a command
type CommandRequest struct {
	MachineID string
	Command   string
	Target    Target
	TimeoutMs int64
	CreatedBy string
}

// ValidateTarget checks the ssh target rule. It is the only business-rule
// validation applied on command creation and every creating entry point
// calls it before touching storage.
func ValidateTarget(t Target) error {
	if t.Type != TargetSSH {
		return nil
	}
	if strings.TrimSpace(t.Host) == "" || strings.TrimSpace(t.Username) == "" {
		return &ValidationError{Field: "target", Message: SSHTargetRequiredMessage}
	}
	return nil
}

// WithDefaults fills the default timeout, target type and ssh port
func (r CommandRequest) WithDefaults() CommandRequest {
	if r.TimeoutMs <= 0 {
		r.TimeoutMs = DefaultTimeoutMs
	}
	if r.Target.Type == "" {
		r.Target.Type = TargetLocal
	}
	if r.Target.Type == TargetSSH && r.Target.Port == 0 {
		r.Target.Port = DefaultSSHPort
	}
	if r.Target.Type == TargetLocal {
		r.Target.Host, r.Target.Port, r.Target.Username = "", 0, ""
	}
	return r
}

// CommandPatch is applied by a store as one conditional update. Nil fields
// are left untouched; ClearPartial nulls both partial output columns.
type CommandPatch struct {
	Status        CommandStatus
	ClaimedBy     *string
	ClaimedAt     *time.Time
	PartialOutput *string
	PartialStderr *string
	Output        *string
	Stderr        *string
	ExitCode      *int
	ErrorMsg      *string
	DurationMs    *int64
	CompletedAt   *time.Time
	ClearPartial  bool
	UpdatedAt     time.Time
}

// CommandFilter narrows admin listings
type CommandFilter struct {
	MachineID string
	Status    CommandStatus
	Limit     int
}

// CommandResult is the caller-facing view of a command. Partial output is
// only exposed while the command is running and final output only once it
// is terminal.
type CommandResult struct {
	CommandID     uuid.UUID     `json:"command_id"`
	MachineID     string        `json:"machine_id"`
	Status        CommandStatus `json:"status"`
	Success       bool          `json:"success"`
	Output        *string       `json:"output,omitempty"`
	Stderr        *string       `json:"stderr,omitempty"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Error         *string       `json:"error,omitempty"`
	DurationMs    *int64        `json:"duration_ms,omitempty"`
	PartialOutput *string       `json:"partial_output,omitempty"`
	PartialStderr *string       `json:"partial_stderr,omitempty"`
	ClaimedBy     *string       `json:"claimed_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// ToResult builds the caller view of c
func (c *Command) ToResult() *CommandResult {
	res := &CommandResult{
		CommandID: c.CommandID,
		MachineID: c.MachineID,
		Status:    c.Status,
		Success:   c.Succeeded(),
		ClaimedBy: c.ClaimedBy,
		CreatedAt: c.CreatedAt,
	}
	if c.Status.IsTerminal() {
		res.Output = c.Output
		res.Stderr = c.Stderr
		res.ExitCode = c.ExitCode
		res.Error = c.ErrorMsg
		res.DurationMs = c.DurationMs
		res.CompletedAt = c.CompletedAt
		return res
	}
	res.PartialOutput = c.PartialOutput
	res.PartialStderr = c.PartialStderr
	return res
}

// CommandStream is an incremental read of a command's output. Stdout and
// Stderr hold the bytes after the requested offsets; the *Offset fields are
// where the next read should start. Final is true once the data comes from
// the terminal result instead of the partial scratch space.
type CommandStream struct {
	CommandID    uuid.UUID     `json:"command_id"`
	Status       CommandStatus `json:"status"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	StdoutOffset int           `json:"stdout_offset"`
	StderrOffset int           `json:"stderr_offset"`
	Final        bool          `json:"final"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	Error        *string       `json:"error,omitempty"`
}

// ToStream slices the visible output of c from the given byte offsets.
// Offsets past the end yield empty data; negative offsets count as zero.
func (c *Command) ToStream(stdoutOffset, stderrOffset int) *CommandStream {
	stream := &CommandStream{
		CommandID: c.CommandID,
		Status:    c.Status,
	}

	var stdout, stderr string
	if c.Status.IsTerminal() {
		stream.Final = true
		stream.ExitCode = c.ExitCode
		stream.Error = c.ErrorMsg
		stdout, stderr = deref(c.Output), deref(c.Stderr)
	} else {
		stdout, stderr = deref(c.PartialOutput), deref(c.PartialStderr)
	}

	stream.Stdout, stream.StdoutOffset = sliceFrom(stdout, stdoutOffset)
	stream.Stderr, stream.StderrOffset = sliceFrom(stderr, stderrOffset)
	return stream
}

func sliceFrom(s string, offset int) (string, int) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s) {
		return "", len(s)
	}
	return s[offset:], len(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
