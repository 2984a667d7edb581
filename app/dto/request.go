package dto

import (
	"time"

	"relay-svc/app/domains"
)

// CreateCommandRequest represents a command queue request
type CreateCommandRequest struct {
	MachineID      string `json:"machine_id" validate:"required"`
	Command        string `json:"command" validate:"required"`
	TargetType     string `json:"target_type,omitempty" validate:"omitempty,oneof=local ssh"`
	TargetHost     string `json:"target_host,omitempty"`
	TargetPort     int    `json:"target_port,omitempty" validate:"omitempty,min=1,max=65535"`
	TargetUsername string `json:"target_username,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty" validate:"omitempty,min=1"`
	CreatedBy      string `json:"created_by,omitempty"`
}

// ToDomain converts the request into a domain command request
func (r CreateCommandRequest) ToDomain() domains.CommandRequest {
	return domains.CommandRequest{
		MachineID: r.MachineID,
		Command:   r.Command,
		Target: domains.Target{
			Type:     domains.TargetType(r.TargetType),
			Host:     r.TargetHost,
			Port:     r.TargetPort,
			Username: r.TargetUsername,
		},
		TimeoutMs: r.TimeoutMs,
		CreatedBy: r.CreatedBy,
	}
}

// ExecRequest represents a blocking execute request. TimeoutMs bounds both
// the command and each wait for its result.
type ExecRequest struct {
	CreateCommandRequest
	PollIntervalMs int64 `json:"poll_interval_ms,omitempty" validate:"omitempty,min=10"`
	Retries        int   `json:"retries,omitempty" validate:"omitempty,min=0,max=10"`
	RetryDelayMs   int64 `json:"retry_delay_ms,omitempty" validate:"omitempty,min=0"`
}

// PollInterval returns the poll interval as a duration
func (r ExecRequest) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// RetryDelay returns the retry delay as a duration
func (r ExecRequest) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

// Timeout returns the per-attempt wait as a duration
func (r ExecRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// PartialOutputRequest carries the cumulative output captured so far
type PartialOutputRequest struct {
	PartialOutput *string `json:"partial_output,omitempty"`
	PartialStderr *string `json:"partial_stderr,omitempty"`
}

// CompleteRequest represents a relay's final report. Status, when given,
// takes precedence over Success.
type CompleteRequest struct {
	Success    bool    `json:"success"`
	Status     string  `json:"status,omitempty" validate:"omitempty,oneof=completed failed timeout"`
	Output     *string `json:"output,omitempty"`
	Stderr     *string `json:"stderr,omitempty"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	Error      *string `json:"error,omitempty"`
	DurationMs *int64  `json:"duration_ms,omitempty" validate:"omitempty,min=0"`
}

// ToOutcome converts the report into a terminal outcome
func (r CompleteRequest) ToOutcome() domains.Outcome {
	success := r.Success
	switch domains.CommandStatus(r.Status) {
	case domains.StatusCompleted:
		success = true
	case domains.StatusFailed:
		success = false
	}

	var duration time.Duration
	if r.DurationMs != nil {
		duration = time.Duration(*r.DurationMs) * time.Millisecond
	}
	return domains.ReportedOutcome(success, r.Status == string(domains.StatusTimeout), r.Output, r.Stderr, r.ExitCode, r.Error, duration)
}

// AssignRelayRequest binds a relay to a machine
type AssignRelayRequest struct {
	RelayID   string `json:"relay_id" validate:"required"`
	MachineID string `json:"machine_id" validate:"required"`
}

// UpdateAssignmentRequest toggles a relay assignment
type UpdateAssignmentRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}
