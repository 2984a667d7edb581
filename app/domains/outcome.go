package domains

import (
	"fmt"
	"time"
)

// Outcome is the terminal result a relay reports for a command. Build it
// with Succeeded, Failed, TimedOut or ReportedOutcome; the zero value is
// not a valid outcome.
type Outcome struct {
	status   CommandStatus
	Output   *string
	Stderr   *string
	ExitCode *int
	Error    *string
	Duration time.Duration
}

// Succeeded builds a completed outcome with exit code 0
func Succeeded(output, stderr string, duration time.Duration) Outcome {
	code := 0
	return Outcome{
		status:   StatusCompleted,
		Output:   &output,
		Stderr:   &stderr,
		ExitCode: &code,
		Duration: duration,
	}
}

// Failed builds a failed outcome
func Failed(exitCode int, output, stderr, errMsg string, duration time.Duration) Outcome {
	o := Outcome{
		status:   StatusFailed,
		Output:   &output,
		Stderr:   &stderr,
		ExitCode: &exitCode,
		Duration: duration,
	}
	if errMsg != "" {
		o.Error = &errMsg
	}
	return o
}

// TimedOut builds a timeout outcome with whatever output was captured
func TimedOut(output, stderr, errMsg string, duration time.Duration) Outcome {
	o := Outcome{
		status:   StatusTimeout,
		Output:   &output,
		Stderr:   &stderr,
		Duration: duration,
	}
	if errMsg != "" {
		o.Error = &errMsg
	}
	return o
}

// ReportedOutcome records a relay report verbatim. success selects
// completed or failed; timedOut takes precedence over both. The fields are
// stored as given, so success with a non-zero exit code is kept as
// completed and Command.Succeeded reports false for it.
func ReportedOutcome(success, timedOut bool, output, stderr *string, exitCode *int, errMsg *string, duration time.Duration) Outcome {
	status := StatusFailed
	switch {
	case timedOut:
		status = StatusTimeout
	case success:
		status = StatusCompleted
	}
	return Outcome{
		status:   status,
		Output:   output,
		Stderr:   stderr,
		ExitCode: exitCode,
		Error:    errMsg,
		Duration: duration,
	}
}

// Status returns the terminal status the outcome records
func (o Outcome) Status() CommandStatus {
	return o.status
}

// Validate rejects the zero value and non-terminal statuses
func (o Outcome) Validate() error {
	if !o.status.IsTerminal() {
		return &ValidationError{Field: "outcome", Message: fmt.Sprintf("outcome status %q is not terminal", o.status)}
	}
	return nil
}

// Patch converts the outcome into the store update that finalizes a command
func (o Outcome) Patch(now time.Time) CommandPatch {
	p := CommandPatch{
		Status:       o.status,
		Output:       o.Output,
		Stderr:       o.Stderr,
		ExitCode:     o.ExitCode,
		ErrorMsg:     o.Error,
		CompletedAt:  &now,
		ClearPartial: true,
		UpdatedAt:    now,
	}
	if o.Duration > 0 {
		ms := o.Duration.Milliseconds()
		p.DurationMs = &ms
	}
	return p
}
