package domains

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SSHTargetRequiredMessage is returned verbatim by every entry point that
// creates a command with an incomplete ssh target.
const SSHTargetRequiredMessage = "SSH target requires targetHost and targetUsername"

var (
	// ErrCommandNotFound means the referenced command does not exist
	ErrCommandNotFound = errors.New("command not found")
	// ErrNotPending means a claim lost against another relay or a terminal record
	ErrNotPending = errors.New("command is not pending")
	// ErrAlreadyTerminal means the command already holds a final result
	ErrAlreadyTerminal = errors.New("command is already in a terminal state")
	// ErrInvalidTransition means the transition is not in the table
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAssignmentNotFound means no relay assignment exists for the id
	ErrAssignmentNotFound = errors.New("relay assignment not found")
	// ErrRelayDisabled means the relay's assignment has been switched off
	ErrRelayDisabled = errors.New("relay is disabled")
	// ErrNotClaimant means a relay touched a command it does not hold
	ErrNotClaimant = errors.New("command is not claimed by this relay")
)

// ValidationError reports malformed input detected before any mutation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// StatusConflictError is returned when a conditional update finds the
// command in a status outside the allowed set.
type StatusConflictError struct {
	CommandID uuid.UUID
	Current   CommandStatus
	Target    CommandStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("%s: command %s is %s, cannot move to %s", e.Unwrap(), e.CommandID, e.Current, e.Target)
}

// Unwrap maps the conflict onto the sentinel callers branch on
func (e *StatusConflictError) Unwrap() error {
	switch {
	case e.Target == StatusClaimed:
		return ErrNotPending
	case e.Current.IsTerminal():
		return ErrAlreadyTerminal
	default:
		return ErrInvalidTransition
	}
}

// IsValidationError reports whether err carries a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
