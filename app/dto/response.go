package dto

import (
	"time"

	"relay-svc/app/domains"
)

// CreateCommandResponse represents command queue response
type CreateCommandResponse struct {
	CommandID string `json:"command_id"`
}

// CommandResponse is a full command view. Output fields follow the same
// visibility rules as domains.CommandResult.
type CommandResponse struct {
	*domains.CommandResult
	domains.Target
	Command   string     `json:"command"`
	TimeoutMs int64      `json:"timeout_ms"`
	CreatedBy string     `json:"created_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewCommandResponse builds the view of cmd
func NewCommandResponse(cmd *domains.Command) CommandResponse {
	return CommandResponse{
		CommandResult: cmd.ToResult(),
		Target:        cmd.Target,
		Command:       cmd.Command,
		TimeoutMs:     cmd.TimeoutMs,
		CreatedBy:     cmd.CreatedBy,
		ClaimedAt:     cmd.ClaimedAt,
		UpdatedAt:     cmd.UpdatedAt,
	}
}

// CommandListResponse represents a list of commands
type CommandListResponse struct {
	Commands []CommandResponse `json:"commands"`
}

// NewCommandListResponse builds the view of a command list
func NewCommandListResponse(cmds []domains.Command) CommandListResponse {
	resp := CommandListResponse{Commands: make([]CommandResponse, len(cmds))}
	for i := range cmds {
		resp.Commands[i] = NewCommandResponse(&cmds[i])
	}
	return resp
}

// AssignmentResponse represents a relay assignment
type AssignmentResponse struct {
	RelayID    string     `json:"relay_id"`
	MachineID  string     `json:"machine_id"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// NewAssignmentResponse builds the view of a relay assignment
func NewAssignmentResponse(a *domains.RelayAssignment) AssignmentResponse {
	return AssignmentResponse{
		RelayID:    a.RelayID,
		MachineID:  a.MachineID,
		Enabled:    a.Enabled,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
		LastSeenAt: a.LastSeenAt,
	}
}

// AssignRelayResponse carries the token a relay authenticates with
type AssignRelayResponse struct {
	AssignmentResponse
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// AssignmentListResponse represents all relay assignments
type AssignmentListResponse struct {
	Assignments []AssignmentResponse `json:"assignments"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}
