package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relay-svc/app/clients"
	"relay-svc/app/domains"
)

// AssignmentService maps relay credentials to machine ids
type AssignmentService struct {
	storage clients.StorageAdapter
	jwt     *JWTService
	logger  *slog.Logger
}

// NewAssignmentService creates a new assignment service
func NewAssignmentService(storage clients.StorageAdapter, jwt *JWTService, logger *slog.Logger) *AssignmentService {
	return &AssignmentService{
		storage: storage,
		jwt:     jwt,
		logger:  logger,
	}
}

// Assign binds relayID to machineID and issues a token for it
func (s *AssignmentService) Assign(ctx context.Context, relayID, machineID string) (*domains.RelayAssignment, string, error) {
	assignment, err := s.storage.UpsertAssignment(ctx, relayID, machineID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to assign relay %s: %w", relayID, err)
	}

	token, err := s.jwt.GenerateToken(relayID, machineID)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("relay assigned", "relay_id", relayID, "machine_id", machineID)
	return assignment, token, nil
}

// SetEnabled enables or disables a relay
func (s *AssignmentService) SetEnabled(ctx context.Context, relayID string, enabled bool) (*domains.RelayAssignment, error) {
	assignment, err := s.storage.SetAssignmentEnabled(ctx, relayID, enabled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("relay assignment updated", "relay_id", relayID, "enabled", enabled)
	return assignment, nil
}

// List returns every assignment
func (s *AssignmentService) List(ctx context.Context) ([]domains.RelayAssignment, error) {
	return s.storage.ListAssignments(ctx)
}

// Authenticate resolves a relay token to a live assignment and records
// that the relay was seen. A token issued for a machine the relay no
// longer serves is rejected.
func (s *AssignmentService) Authenticate(ctx context.Context, token string) (*domains.RelayAssignment, error) {
	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	assignment, err := s.storage.GetAssignment(ctx, claims.RelayID)
	if err != nil {
		return nil, err
	}
	if assignment.MachineID != claims.MachineID {
		return nil, fmt.Errorf("token machine %s does not match assignment: %w", claims.MachineID, domains.ErrAssignmentNotFound)
	}
	if !assignment.Enabled {
		return nil, domains.ErrRelayDisabled
	}

	if err := s.storage.TouchAssignment(ctx, assignment.RelayID, time.Now()); err != nil {
		s.logger.Warn("failed to record relay last seen", "relay_id", assignment.RelayID, "error", err)
	}
	return assignment, nil
}
