package services

import (
	"context"
	"errors"

	"relay-svc/app/domains"

	"github.com/google/uuid"
)

// Claim gives claimantID exclusive ownership of a pending command. Exactly
// one of any number of concurrent claims succeeds; the rest get an error
// wrapping domains.ErrNotPending.
func (s *CommandService) Claim(ctx context.Context, commandID uuid.UUID, claimantID string) (*domains.Command, error) {
	now := s.now()
	cmd, err := s.storage.PatchCommand(ctx, commandID, domains.SourcesOf(domains.StatusClaimed), domains.CommandPatch{
		Status:    domains.StatusClaimed,
		ClaimedBy: &claimantID,
		ClaimedAt: &now,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, domains.ErrNotPending) {
			s.logger.Debug("claim rejected", "command_id", commandID, "claimant", claimantID, "error", err)
		}
		return nil, err
	}

	s.logger.Info("command claimed", "command_id", commandID, "claimant", claimantID)
	return cmd, nil
}

// AuthorizeRelay loads a command and checks that it belongs to machineID
// and, unless claimOnly is set, that relayID holds the claim.
func (s *CommandService) AuthorizeRelay(ctx context.Context, commandID uuid.UUID, relayID, machineID string, claimOnly bool) (*domains.Command, error) {
	cmd, err := s.storage.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.MachineID != machineID {
		// Other machines' commands are invisible to this relay
		return nil, domains.ErrCommandNotFound
	}
	if claimOnly {
		return cmd, nil
	}
	if cmd.ClaimedBy == nil || *cmd.ClaimedBy != relayID {
		return nil, domains.ErrNotClaimant
	}
	return cmd, nil
}
