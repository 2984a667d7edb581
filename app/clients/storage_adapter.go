package clients

import (
	"context"
	"time"

	"relay-svc/app/domains"

	"github.com/google/uuid"
)

// StorageAdapter defines the interface for the command record store.
//
// PatchCommand is the only mutation path for existing commands. It must be
// a single atomic conditional update: the store applies patch only if the
// current status is one of from, and otherwise returns
// domains.ErrCommandNotFound or a *domains.StatusConflictError.
type StorageAdapter interface {
	InsertCommand(ctx context.Context, cmd *domains.Command) error
	GetCommand(ctx context.Context, commandID uuid.UUID) (*domains.Command, error)
	ListPendingCommands(ctx context.Context, machineID string, limit int) ([]domains.Command, error)
	ListCommands(ctx context.Context, filter domains.CommandFilter) ([]domains.Command, error)
	PatchCommand(ctx context.Context, commandID uuid.UUID, from []domains.CommandStatus, patch domains.CommandPatch) (*domains.Command, error)
	ListStaleCommands(ctx context.Context, statuses []domains.CommandStatus, claimedBefore time.Time) ([]domains.Command, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)

	UpsertAssignment(ctx context.Context, relayID, machineID string) (*domains.RelayAssignment, error)
	GetAssignment(ctx context.Context, relayID string) (*domains.RelayAssignment, error)
	ListAssignments(ctx context.Context) ([]domains.RelayAssignment, error)
	SetAssignmentEnabled(ctx context.Context, relayID string, enabled bool) (*domains.RelayAssignment, error)
	TouchAssignment(ctx context.Context, relayID string, seenAt time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

// ChangeNotifier is implemented by stores that can signal changes to the
// pending set of a machine. Each receive on the returned channel means
// "something changed, re-read"; signals are coalesced. The channel is
// closed when ctx is done.
type ChangeNotifier interface {
	WatchPending(ctx context.Context, machineID string) (<-chan struct{}, error)
}
