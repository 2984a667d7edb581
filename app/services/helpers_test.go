package services

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"relay-svc/app/clients"
	"relay-svc/app/domains"
	"relay-svc/storage/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestCommandService(t *testing.T) (*CommandService, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewCommandService(store, discardLogger()), store
}

func mustCreate(t *testing.T, svc *CommandService, machineID, command string) uuid.UUID {
	t.Helper()
	id, err := svc.Create(context.Background(), domains.CommandRequest{
		MachineID: machineID,
		Command:   command,
		CreatedBy: "tests",
	})
	require.NoError(t, err)
	return id
}

// pollOnlyStore hides the ChangeNotifier capability of the wrapped store
type pollOnlyStore struct {
	clients.StorageAdapter
}

func strPtr(s string) *string { return &s }
