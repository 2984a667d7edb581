package services

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relay-svc/app"
	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/client"
	"relay-svc/relay/storage"
	"relay-svc/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSpool(t *testing.T) *storage.Store {
	t.Helper()
	spool, err := storage.NewStore(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { spool.Close() })
	return spool
}

// newTestBroker starts a broker on an embedded store and returns a caller
// client plus a relay client assigned to machine m1
func newTestBroker(t *testing.T) (string, *client.Client, *client.RelayClient) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &app.Config{
		ServerPort:            "0",
		JWTSecret:             "test-secret",
		JWTExpirationSec:      3600,
		StoreDriver:           "sqlite",
		ReaperIntervalSec:     30,
		ClaimGraceSec:         60,
		PendingFallbackPollMs: 20,
		SSEKeepAliveSec:       15,
	}
	srv := httptest.NewServer(app.New(cfg, store, app.NewLogger("error", "text", io.Discard)).Router)
	t.Cleanup(srv.Close)

	caller := client.New(srv.URL)
	assignment, err := caller.AssignRelay(context.Background(), "relay-1", "m1")
	require.NoError(t, err)
	return srv.URL, caller, client.NewRelayClient(srv.URL, assignment.Token)
}

func waitTerminal(t *testing.T, caller *client.Client, id uuid.UUID) *domains.CommandResult {
	t.Helper()
	var res *domains.CommandResult
	require.Eventually(t, func() bool {
		r, err := caller.GetCommandResult(context.Background(), id)
		if err != nil {
			return false
		}
		res = r
		return r.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return res
}

// fakeBroker scripts Complete failures and records every call
type fakeBroker struct {
	mu           sync.Mutex
	completeErrs []error
	completed    map[uuid.UUID]dto.CompleteRequest
	calls        int
}

func newFakeBroker(errs ...error) *fakeBroker {
	return &fakeBroker{completeErrs: errs, completed: map[uuid.UUID]dto.CompleteRequest{}}
}

func (f *fakeBroker) Claim(context.Context, uuid.UUID) (*dto.CommandResponse, error) {
	return &dto.CommandResponse{}, nil
}

func (f *fakeBroker) MarkExecuting(context.Context, uuid.UUID) (*dto.CommandResponse, error) {
	return &dto.CommandResponse{}, nil
}

func (f *fakeBroker) RecordOutput(context.Context, uuid.UUID, *string, *string) (*dto.CommandResponse, error) {
	return &dto.CommandResponse{}, nil
}

func (f *fakeBroker) Complete(_ context.Context, id uuid.UUID, report dto.CompleteRequest) (*dto.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.completed[id] = report
	return &dto.CommandResponse{}, nil
}

func (f *fakeBroker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// completeFailsBroker forwards every call except Complete, which fails as
// if the broker were unreachable
type completeFailsBroker struct {
	BrokerClient
}

func (b *completeFailsBroker) Complete(context.Context, uuid.UUID, dto.CompleteRequest) (*dto.CommandResponse, error) {
	return nil, errUnreachable
}
