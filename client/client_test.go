package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"relay-svc/app"
	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/app/rpc"
	"relay-svc/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
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
	return srv
}

func newRelay(t *testing.T, c *Client, baseURL, relayID, machineID string) *RelayClient {
	t.Helper()
	resp, err := c.AssignRelay(context.Background(), relayID, machineID)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	return NewRelayClient(baseURL, resp.Token)
}

func TestStatusErrorUnwrap(t *testing.T) {
	tests := []struct {
		name string
		err  *StatusError
		want error
	}{
		{"command not found", &StatusError{StatusCode: http.StatusNotFound, Message: "command not found"}, domains.ErrCommandNotFound},
		{"assignment not found", &StatusError{StatusCode: http.StatusNotFound, Message: domains.ErrAssignmentNotFound.Error()}, domains.ErrAssignmentNotFound},
		{"relay disabled", &StatusError{StatusCode: http.StatusForbidden, Message: domains.ErrRelayDisabled.Error()}, domains.ErrRelayDisabled},
		{"not claimant", &StatusError{StatusCode: http.StatusForbidden, Message: domains.ErrNotClaimant.Error()}, domains.ErrNotClaimant},
		{"not pending", &StatusError{StatusCode: http.StatusConflict, Message: domains.ErrNotPending.Error()}, domains.ErrNotPending},
		{"already terminal", &StatusError{StatusCode: http.StatusConflict, Message: domains.ErrAlreadyTerminal.Error()}, domains.ErrAlreadyTerminal},
		{"other conflict", &StatusError{StatusCode: http.StatusConflict, Message: "nope"}, domains.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.want)
		})
	}

	badRequest := &StatusError{StatusCode: http.StatusBadRequest, Message: domains.SSHTargetRequiredMessage}
	assert.True(t, domains.IsValidationError(badRequest))
	assert.Nil(t, (&StatusError{StatusCode: http.StatusBadGateway}).Unwrap())
}

func TestDecodeErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPClient(srv.URL, "").DoRequest(context.Background(), http.MethodGet, "/", nil, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, "upstream down", statusErr.Message)
}

func TestRelayLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	caller := New(srv.URL)
	relay := newRelay(t, caller, srv.URL, "relay-1", "m1")
	rival := newRelay(t, caller, srv.URL, "relay-2", "m1")

	id, err := caller.QueueCommand(ctx, domains.CommandRequest{MachineID: "m1", Command: "echo hi", CreatedBy: "test"})
	require.NoError(t, err)

	pending, err := relay.ListPending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].CommandID)

	_, err = relay.Claim(ctx, id)
	require.NoError(t, err)

	_, err = rival.Claim(ctx, id)
	assert.ErrorIs(t, err, domains.ErrNotPending)
	_, err = rival.MarkExecuting(ctx, id)
	assert.ErrorIs(t, err, domains.ErrNotClaimant)

	_, err = relay.MarkExecuting(ctx, id)
	require.NoError(t, err)

	partial := "h"
	_, err = relay.RecordOutput(ctx, id, &partial, nil)
	require.NoError(t, err)

	stream, err := caller.Stream(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "h", stream.Stdout)
	assert.False(t, stream.Final)

	out, code := "hi\n", 0
	cmd, err := relay.Complete(ctx, id, dto.CompleteRequest{Success: true, Output: &out, ExitCode: &code})
	require.NoError(t, err)
	assert.Equal(t, domains.StatusCompleted, cmd.Status)

	_, err = relay.Complete(ctx, id, dto.CompleteRequest{Success: false})
	assert.ErrorIs(t, err, domains.ErrAlreadyTerminal)

	res, err := caller.GetCommandResult(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi\n", *res.Output)

	_, err = caller.GetCommandResult(ctx, uuid.New())
	assert.ErrorIs(t, err, domains.ErrCommandNotFound)

	list, err := caller.ListCommands(ctx, domains.CommandFilter{MachineID: "m1", Status: domains.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExecOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	caller := New(srv.URL)
	relay := newRelay(t, caller, srv.URL, "relay-1", "m1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			pending, err := relay.ListPending(ctx, 1)
			if err != nil || len(pending) == 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			id := pending[0].CommandID
			if _, err := relay.Claim(ctx, id); err != nil {
				continue
			}
			stderr, code := "disk full", 2
			_, _ = relay.Complete(ctx, id, dto.CompleteRequest{Success: false, Stderr: &stderr, ExitCode: &code})
			return
		}
	}()

	res, err := rpc.Exec(ctx, caller, domains.CommandRequest{MachineID: "m1", Command: "df -h"}, rpc.Options{
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domains.StatusFailed, res.Status)
	assert.Equal(t, "disk full", res.Stderr)
	assert.Equal(t, "command exited with code 2", res.Error)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecOverHTTPRejectsIncompleteSSHTarget(t *testing.T) {
	srv := newTestServer(t)

	res, err := rpc.Exec(context.Background(), New(srv.URL), domains.CommandRequest{
		MachineID: "m1",
		Command:   "uptime",
		Target:    domains.Target{Type: domains.TargetSSH, Host: "db1"},
	}, rpc.Options{Retries: 3})
	require.Error(t, err)
	assert.True(t, domains.IsValidationError(err))
	assert.Nil(t, res)
}

func TestSubscribeDeliversPendingList(t *testing.T) {
	srv := newTestServer(t)
	caller := New(srv.URL)
	relay := newRelay(t, caller, srv.URL, "relay-1", "m1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, errs, err := relay.Subscribe(ctx)
	require.NoError(t, err)

	first := <-updates
	assert.Empty(t, first)

	id, err := caller.QueueCommand(ctx, domains.CommandRequest{MachineID: "m1", Command: "hostname"})
	require.NoError(t, err)

	select {
	case list := <-updates:
		require.Len(t, list, 1)
		assert.Equal(t, id, list[0].CommandID)
	case <-ctx.Done():
		t.Fatal("no pending event received")
	}

	cancel()
	for range updates {
	}
	assert.NoError(t, <-errs, "cancellation is not a stream failure")
}

func TestRelayWithBadTokenIsUnauthorized(t *testing.T) {
	srv := newTestServer(t)

	_, err := NewRelayClient(srv.URL, "garbage").ListPending(context.Background(), 1)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}
