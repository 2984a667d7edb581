package services

import (
	"context"
	"testing"

	"relay-svc/app/domains"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignmentAuthenticate(t *testing.T) {
	store := newTestStore(t)
	jwtService := NewJWTService("test-secret", 3600)
	svc := NewAssignmentService(store, jwtService, discardLogger())
	ctx := context.Background()

	assignment, token, err := svc.Assign(ctx, "relay-1", "m1")
	require.NoError(t, err)
	assert.True(t, assignment.Enabled)
	assert.Nil(t, assignment.LastSeenAt)

	got, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.MachineID)

	seen, err := store.GetAssignment(ctx, "relay-1")
	require.NoError(t, err)
	assert.NotNil(t, seen.LastSeenAt)

	_, err = svc.SetEnabled(ctx, "relay-1", false)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, domains.ErrRelayDisabled)

	// Re-pointing the relay invalidates tokens for the old machine
	_, newToken, err := svc.Assign(ctx, "relay-1", "m2")
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, domains.ErrAssignmentNotFound)
	got, err = svc.Authenticate(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, "m2", got.MachineID)

	_, err = svc.Authenticate(ctx, "not-a-token")
	assert.Error(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestJWTServiceRejectsForeignSecret(t *testing.T) {
	issuer := NewJWTService("secret-a", 60)
	verifier := NewJWTService("secret-b", 60)

	token, err := issuer.GenerateToken("relay-1", "m1")
	require.NoError(t, err)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "relay-1", claims.RelayID)
	assert.Equal(t, "m1", claims.MachineID)
	assert.Equal(t, int64(60), issuer.ExpiresIn())

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}
