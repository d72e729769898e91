package capability

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereign/kernel/pkg/types"
)

func randIdentity(t *testing.T) types.Identity {
	t.Helper()
	var id types.Identity
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func TestMintAndVerify(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit|types.PermSubscribe, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, store.Verify(tok, subject, types.PermEmit))
	assert.NoError(t, store.Verify(tok, subject, types.PermSubscribe))
}

func TestVerifyRejectsWrongSubject(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Minute)
	require.NoError(t, err)

	err = store.Verify(tok, randIdentity(t), types.PermEmit)
	assert.ErrorIs(t, err, types.ErrAuth)
}

func TestVerifyRejectsMissingPermission(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Minute)
	require.NoError(t, err)

	err = store.Verify(tok, subject, types.PermSubscribe)
	assert.ErrorIs(t, err, types.ErrCapability)
}

func TestVerifyRejectsExpired(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	err = store.Verify(tok, subject, types.PermEmit)
	assert.ErrorIs(t, err, types.ErrExpired)
}

func TestRevokeWinsOverExpiration(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Nanosecond)
	require.NoError(t, err)
	store.Revoke(tok)
	time.Sleep(time.Millisecond)

	// Both revoked and expired: spec requires ErrRevoked to win.
	err = store.Verify(tok, subject, types.PermEmit)
	assert.ErrorIs(t, err, types.ErrRevoked)
}

func TestRotateEpochInvalidatesPriorTokens(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Minute)
	require.NoError(t, err)

	store.RotateEpoch()

	err = store.Verify(tok, subject, types.PermEmit)
	assert.ErrorIs(t, err, types.ErrEpoch)
}

func TestRefreshOnlyValidToken(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Minute)
	require.NoError(t, err)

	refreshed, err := store.Refresh(tok, subject, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, store.Verify(refreshed, subject, types.PermEmit))

	store.Revoke(tok)
	_, err = store.Refresh(tok, subject, time.Minute)
	assert.ErrorIs(t, err, types.ErrRevoked)
}

func TestTTLClampedToMax(t *testing.T) {
	store, err := New(time.Minute)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, 24*time.Hour)
	require.NoError(t, err)

	assert.LessOrEqual(t, tok.ExpiresAt-tok.IssuedAt, time.Minute.Nanoseconds())
}

func TestCleanupExpiredRevocations(t *testing.T) {
	store, err := New(time.Hour)
	require.NoError(t, err)

	subject := randIdentity(t)
	tok, err := store.Mint(subject, types.TokenKindAgent, types.PermEmit, time.Nanosecond)
	require.NoError(t, err)
	store.Revoke(tok)
	time.Sleep(time.Millisecond)

	store.CleanupExpiredRevocations()
	store.mu.RLock()
	_, stillTracked := store.revoked[tok.Nonce]
	store.mu.RUnlock()
	assert.False(t, stillTracked)
}
