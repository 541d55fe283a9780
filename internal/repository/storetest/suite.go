// Package storetest общий набор проверок для реализаций ports.CredentialStore.
package storetest

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"BankSecurityService/internal/security"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory создает пустое хранилище для одного теста
type Factory func(t *testing.T) ports.CredentialStore

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("DuplicateToken", func(t *testing.T) { testDuplicateToken(t, newStore(t)) })
	t.Run("SessionCapEvictsOldest", func(t *testing.T) { testSessionCapEvictsOldest(t, newStore(t)) })
	t.Run("ConcurrentSessionsRespectCap", func(t *testing.T) { testConcurrentSessionsRespectCap(t, newStore(t)) })
	t.Run("Rotate", func(t *testing.T) { testRotate(t, newStore(t)) })
	t.Run("RotateFailures", func(t *testing.T) { testRotateFailures(t, newStore(t)) })
	t.Run("ConcurrentRotateSingleWinner", func(t *testing.T) { testConcurrentRotateSingleWinner(t, newStore(t)) })
	t.Run("Revoke", func(t *testing.T) { testRevoke(t, newStore(t)) })
	t.Run("RevokeAllForPrincipal", func(t *testing.T) { testRevokeAllForPrincipal(t, newStore(t)) })
	t.Run("ListRevokedSince", func(t *testing.T) { testListRevokedSince(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
}

func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// NewCredential активный токен пользователя principalID, выданный в issuedAt
func NewCredential(t *testing.T, principalID string, issuedAt time.Time, ttl time.Duration) *model.Credential {
	t.Helper()

	token, tokenHash, err := security.GenerateRefreshToken()
	require.NoError(t, err)

	return &model.Credential{
		Token:           token,
		TokenHash:       tokenHash,
		AccessTokenID:   uuid.New().String(),
		AccessExpiresAt: issuedAt.Add(15 * time.Minute),
		PrincipalID:     principalID,
		ExpiresAt:       issuedAt.Add(ttl),
		IssuedAt:        issuedAt,
		IssuedFromIP:    "10.0.0.1",
		DeviceInfo:      "test-agent",
	}
}

func testCreateAndFind(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	credential := NewCredential(t, "alice", now, 24*time.Hour)

	evicted, err := store.CreateSession(ctx, credential, 5, now)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	found, err := store.FindByTokenHash(ctx, credential.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, credential.PrincipalID, found.PrincipalID)
	assert.Equal(t, credential.AccessTokenID, found.AccessTokenID)
	assert.True(t, found.ExpiresAt.Equal(credential.ExpiresAt))
	assert.False(t, found.Revoked)
	assert.False(t, found.ReplacedBy.Valid)
	assert.Empty(t, found.Token)

	_, err = store.FindByTokenHash(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrCredentialNotFound)

	active, err := store.CountActive(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func testDuplicateToken(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	credential := NewCredential(t, "alice", now, time.Hour)

	_, err := store.CreateSession(ctx, credential, 0, now)
	require.NoError(t, err)

	_, err = store.CreateSession(ctx, credential, 0, now)
	assert.ErrorIs(t, err, ports.ErrDuplicateCredential)
}

func testSessionCapEvictsOldest(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	const maxActive = 5

	var sessions []*model.Credential
	for i := 0; i < maxActive; i++ {
		credential := NewCredential(t, "alice", now.Add(time.Duration(i)*time.Second), 24*time.Hour)
		_, err := store.CreateSession(ctx, credential, maxActive, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		sessions = append(sessions, credential)
	}

	// сессия другого пользователя не учитывается
	_, err := store.CreateSession(ctx, NewCredential(t, "bob", now, 24*time.Hour), maxActive, now)
	require.NoError(t, err)

	issuedAt := now.Add(maxActive * time.Second)
	sixth := NewCredential(t, "alice", issuedAt, 24*time.Hour)
	evicted, err := store.CreateSession(ctx, sixth, maxActive, issuedAt)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, sessions[0].TokenHash, evicted[0].TokenHash)
	assert.Equal(t, model.RevokeReasonSessionLimit, evicted[0].RevokedReason.String)

	active, err := store.CountActive(ctx, "alice", issuedAt)
	require.NoError(t, err)
	assert.Equal(t, maxActive, active)

	oldest, err := store.FindByTokenHash(ctx, sessions[0].TokenHash)
	require.NoError(t, err)
	assert.True(t, oldest.Revoked)

	bobActive, err := store.CountActive(ctx, "bob", issuedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, bobActive)
}

func testConcurrentSessionsRespectCap(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	const maxActive = 3
	const logins = 12

	var wg sync.WaitGroup
	errs := make(chan error, logins)
	for i := 0; i < logins; i++ {
		credential := NewCredential(t, "alice", now, 24*time.Hour)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateSession(ctx, credential, maxActive, now)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	active, err := store.CountActive(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, maxActive, active)
}

func testRotate(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	old := NewCredential(t, "alice", now, 24*time.Hour)
	_, err := store.CreateSession(ctx, old, 5, now)
	require.NoError(t, err)

	rotatedAt := now.Add(time.Minute)
	replacement := NewCredential(t, "alice", rotatedAt, 24*time.Hour)
	rotated, err := store.Rotate(ctx, old.TokenHash, replacement, model.Revocation{At: rotatedAt, IP: "10.0.0.2"})
	require.NoError(t, err)

	assert.True(t, rotated.Revoked)
	assert.Equal(t, model.RevokeReasonRotated, rotated.RevokedReason.String)
	assert.Equal(t, replacement.TokenHash, rotated.ReplacedBy.String)
	assert.Equal(t, old.AccessTokenID, rotated.AccessTokenID)

	stored, err := store.FindByTokenHash(ctx, old.TokenHash)
	require.NoError(t, err)
	assert.True(t, stored.IsRotated())
	assert.Equal(t, "10.0.0.2", stored.RevokedByIP.String)

	fresh, err := store.FindByTokenHash(ctx, replacement.TokenHash)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive(rotatedAt))

	active, err := store.CountActive(ctx, "alice", rotatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func testRotateFailures(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()

	_, err := store.Rotate(ctx, "missing", NewCredential(t, "alice", now, time.Hour), model.Revocation{At: now})
	assert.ErrorIs(t, err, ports.ErrCredentialNotFound)

	expired := NewCredential(t, "alice", now.Add(-2*time.Hour), time.Hour)
	_, err = store.CreateSession(ctx, expired, 0, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = store.Rotate(ctx, expired.TokenHash, NewCredential(t, "alice", now, time.Hour), model.Revocation{At: now})
	assert.ErrorIs(t, err, ports.ErrCredentialExpired)

	foreign := NewCredential(t, "alice", now, time.Hour)
	_, err = store.CreateSession(ctx, foreign, 0, now)
	require.NoError(t, err)
	_, err = store.Rotate(ctx, foreign.TokenHash, NewCredential(t, "mallory", now, time.Hour), model.Revocation{At: now})
	assert.ErrorIs(t, err, ports.ErrCredentialNotFound)

	revoked := NewCredential(t, "alice", now, time.Hour)
	_, err = store.CreateSession(ctx, revoked, 0, now)
	require.NoError(t, err)
	_, err = store.Revoke(ctx, revoked.TokenHash, model.Revocation{At: now, Reason: model.RevokeReasonManual})
	require.NoError(t, err)

	replacement := NewCredential(t, "alice", now, time.Hour)
	_, err = store.Rotate(ctx, revoked.TokenHash, replacement, model.Revocation{At: now})
	assert.ErrorIs(t, err, ports.ErrCredentialAlreadyRevoked)

	// неудачная ротация не оставляет новую запись
	_, err = store.FindByTokenHash(ctx, replacement.TokenHash)
	assert.ErrorIs(t, err, ports.ErrCredentialNotFound)
}

func testConcurrentRotateSingleWinner(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	old := NewCredential(t, "alice", now, 24*time.Hour)
	_, err := store.CreateSession(ctx, old, 5, now)
	require.NoError(t, err)

	const n = 8
	replacements := make([]*model.Credential, n)
	for i := range replacements {
		replacements[i] = NewCredential(t, "alice", now, 24*time.Hour)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Rotate(ctx, old.TokenHash, replacements[i], model.Revocation{At: now})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, ports.ErrCredentialAlreadyRevoked)
	}
	assert.Equal(t, 1, winners)

	active, err := store.CountActive(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func testRevoke(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	credential := NewCredential(t, "alice", now, time.Hour)
	_, err := store.CreateSession(ctx, credential, 0, now)
	require.NoError(t, err)

	revocation := model.Revocation{At: now, IP: "10.0.0.3", Reason: model.RevokeReasonManual}
	revoked, err := store.Revoke(ctx, credential.TokenHash, revocation)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, model.RevokeReasonManual, revoked.RevokedReason.String)
	assert.False(t, revoked.ReplacedBy.Valid)

	_, err = store.Revoke(ctx, credential.TokenHash, revocation)
	assert.ErrorIs(t, err, ports.ErrCredentialAlreadyRevoked)

	_, err = store.Revoke(ctx, "missing", revocation)
	assert.ErrorIs(t, err, ports.ErrCredentialNotFound)
}

func testRevokeAllForPrincipal(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()

	for i := 0; i < 3; i++ {
		_, err := store.CreateSession(ctx, NewCredential(t, "alice", now, time.Hour), 0, now)
		require.NoError(t, err)
	}
	_, err := store.CreateSession(ctx, NewCredential(t, "bob", now, time.Hour), 0, now)
	require.NoError(t, err)

	revocation := model.Revocation{At: now, IP: "10.0.0.4", Reason: model.RevokeReasonLogout}
	revoked, err := store.RevokeAllForPrincipal(ctx, "alice", revocation)
	require.NoError(t, err)
	assert.Len(t, revoked, 3)

	revoked, err = store.RevokeAllForPrincipal(ctx, "alice", revocation)
	require.NoError(t, err)
	assert.Empty(t, revoked)

	active, err := store.CountActive(ctx, "bob", now)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func testListRevokedSince(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()

	early := NewCredential(t, "alice", now.Add(-time.Hour), 24*time.Hour)
	recent := NewCredential(t, "alice", now, 24*time.Hour)
	stale := NewCredential(t, "alice", now, 24*time.Hour)
	stale.AccessExpiresAt = now.Add(time.Minute)
	untouched := NewCredential(t, "alice", now, 24*time.Hour)

	for _, credential := range []*model.Credential{early, recent, stale, untouched} {
		_, err := store.CreateSession(ctx, credential, 0, credential.IssuedAt)
		require.NoError(t, err)
	}

	_, err := store.Revoke(ctx, early.TokenHash, model.Revocation{At: now.Add(-30 * time.Minute), Reason: model.RevokeReasonManual})
	require.NoError(t, err)
	_, err = store.Revoke(ctx, recent.TokenHash, model.Revocation{At: now.Add(time.Minute), Reason: model.RevokeReasonManual})
	require.NoError(t, err)
	_, err = store.Revoke(ctx, stale.TokenHash, model.Revocation{At: now.Add(time.Minute), Reason: model.RevokeReasonManual})
	require.NoError(t, err)

	entries, err := store.ListRevokedSince(ctx, now, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, recent.AccessTokenID, entries[0].AccessTokenID)
	assert.True(t, entries[0].ExpiresAt.Equal(recent.AccessExpiresAt))

	// access токен early истек сам, в кэше он не нужен
	entries, err = store.ListRevokedSince(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testDeleteExpired(t *testing.T, store ports.CredentialStore) {
	ctx := context.Background()
	now := baseTime()
	window := 24 * time.Hour

	longExpired := NewCredential(t, "alice", now.Add(-10*24*time.Hour), 24*time.Hour)
	justExpired := NewCredential(t, "alice", now.Add(-time.Hour-time.Minute), time.Hour)
	revokedLongAgo := NewCredential(t, "alice", now.Add(-5*24*time.Hour), 30*24*time.Hour)
	revokedRecently := NewCredential(t, "alice", now.Add(-time.Hour), 30*24*time.Hour)
	active := NewCredential(t, "alice", now, 30*24*time.Hour)

	for _, credential := range []*model.Credential{longExpired, justExpired, revokedLongAgo, revokedRecently, active} {
		_, err := store.CreateSession(ctx, credential, 0, credential.IssuedAt)
		require.NoError(t, err)
	}

	_, err := store.Revoke(ctx, revokedLongAgo.TokenHash, model.Revocation{At: now.Add(-3 * 24 * time.Hour), Reason: model.RevokeReasonManual})
	require.NoError(t, err)
	_, err = store.Revoke(ctx, revokedRecently.TokenHash, model.Revocation{At: now.Add(-time.Minute), Reason: model.RevokeReasonManual})
	require.NoError(t, err)

	deleted, err := store.DeleteExpired(ctx, now.Add(-window))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, gone := range []*model.Credential{longExpired, revokedLongAgo} {
		_, err := store.FindByTokenHash(ctx, gone.TokenHash)
		assert.ErrorIs(t, err, ports.ErrCredentialNotFound)
	}
	for _, kept := range []*model.Credential{justExpired, revokedRecently, active} {
		_, err := store.FindByTokenHash(ctx, kept.TokenHash)
		assert.NoError(t, err)
	}
}
