package service

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/repository/memory"
	"BankSecurityService/internal/revocation"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// 1
func TestLogin_IssuesUsablePair(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")

	pair := f.login(t, "alice")
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, f.clock.Now().Add(testRefreshTTL), pair.RefreshExpiresAt)
	assert.Equal(t, f.clock.Now().Add(testAccessTTL), pair.AccessExpiresAt)

	claims, err := f.service.Authorize(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.PrincipalID())
	assert.Equal(t, []string{"ROLE_USER"}, claims.Roles)

	f.audit.AssertCalled(t, "LogSuccessfulAuthentication", mock.Anything, user.ID, testIP)
}

// 2
func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")

	_, err := f.service.Login(context.Background(), "alice", "wrong", testIP, testDevice)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	f.audit.AssertCalled(t, "LogFailedAuthentication", mock.Anything, user.ID, testIP, "wrong password")
	f.audit.AssertNotCalled(t, "LogSuccessfulAuthentication", mock.Anything, mock.Anything, mock.Anything)
}

// 3
func TestLogin_UnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Login(context.Background(), "nobody", testPassword, testIP, testDevice)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	f.audit.AssertCalled(t, "LogFailedAuthentication", mock.Anything, "nobody", testIP, "unknown user")
}

type countingDirectory struct {
	*memory.UserDirectory
	mu     sync.Mutex
	checks int
}

func (d *countingDirectory) CheckPassword(user *model.User, secret string) bool {
	d.mu.Lock()
	d.checks++
	d.mu.Unlock()
	return d.UserDirectory.CheckPassword(user, secret)
}

func TestLogin_UnknownUserStillComparesPassword(t *testing.T) {
	f := newFixture(t)
	directory := &countingDirectory{UserDirectory: f.users}
	service := NewAuthenticationService(f.issuer, f.engine, directory, f.audit, revocation.NewGuard(f.cache, nil)).WithClock(f.clock.Now)

	_, err := service.Login(context.Background(), "nobody", testPassword, testIP, testDevice)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 1, directory.checks, "сравнение с паролем выполняется и для неизвестного имени")
}

// 4
func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.service.Login(ctx, "alice", "wrong", testIP, testDevice)
		require.ErrorIs(t, err, ErrAuthenticationFailed)
	}

	_, err := f.service.Login(ctx, "alice", testPassword, testIP, testDevice)
	assert.ErrorIs(t, err, ErrAuthenticationFailed, "верный пароль не помогает во время блокировки")

	f.clock.Advance(16 * time.Minute)
	_, err = f.service.Login(ctx, "alice", testPassword, testIP, testDevice)
	assert.NoError(t, err)
}

func TestLogin_ExpiredLockoutRestartsAttemptCount(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.service.Login(ctx, "alice", "wrong", testIP, testDevice)
		require.ErrorIs(t, err, ErrAuthenticationFailed)
	}
	f.clock.Advance(16 * time.Minute)

	_, err := f.service.Login(ctx, "alice", "wrong", testIP, testDevice)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	found, err := f.users.FindByName(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found.IsLockedOut(f.clock.Now()), "одна ошибка после блокировки не блокирует снова")
	assert.Equal(t, 1, found.FailedLoginCount)

	_, err = f.service.Login(ctx, "alice", testPassword, testIP, testDevice)
	assert.NoError(t, err)
	f.audit.AssertNotCalled(t, "LogFailedAuthentication", mock.Anything, user.ID, testIP, "account locked")
}

// 5: R1 -> R2, повтор R1 отзывает всю цепочку
func TestRefresh_RotationAndReplayRevokesChain(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")
	ctx := context.Background()

	first := f.login(t, "alice")
	second, err := f.service.Refresh(ctx, first.AccessToken, first.RefreshToken, testIP, testDevice)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	f.audit.AssertCalled(t, "LogTokenRefresh", mock.Anything, user.ID, testIP)

	_, err = f.service.Authorize(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked)
	_, err = f.service.Authorize(ctx, second.AccessToken)
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, first.AccessToken, first.RefreshToken, "10.0.0.66", "attacker")
	assert.ErrorIs(t, err, ErrReplayDetected)
	f.audit.AssertCalled(t, "LogReplayDetected", mock.Anything, user.ID, "10.0.0.66", mock.Anything)

	_, err = f.service.Authorize(ctx, second.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked, "access токен потомка отозван")
	_, err = f.service.Refresh(ctx, second.AccessToken, second.RefreshToken, testIP, testDevice)
	assert.ErrorIs(t, err, ErrInvalidCredentialPresented)
}

// 6
func TestRefresh_RejectPolicyKeepsSuccessor(t *testing.T) {
	f := newFixture(t, withReusePolicy(ReusePolicyReject))
	f.register(t, "alice")
	ctx := context.Background()

	first := f.login(t, "alice")
	second, err := f.service.Refresh(ctx, first.AccessToken, first.RefreshToken, testIP, testDevice)
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, first.AccessToken, first.RefreshToken, testIP, testDevice)
	assert.ErrorIs(t, err, ErrReplayDetected)
	f.audit.AssertCalled(t, "LogReplayDetected", mock.Anything, mock.Anything, testIP, mock.Anything)

	_, err = f.service.Authorize(ctx, second.AccessToken)
	assert.NoError(t, err)
	_, err = f.service.Refresh(ctx, second.AccessToken, second.RefreshToken, testIP, testDevice)
	assert.NoError(t, err)
}

// 7
func TestRefresh_AcceptsExpiredAccessToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	ctx := context.Background()

	pair := f.login(t, "alice")
	f.clock.Advance(testAccessTTL + time.Minute)

	_, err := f.service.Authorize(ctx, pair.AccessToken)
	assert.Error(t, err)

	refreshed, err := f.service.Refresh(ctx, pair.AccessToken, pair.RefreshToken, testIP, testDevice)
	require.NoError(t, err)
	_, err = f.service.Authorize(ctx, refreshed.AccessToken)
	assert.NoError(t, err)
}

// 8
func TestRefresh_RejectsMismatchedPair(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")
	f.register(t, "bob")
	ctx := context.Background()

	alice := f.login(t, "alice")
	aliceOther := f.login(t, "alice")
	bob := f.login(t, "bob")

	tests := []struct {
		name         string
		accessToken  string
		refreshToken string
		auditReason  ValidationFailure
	}{
		{"refresh from another session", alice.AccessToken, aliceOther.RefreshToken, FailureAccessTokenMismatch},
		{"refresh of another user", alice.AccessToken, bob.RefreshToken, FailurePrincipalMismatch},
		{"unknown refresh", alice.AccessToken, "bogus", FailureNotFound},
		{"forged access token", "not-a-jwt", alice.RefreshToken, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Refresh(ctx, tt.accessToken, tt.refreshToken, testIP, testDevice)
			assert.ErrorIs(t, err, ErrInvalidCredentialPresented)
			assert.NotErrorIs(t, err, ErrReplayDetected)
			if tt.auditReason != "" {
				f.audit.AssertCalled(t, "LogFailedAuthentication", mock.Anything, user.ID, testIP, string(tt.auditReason))
			}
		})
	}
	f.audit.AssertNotCalled(t, "LogReplayDetected", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err := f.service.Refresh(ctx, alice.AccessToken, alice.RefreshToken, testIP, testDevice)
	assert.NoError(t, err, "неудачные попытки не портят исходную сессию")
}

// 9
func TestRefresh_ConcurrentRequestsHaveSingleWinner(t *testing.T) {
	f := newFixture(t, withReusePolicy(ReusePolicyReject))
	user := f.register(t, "alice")
	ctx := context.Background()
	pair := f.login(t, "alice")

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Refresh(ctx, pair.AccessToken, pair.RefreshToken, testIP, testDevice)
			if err != nil && !errors.Is(err, ErrReplayDetected) {
				t.Errorf("неожиданная ошибка: %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	active, err := f.store.CountActive(ctx, user.ID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

// 10
func TestRevoke_BlocksAccessTokenImmediately(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")
	ctx := context.Background()
	pair := f.login(t, "alice")

	require.NoError(t, f.service.Revoke(ctx, pair.RefreshToken, testIP, ""))
	f.audit.AssertCalled(t, "LogTokenRevoked", mock.Anything, user.ID, testIP, model.RevokeReasonManual)

	_, err := f.service.Authorize(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RevokedAccessHits))

	assert.ErrorIs(t, f.service.Revoke(ctx, pair.RefreshToken, testIP, ""), ErrCredentialAlreadyRevoked)
	assert.ErrorIs(t, f.service.Revoke(ctx, "unknown", testIP, ""), ErrCredentialNotFound)

	_, err = f.service.Refresh(ctx, pair.AccessToken, pair.RefreshToken, testIP, testDevice)
	assert.ErrorIs(t, err, ErrInvalidCredentialPresented)
	assert.NotErrorIs(t, err, ErrReplayDetected)
}

// 11
func TestLogout_RevokesEverySession(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "alice")
	ctx := context.Background()

	first := f.login(t, "alice")
	second := f.login(t, "alice")

	count, err := f.service.Logout(ctx, user.ID, testIP)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	f.audit.AssertCalled(t, "LogUserLogout", mock.Anything, user.ID, testIP)

	for _, pair := range []*model.TokensPair{first, second} {
		_, err := f.service.Authorize(ctx, pair.AccessToken)
		assert.ErrorIs(t, err, ErrAccessTokenRevoked)
	}

	count, err = f.service.Logout(ctx, user.ID, testIP)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// 12
func TestLogin_SixthSessionEvictsFirst(t *testing.T) {
	f := newFixture(t, withMaxSessions(5))
	user := f.register(t, "alice")
	ctx := context.Background()

	pairs := make([]*model.TokensPair, 0, 6)
	for i := 0; i < 6; i++ {
		pairs = append(pairs, f.login(t, "alice"))
		f.clock.Advance(time.Second)
	}

	f.audit.AssertCalled(t, "LogTokenRevoked", mock.Anything, user.ID, testIP, model.RevokeReasonSessionLimit)
	f.audit.AssertNumberOfCalls(t, "LogTokenRevoked", 1)

	_, err := f.service.Authorize(ctx, pairs[0].AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked)
	_, err = f.service.Refresh(ctx, pairs[0].AccessToken, pairs[0].RefreshToken, testIP, testDevice)
	assert.ErrorIs(t, err, ErrInvalidCredentialPresented)
	f.audit.AssertCalled(t, "LogFailedAuthentication", mock.Anything, user.ID, testIP, string(FailureRevoked))

	for _, pair := range pairs[1:] {
		_, err := f.service.Authorize(ctx, pair.AccessToken)
		assert.NoError(t, err)
	}
}

// 13
func TestAuthorize_RejectsGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Authorize(context.Background(), "garbage")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccessTokenRevoked)
}
