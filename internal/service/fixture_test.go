package service

import (
	"BankSecurityService/internal/metrics"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/repository"
	"BankSecurityService/internal/repository/memory"
	"BankSecurityService/internal/revocation"
	"BankSecurityService/internal/security"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 24 * time.Hour
	testPassword   = "correct horse battery staple"
	testIP         = "10.0.0.1"
	testDevice     = "test-agent"
)

type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) LogSuccessfulAuthentication(ctx context.Context, principalID string, ip string) {
	m.Called(ctx, principalID, ip)
}

func (m *MockAuditSink) LogFailedAuthentication(ctx context.Context, principalID string, ip string, reason string) {
	m.Called(ctx, principalID, ip, reason)
}

func (m *MockAuditSink) LogTokenRefresh(ctx context.Context, principalID string, ip string) {
	m.Called(ctx, principalID, ip)
}

func (m *MockAuditSink) LogUserLogout(ctx context.Context, principalID string, ip string) {
	m.Called(ctx, principalID, ip)
}

func (m *MockAuditSink) LogTokenRevoked(ctx context.Context, principalID string, ip string, reason string) {
	m.Called(ctx, principalID, ip, reason)
}

func (m *MockAuditSink) LogReplayDetected(ctx context.Context, principalID string, ip string, reason string) {
	m.Called(ctx, principalID, ip, reason)
}

// allowAll разрешает любые вызовы, проверки делаются через AssertCalled
func (m *MockAuditSink) allowAll() {
	m.On("LogSuccessfulAuthentication", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogFailedAuthentication", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogTokenRefresh", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogUserLogout", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogTokenRevoked", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogReplayDetected", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock   *testClock
	store   *memory.CredentialStore
	users   *memory.UserDirectory
	cache   *revocation.Cache
	issuer  *security.AccessTokenIssuer
	engine  *RefreshTokenEngine
	audit   *MockAuditSink
	metrics *metrics.Metrics
	service *AuthenticationService
}

type fixtureOption func(config *EngineConfig)

func withMaxSessions(limit int) fixtureOption {
	return func(config *EngineConfig) { config.MaxActiveSessions = limit }
}

func withReusePolicy(policy ReusePolicy) fixtureOption {
	return func(config *EngineConfig) { config.ReusePolicy = policy }
}

func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()

	config := EngineConfig{
		RefreshTokenTTL:   testRefreshTTL,
		MaxActiveSessions: 5,
		ReusePolicy:       ReusePolicyRevokeChain,
	}
	for _, option := range options {
		option(&config)
	}

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	store := memory.NewCredentialStore()
	users := memory.NewUserDirectory(repository.LockoutPolicy{MaxFailedAttempts: 3, Duration: 15 * time.Minute})
	cache := revocation.NewCache(store, testAccessTTL, revocation.WithClock(clock.Now))
	issuer := security.NewAccessTokenIssuer([]byte("test-secret"), "bank-security-test", testAccessTTL).WithClock(clock.Now)
	registry := metrics.New(prometheus.NewRegistry())
	engine := NewRefreshTokenEngine(store, cache, registry, config).WithClock(clock.Now)

	audit := new(MockAuditSink)
	audit.allowAll()

	guard := revocation.NewGuard(cache, registry.RevokedAccessHits.Inc)
	service := NewAuthenticationService(issuer, engine, users, audit, guard).WithClock(clock.Now)

	return &fixture{
		clock:   clock,
		store:   store,
		users:   users,
		cache:   cache,
		issuer:  issuer,
		engine:  engine,
		audit:   audit,
		metrics: registry,
		service: service,
	}
}

func (f *fixture) register(t *testing.T, username string) *model.User {
	t.Helper()
	user, err := f.users.Register(username, testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	return user
}

func (f *fixture) login(t *testing.T, username string) *model.TokensPair {
	t.Helper()
	pair, err := f.service.Login(context.Background(), username, testPassword, testIP, testDevice)
	require.NoError(t, err)
	return pair
}

// issue выдает сессию напрямую через движок, минуя проверку пароля
func (f *fixture) issue(t *testing.T, principalID string) (*model.AccessToken, *model.Credential) {
	t.Helper()
	accessToken, err := f.issuer.Issue(principalID, []string{"ROLE_USER"})
	require.NoError(t, err)

	credential, _, err := f.engine.IssueSession(context.Background(), SessionRequest{
		PrincipalID:     principalID,
		AccessTokenID:   accessToken.TokenID,
		AccessExpiresAt: accessToken.ExpiresAt,
		IP:              testIP,
		Device:          testDevice,
	})
	require.NoError(t, err)
	return accessToken, credential
}
