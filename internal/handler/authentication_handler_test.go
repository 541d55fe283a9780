package handler

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/security"
	"BankSecurityService/internal/service"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAuthenticationService struct {
	mock.Mock
}

func (m *MockAuthenticationService) Authorize(ctx context.Context, accessToken string) (*security.Claims, error) {
	args := m.Called(ctx, accessToken)
	claims, _ := args.Get(0).(*security.Claims)
	return claims, args.Error(1)
}

func (m *MockAuthenticationService) Login(ctx context.Context, username string, secret string, ip string, device string) (*model.TokensPair, error) {
	args := m.Called(ctx, username, secret, ip, device)
	pair, _ := args.Get(0).(*model.TokensPair)
	return pair, args.Error(1)
}

func (m *MockAuthenticationService) Refresh(ctx context.Context, accessToken string, refreshToken string, ip string, device string) (*model.TokensPair, error) {
	args := m.Called(ctx, accessToken, refreshToken, ip, device)
	pair, _ := args.Get(0).(*model.TokensPair)
	return pair, args.Error(1)
}

func (m *MockAuthenticationService) Revoke(ctx context.Context, refreshToken string, ip string, reason string) error {
	return m.Called(ctx, refreshToken, ip, reason).Error(0)
}

func (m *MockAuthenticationService) Logout(ctx context.Context, principalID string, ip string) (int, error) {
	args := m.Called(ctx, principalID, ip)
	return args.Int(0), args.Error(1)
}

func newRouter(mockService *MockAuthenticationService) http.Handler {
	router := chi.NewRouter()
	NewAuthenticationHandler(mockService, time.Second).Mount(router)
	return router
}

func serve(router http.Handler, method string, path string, body string, accessToken string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.RemoteAddr = "10.0.0.1:52345"
	request.Header.Set("User-Agent", "test-agent")
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func aliceClaims() *security.Claims {
	return &security.Claims{
		Roles:            []string{"ROLE_USER"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice-id", ID: "jti-1"},
	}
}

func TestLogin_ReturnsTokensPair(t *testing.T) {
	mockService := new(MockAuthenticationService)
	pair := &model.TokensPair{AccessToken: "access", RefreshToken: "refresh"}
	mockService.On("Login", mock.Anything, "alice", "secret", "10.0.0.1", "test-agent").Return(pair, nil)

	response := serve(newRouter(mockService), http.MethodPost, "/api-auth/login", `{"username":"alice","password":"secret"}`, "")

	require.Equal(t, http.StatusOK, response.Code)
	var body model.TokensPair
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Equal(t, "access", body.AccessToken)
	assert.Equal(t, "refresh", body.RefreshToken)
	mockService.AssertExpectations(t)
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"wrong password", `{"username":"alice","password":"bad"}`, service.ErrAuthenticationFailed, http.StatusUnauthorized},
		{"store unavailable", `{"username":"alice","password":"bad"}`, fmt.Errorf("поиск пользователя: %w", service.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"malformed json", `{"username":`, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockAuthenticationService)
			mockService.On("Login", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			response := serve(newRouter(mockService), http.MethodPost, "/api-auth/login", tt.body, "")
			assert.Equal(t, tt.status, response.Code)
		})
	}
}

func TestRefreshToken_RequiresAuthorizationHeader(t *testing.T) {
	mockService := new(MockAuthenticationService)

	response := serve(newRouter(mockService), http.MethodPost, "/api-auth/refresh-token", `{"refreshToken":"r1"}`, "")
	assert.Equal(t, http.StatusUnauthorized, response.Code)
	mockService.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshToken_ReplayLooksLikeInvalidToken(t *testing.T) {
	responses := make([]*httptest.ResponseRecorder, 0, 2)
	for _, err := range []error{service.ErrInvalidCredentialPresented, service.ErrReplayDetected} {
		mockService := new(MockAuthenticationService)
		mockService.On("Refresh", mock.Anything, "a1", "r1", "10.0.0.1", "test-agent").Return(nil, err)

		responses = append(responses, serve(newRouter(mockService), http.MethodPost, "/api-auth/refresh-token", `{"refreshToken":"r1"}`, "a1"))
	}

	assert.Equal(t, http.StatusUnauthorized, responses[0].Code)
	assert.Equal(t, responses[0].Code, responses[1].Code)
	assert.Equal(t, responses[0].Body.String(), responses[1].Body.String())
}

func TestRefreshToken_Success(t *testing.T) {
	mockService := new(MockAuthenticationService)
	mockService.On("Refresh", mock.Anything, "a1", "r1", "10.0.0.1", "test-agent").
		Return(&model.TokensPair{AccessToken: "a2", RefreshToken: "r2"}, nil)

	response := serve(newRouter(mockService), http.MethodPost, "/api-auth/refresh-token", `{"refreshToken":"r1"}`, "a1")

	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), `"refreshToken":"r2"`)
}

func TestRevoke_MapsOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"revoked", nil, http.StatusOK},
		{"not found", service.ErrCredentialNotFound, http.StatusNotFound},
		{"already revoked", service.ErrCredentialAlreadyRevoked, http.StatusConflict},
		{"store unavailable", service.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockAuthenticationService)
			mockService.On("Revoke", mock.Anything, "r1", "10.0.0.1", "lost phone").Return(tt.err)

			response := serve(newRouter(mockService), http.MethodPost, "/api-auth/revoke", `{"refreshToken":"r1","reason":"lost phone"}`, "")
			assert.Equal(t, tt.status, response.Code)
			mockService.AssertExpectations(t)
		})
	}
}

func TestGetCurrentUser(t *testing.T) {
	mockService := new(MockAuthenticationService)
	mockService.On("Authorize", mock.Anything, "good").Return(aliceClaims(), nil)
	mockService.On("Authorize", mock.Anything, "revoked").Return(nil, errors.New("access токен отозван"))
	router := newRouter(mockService)

	response := serve(router, http.MethodGet, "/api-auth/me", "", "good")
	require.Equal(t, http.StatusOK, response.Code)
	var body CurrentUserResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Equal(t, "alice-id", body.PrincipalID)
	assert.Equal(t, []string{"ROLE_USER"}, body.Roles)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/api-auth/me", "", "revoked").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/api-auth/me", "", "").Code)
}

func TestLogout_RevokesSessionsOfCaller(t *testing.T) {
	mockService := new(MockAuthenticationService)
	mockService.On("Authorize", mock.Anything, "good").Return(aliceClaims(), nil)
	mockService.On("Logout", mock.Anything, "alice-id", "10.0.0.1").Return(3, nil)

	response := serve(newRouter(mockService), http.MethodPost, "/api-auth/logout", "", "good")

	require.Equal(t, http.StatusOK, response.Code)
	var body MessageResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	require.NotNil(t, body.RevokedSessions)
	assert.Equal(t, 3, *body.RevokedSessions)
	mockService.AssertExpectations(t)
}
