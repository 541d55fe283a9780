package server

import (
	"BankSecurityService/config"
	"BankSecurityService/internal/logging"
	"BankSecurityService/internal/metrics"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupRouter_HealthAndMetrics(t *testing.T) {
	healthy := true
	registry := metrics.New(prometheus.NewRegistry())
	registry.SessionsIssued.Inc()

	router := SetupRouter(registry.Handler(), func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("database down")
	})

	response := httptest.NewRecorder()
	router.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, response.Code)
	assert.NotEmpty(t, response.Header().Get(logging.CorrelationIDHeader))

	healthy = false
	response = httptest.NewRecorder()
	router.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, response.Code)

	response = httptest.NewRecorder()
	router.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "security_sessions_issued_total 1")
}

func TestSetupRedis(t *testing.T) {
	client, err := SetupRedis(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client, "без адреса рассылка отключена")

	server := miniredis.RunT(t)
	client, err = SetupRedis(context.Background(), config.RedisConfig{Address: server.Addr(), Channel: "revocations"})
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.NoError(t, client.Close())

	server.Close()
	_, err = SetupRedis(context.Background(), config.RedisConfig{Address: server.Addr()})
	assert.Error(t, err)
}
