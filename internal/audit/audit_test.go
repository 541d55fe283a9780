package audit

import (
	"BankSecurityService/internal/logging"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/notifier"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureBackend struct {
	mu     sync.Mutex
	events []model.AuditEvent
	err    error
}

func (backend *captureBackend) Write(_ context.Context, event model.AuditEvent) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.events = append(backend.events, event)
	return backend.err
}

func TestRecorder_WritesEveryEventToAllBackends(t *testing.T) {
	first := &captureBackend{}
	second := &captureBackend{err: errors.New("disk full")}
	recorder := NewRecorder(first, second)

	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	recorder.LogSuccessfulAuthentication(ctx, "alice", "10.0.0.1")
	recorder.LogFailedAuthentication(ctx, "alice", "10.0.0.1", "wrong password")
	recorder.LogTokenRefresh(ctx, "alice", "10.0.0.1")
	recorder.LogTokenRevoked(ctx, "alice", "10.0.0.1", model.RevokeReasonManual)
	recorder.LogReplayDetected(ctx, "alice", "10.0.0.9", "rotated token reused")
	recorder.LogUserLogout(ctx, "alice", "10.0.0.1")

	require.Len(t, first.events, 6)
	require.Len(t, second.events, 6)

	events := make([]string, 0, len(first.events))
	for _, event := range first.events {
		events = append(events, event.Event)
		assert.Equal(t, "corr-1", event.CorrelationID)
		assert.NotEmpty(t, event.ID)
		assert.Equal(t, "alice", event.PrincipalID)
	}
	assert.Equal(t, []string{
		model.AuditLoginSucceeded,
		model.AuditLoginFailed,
		model.AuditTokenRefreshed,
		model.AuditTokenRevoked,
		model.AuditReplayDetected,
		model.AuditLogout,
	}, events)
	assert.Equal(t, "wrong password", first.events[1].Reason)
}

func TestLogBackend_WritesStructuredEntry(t *testing.T) {
	var buffer bytes.Buffer
	backend := NewLogBackend(zerolog.New(&buffer))

	err := backend.Write(context.Background(), model.AuditEvent{
		Event:       model.AuditReplayDetected,
		PrincipalID: "alice",
		IP:          "10.0.0.9",
		Reason:      "rotated token reused",
		OccurredAt:  time.Now(),
	})
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, model.AuditReplayDetected, entry["event"])
	assert.Equal(t, "alice", entry["principal_id"])
	assert.Equal(t, "audit", entry["component"])
}

func TestWebhookBackend_SendsOnlyReplayAlerts(t *testing.T) {
	var mu sync.Mutex
	var received []notifier.SecurityAlert

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert notifier.SecurityAlert
		if err := json.NewDecoder(r.Body).Decode(&alert); err == nil {
			mu.Lock()
			received = append(received, alert)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	backend := NewWebhookBackend(notifier.NewWebhook(server.URL, time.Second), time.Second)
	recorder := NewRecorder(backend)

	recorder.LogTokenRefresh(context.Background(), "alice", "10.0.0.1")
	recorder.LogReplayDetected(context.Background(), "alice", "10.0.0.9", "rotated token reused")
	backend.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, model.AuditReplayDetected, received[0].Event)
	assert.Equal(t, "10.0.0.9", received[0].IP)
}

func TestWebhook_ReportsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := notifier.NewWebhook(server.URL, time.Second).Notify(context.Background(), notifier.SecurityAlert{Event: "x"})
	assert.Error(t, err)
}
