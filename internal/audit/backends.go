package audit

import (
	"BankSecurityService/internal"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/notifier"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogBackend пишет события в структурированный лог
type LogBackend struct {
	logger zerolog.Logger
}

func NewLogBackend(logger zerolog.Logger) *LogBackend {
	return &LogBackend{logger: logger.With().Str("component", "audit").Logger()}
}

func (backend *LogBackend) Write(_ context.Context, event model.AuditEvent) error {
	level := zerolog.InfoLevel
	if event.Event == model.AuditReplayDetected || event.Event == model.AuditLoginFailed {
		level = zerolog.WarnLevel
	}

	backend.logger.WithLevel(level).
		Str("event", event.Event).
		Str("principal_id", event.PrincipalID).
		Str("ip", event.IP).
		Str("reason", event.Reason).
		Str("correlation_id", event.CorrelationID).
		Time("occurred_at", event.OccurredAt).
		Msg("аудит")
	return nil
}

// DatabaseBackend сохраняет события в таблицу audit_events
type DatabaseBackend struct {
	*internal.Database
}

func NewDatabaseBackend(database *internal.Database) *DatabaseBackend {
	return &DatabaseBackend{database}
}

func (backend *DatabaseBackend) Write(ctx context.Context, event model.AuditEvent) error {
	query := `INSERT INTO audit_events (id, occurred_at, event, principal_id, ip, reason, correlation_id)
			  VALUES (:id, :occurred_at, :event, :principal_id, :ip, :reason, :correlation_id)`

	if _, err := backend.DB.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("ошибка вставки события аудита: %w", err)
	}
	return nil
}

// WebhookBackend оповещает службу безопасности о повторном использовании токенов.
// Отправка асинхронная, чтобы не задерживать ответ клиенту.
type WebhookBackend struct {
	webhook *notifier.Webhook
	timeout time.Duration
	events  map[string]bool
	wg      sync.WaitGroup
}

func NewWebhookBackend(webhook *notifier.Webhook, timeout time.Duration) *WebhookBackend {
	return &WebhookBackend{
		webhook: webhook,
		timeout: timeout,
		events: map[string]bool{
			model.AuditReplayDetected: true,
		},
	}
}

func (backend *WebhookBackend) Write(ctx context.Context, event model.AuditEvent) error {
	if !backend.events[event.Event] {
		return nil
	}

	alert := notifier.SecurityAlert{
		Event:         event.Event,
		PrincipalID:   event.PrincipalID,
		IP:            event.IP,
		Reason:        event.Reason,
		CorrelationID: event.CorrelationID,
		TimeStamp:     event.OccurredAt.Format(time.RFC3339),
	}
	logger := zerolog.Ctx(ctx)

	backend.wg.Add(1)
	go func() {
		defer backend.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.Background(), backend.timeout)
		defer cancel()

		if err := backend.webhook.Notify(sendCtx, alert); err != nil {
			logger.Error().Err(err).Msg("ошибка отправки webhook")
		}
	}()
	return nil
}

// Wait дожидается отправки уже поставленных уведомлений
func (backend *WebhookBackend) Wait() {
	backend.wg.Wait()
}
