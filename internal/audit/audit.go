// Package audit журнал событий аутентификации.
//
// Recorder реализует ports.AuditSink и пишет каждое событие во все
// подключенные Backend. Ошибки записи логируются и не прерывают
// операцию, вызвавшую аудит.
package audit

import (
	"BankSecurityService/internal/logging"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var _ ports.AuditSink = (*Recorder)(nil)

type Backend interface {
	Write(ctx context.Context, event model.AuditEvent) error
}

type Recorder struct {
	backends []Backend
	now      func() time.Time
}

func NewRecorder(backends ...Backend) *Recorder {
	return &Recorder{backends: backends, now: time.Now}
}

func (recorder *Recorder) LogSuccessfulAuthentication(ctx context.Context, principalID string, ip string) {
	recorder.record(ctx, model.AuditLoginSucceeded, principalID, ip, "")
}

func (recorder *Recorder) LogFailedAuthentication(ctx context.Context, principalID string, ip string, reason string) {
	recorder.record(ctx, model.AuditLoginFailed, principalID, ip, reason)
}

func (recorder *Recorder) LogTokenRefresh(ctx context.Context, principalID string, ip string) {
	recorder.record(ctx, model.AuditTokenRefreshed, principalID, ip, "")
}

func (recorder *Recorder) LogUserLogout(ctx context.Context, principalID string, ip string) {
	recorder.record(ctx, model.AuditLogout, principalID, ip, "")
}

func (recorder *Recorder) LogTokenRevoked(ctx context.Context, principalID string, ip string, reason string) {
	recorder.record(ctx, model.AuditTokenRevoked, principalID, ip, reason)
}

func (recorder *Recorder) LogReplayDetected(ctx context.Context, principalID string, ip string, reason string) {
	recorder.record(ctx, model.AuditReplayDetected, principalID, ip, reason)
}

func (recorder *Recorder) record(ctx context.Context, event string, principalID string, ip string, reason string) {
	entry := model.AuditEvent{
		ID:            uuid.New().String(),
		OccurredAt:    recorder.now().UTC(),
		Event:         event,
		PrincipalID:   principalID,
		IP:            ip,
		Reason:        reason,
		CorrelationID: logging.CorrelationID(ctx),
	}

	for _, backend := range recorder.backends {
		if err := backend.Write(ctx, entry); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("event", event).Msg("не удалось записать событие аудита")
		}
	}
}
