package model

import "time"

// События аудита
const (
	AuditLoginSucceeded = "auth.login.success"
	AuditLoginFailed    = "auth.login.failure"
	AuditTokenRefreshed = "auth.token.refresh"
	AuditTokenRevoked   = "auth.token.revoke"
	AuditReplayDetected = "auth.token.replay"
	AuditLogout         = "auth.logout"
)

type AuditEvent struct {
	ID            string    `db:"id" json:"id"`
	OccurredAt    time.Time `db:"occurred_at" json:"occurredAt"`
	Event         string    `db:"event" json:"event"`
	PrincipalID   string    `db:"principal_id" json:"principalId"`
	IP            string    `db:"ip" json:"ip"`
	Reason        string    `db:"reason" json:"reason,omitempty"`
	CorrelationID string    `db:"correlation_id" json:"correlationId,omitempty"`
}
