package model

import (
	"database/sql"
	"time"
)

// Причины отзыва refresh токена
const (
	RevokeReasonRotated       = "rotated"
	RevokeReasonSessionLimit  = "session limit exceeded"
	RevokeReasonLogout        = "logout"
	RevokeReasonReplay        = "replay detected"
	RevokeReasonManual        = "revoked by user"
	RevokeReasonAdministrator = "revoked by administrator"
)

// Credential долгоживущий refresh токен, хранимый в БД.
// TokenHash: SHA-256 от выданного клиенту значения, само значение не хранится.
type Credential struct {
	TokenHash       string         `db:"token_hash"`
	AccessTokenID   string         `db:"access_token_id"`
	AccessExpiresAt time.Time      `db:"access_expires_at"`
	PrincipalID     string         `db:"principal_id"`
	ExpiresAt       time.Time      `db:"expires_at"`
	IssuedAt        time.Time      `db:"issued_at"`
	IssuedFromIP    string         `db:"issued_from_ip"`
	DeviceInfo      string         `db:"device_info"`
	Revoked         bool           `db:"revoked"`
	RevokedAt       sql.NullTime   `db:"revoked_at"`
	RevokedByIP     sql.NullString `db:"revoked_by_ip"`
	RevokedReason   sql.NullString `db:"revoked_reason"`
	ReplacedBy      sql.NullString `db:"replaced_by"`

	// Token открытое значение, заполняется только при выдаче
	Token string `db:"-"`
}

// IsActive сессия активна, если токен не отозван и не истек
func (credential *Credential) IsActive(now time.Time) bool {
	return !credential.Revoked && credential.ExpiresAt.After(now)
}

// IsRotated токен был заменен при ротации
func (credential *Credential) IsRotated() bool {
	return credential.Revoked && credential.ReplacedBy.Valid
}

// RevocationEntry запись кэша отозванных access токенов
type RevocationEntry struct {
	AccessTokenID string    `db:"access_token_id" json:"accessTokenId"`
	ExpiresAt     time.Time `db:"access_expires_at" json:"expiresAt"`
}

// Revocation параметры отзыва: кто, когда и почему
type Revocation struct {
	At     time.Time
	IP     string
	Reason string
}

// AccessToken подписанный access токен и его метаданные
type AccessToken struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// TokensPair содержит пару access и refresh токенов
// swagger:model
type TokensPair struct {
	// Access токен (JWT)
	// example: eyJhbGciOiJIUzUxMiIsInR5cCI6IkpXVCJ9...
	AccessToken string `json:"accessToken"`

	// Refresh токен (для получения новой пары)
	// example: vcSi0369y1I62wOpxZFpgZ...
	RefreshToken string `json:"refreshToken"`

	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
