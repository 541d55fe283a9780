package ports

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/security"
	"context"
	"errors"
	"time"
)

var (
	ErrCredentialNotFound       = errors.New("refresh токен не найден")
	ErrCredentialAlreadyRevoked = errors.New("refresh токен уже отозван")
	ErrCredentialExpired        = errors.New("refresh токен просрочен")
	ErrDuplicateCredential      = errors.New("refresh токен с таким значением уже существует")
	ErrUserNotFound             = errors.New("пользователь не найден")
)

// CredentialStore хранилище refresh токенов. Все методы атомарны:
// при ошибке (в том числе при отмене контекста) состояние не меняется.
type CredentialStore interface {
	// CreateSession сериализуется по principalID: считает активные сессии,
	// при достижении лимита отзывает самые старые и вставляет новую запись.
	// Возвращает вытесненные сессии.
	CreateSession(ctx context.Context, credential *model.Credential, maxActive int, now time.Time) ([]model.Credential, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Credential, error)
	// Rotate отзывает активный токен oldTokenHash и вставляет replacement одной операцией.
	// Возвращает старый токен в состоянии после отзыва.
	Rotate(ctx context.Context, oldTokenHash string, replacement *model.Credential, revocation model.Revocation) (*model.Credential, error)
	Revoke(ctx context.Context, tokenHash string, revocation model.Revocation) (*model.Credential, error)
	RevokeAllForPrincipal(ctx context.Context, principalID string, revocation model.Revocation) ([]model.Credential, error)
	CountActive(ctx context.Context, principalID string, now time.Time) (int, error)
	// ListRevokedSince access токены сессий, отозванных начиная с since, которые еще не истекли к now
	ListRevokedSince(ctx context.Context, since time.Time, now time.Time) ([]model.RevocationEntry, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type PrincipalDirectory interface {
	FindByName(ctx context.Context, username string) (*model.User, error)
	CheckPassword(user *model.User, secret string) bool
	RecordFailedLogin(ctx context.Context, userID string, now time.Time) error
	RecordSuccessfulLogin(ctx context.Context, userID string, ip string, now time.Time) error
}

type AuditSink interface {
	LogSuccessfulAuthentication(ctx context.Context, principalID string, ip string)
	LogFailedAuthentication(ctx context.Context, principalID string, ip string, reason string)
	LogTokenRefresh(ctx context.Context, principalID string, ip string)
	LogUserLogout(ctx context.Context, principalID string, ip string)
	LogTokenRevoked(ctx context.Context, principalID string, ip string, reason string)
	LogReplayDetected(ctx context.Context, principalID string, ip string, reason string)
}

type AccessTokenIssuer interface {
	Issue(principalID string, roles []string) (*model.AccessToken, error)
	Parse(token string) (*security.Claims, error)
	ParseForRefresh(token string) (*security.Claims, error)
}

// RevocationRecorder принимает отозванные access токены для немедленной блокировки на узле
type RevocationRecorder interface {
	Add(entries ...model.RevocationEntry)
}

type RevocationGuard interface {
	IsRevoked(accessTokenID string) bool
}
