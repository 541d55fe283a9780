package service

import (
	"BankSecurityService/internal/metrics"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"BankSecurityService/internal/security"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReusePolicy реакция на повторное предъявление уже замененного refresh токена
type ReusePolicy string

const (
	// ReusePolicyRevokeChain отзывает всех активных потомков токена
	ReusePolicyRevokeChain ReusePolicy = "revoke_chain"
	// ReusePolicyReject только отклоняет попытку
	ReusePolicyReject ReusePolicy = "reject"
)

const maxChainDepth = 1024

type EngineConfig struct {
	RefreshTokenTTL   time.Duration
	MaxActiveSessions int
	ReusePolicy       ReusePolicy
}

// RefreshTokenEngine выдает, проверяет, ротирует и отзывает refresh токены.
// Источник истины: CredentialStore; каждый отзыв сразу попадает в кэш
// отозванных access токенов текущего узла.
type RefreshTokenEngine struct {
	store       ports.CredentialStore
	revocations ports.RevocationRecorder
	metrics     *metrics.Metrics
	config      EngineConfig
	now         func() time.Time
}

func NewRefreshTokenEngine(store ports.CredentialStore, revocations ports.RevocationRecorder, metrics *metrics.Metrics, config EngineConfig) *RefreshTokenEngine {
	return &RefreshTokenEngine{
		store:       store,
		revocations: revocations,
		metrics:     metrics,
		config:      config,
		now:         time.Now,
	}
}

// WithClock подменяет источник времени, используется в тестах
func (engine *RefreshTokenEngine) WithClock(now func() time.Time) *RefreshTokenEngine {
	engine.now = now
	return engine
}

func (engine *RefreshTokenEngine) ReusePolicy() ReusePolicy {
	return engine.config.ReusePolicy
}

// SessionRequest параметры новой сессии
type SessionRequest struct {
	PrincipalID     string
	AccessTokenID   string
	AccessExpiresAt time.Time
	IP              string
	Device          string
}

// IssueSession создает refresh токен. Если у пользователя уже максимум
// активных сессий, самые старые отзываются в той же транзакции и
// возвращаются вторым значением.
func (engine *RefreshTokenEngine) IssueSession(ctx context.Context, request SessionRequest) (*model.Credential, []model.Credential, error) {
	credential, err := engine.newCredential(request)
	if err != nil {
		return nil, nil, err
	}

	evicted, err := engine.store.CreateSession(ctx, credential, engine.config.MaxActiveSessions, credential.IssuedAt)
	if err != nil {
		return nil, nil, storeFailure(ctx, "выдача сессии", err)
	}
	engine.metrics.SessionsIssued.Inc()

	if len(evicted) > 0 {
		zerolog.Ctx(ctx).Info().
			Str("principal_id", request.PrincipalID).
			Int("evicted", len(evicted)).
			Int("limit", engine.config.MaxActiveSessions).
			Msg("превышен лимит сессий, старые сессии отозваны")
		engine.metrics.SessionsEvicted.Add(float64(len(evicted)))
		engine.metrics.TokensRevoked.WithLabelValues(model.RevokeReasonSessionLimit).Add(float64(len(evicted)))
		engine.revocations.Add(revocationEntries(evicted)...)
	}

	return credential, evicted, nil
}

// Validate проверяет, что токен существует, принадлежит principalID, выдан вместе
// с accessTokenID, не истек и не отозван. Любой отказ возвращается как *InvalidCredentialError.
func (engine *RefreshTokenEngine) Validate(ctx context.Context, token string, accessTokenID string, principalID string) (*model.Credential, error) {
	credential, err := engine.store.FindByTokenHash(ctx, security.HashRefreshToken(token))
	if errors.Is(err, ports.ErrCredentialNotFound) {
		return nil, engine.reject(ctx, FailureNotFound, nil, principalID)
	}
	if err != nil {
		return nil, storeFailure(ctx, "проверка refresh токена", err)
	}

	switch {
	case credential.PrincipalID != principalID:
		return nil, engine.reject(ctx, FailurePrincipalMismatch, credential, principalID)
	case credential.AccessTokenID != accessTokenID:
		return nil, engine.reject(ctx, FailureAccessTokenMismatch, credential, principalID)
	case credential.IsRotated():
		return nil, engine.reject(ctx, FailureRotated, credential, principalID)
	case credential.Revoked:
		return nil, engine.reject(ctx, FailureRevoked, credential, principalID)
	case !credential.ExpiresAt.After(engine.now()):
		return nil, engine.reject(ctx, FailureExpired, credential, principalID)
	}

	return credential, nil
}

// Rotate атомарно отзывает old и выдает ему замену. Если old уже отозван
// конкурентным запросом, возвращает ErrReplayDetected: успешен только первый.
func (engine *RefreshTokenEngine) Rotate(ctx context.Context, old *model.Credential, accessTokenID string, accessExpiresAt time.Time, ip string, device string) (*model.Credential, error) {
	replacement, err := engine.newCredential(SessionRequest{
		PrincipalID:     old.PrincipalID,
		AccessTokenID:   accessTokenID,
		AccessExpiresAt: accessExpiresAt,
		IP:              ip,
		Device:          device,
	})
	if err != nil {
		return nil, err
	}

	revocation := model.Revocation{At: replacement.IssuedAt, IP: ip, Reason: model.RevokeReasonRotated}
	rotated, err := engine.store.Rotate(ctx, old.TokenHash, replacement, revocation)
	switch {
	case errors.Is(err, ports.ErrCredentialAlreadyRevoked):
		engine.metrics.ReplaysDetected.Inc()
		zerolog.Ctx(ctx).Warn().Str("principal_id", old.PrincipalID).Msg("refresh токен уже отозван конкурентным запросом")
		return nil, ErrReplayDetected
	case errors.Is(err, ports.ErrCredentialNotFound):
		return nil, engine.reject(ctx, FailureNotFound, old, old.PrincipalID)
	case errors.Is(err, ports.ErrCredentialExpired):
		return nil, engine.reject(ctx, FailureExpired, old, old.PrincipalID)
	case err != nil:
		return nil, storeFailure(ctx, "ротация refresh токена", err)
	}

	engine.metrics.TokensRotated.Inc()
	engine.revocations.Add(revocationEntries([]model.Credential{*rotated})...)

	return replacement, nil
}

// Revoke отзывает один токен. Повторный отзыв возвращает ErrCredentialAlreadyRevoked,
// для неизвестного токена ErrCredentialNotFound.
func (engine *RefreshTokenEngine) Revoke(ctx context.Context, token string, ip string, reason string) (*model.Credential, error) {
	return engine.revokeByHash(ctx, security.HashRefreshToken(token), ip, reason)
}

// RevokeAllForPrincipal отзывает все активные сессии пользователя, ноль отозванных тоже успех
func (engine *RefreshTokenEngine) RevokeAllForPrincipal(ctx context.Context, principalID string, ip string, reason string) (int, error) {
	revocation := model.Revocation{At: engine.now().UTC(), IP: ip, Reason: reason}

	revoked, err := engine.store.RevokeAllForPrincipal(ctx, principalID, revocation)
	if err != nil {
		return 0, storeFailure(ctx, "отзыв всех сессий", err)
	}

	if len(revoked) > 0 {
		engine.metrics.TokensRevoked.WithLabelValues(reason).Add(float64(len(revoked)))
		engine.revocations.Add(revocationEntries(revoked)...)
	}
	return len(revoked), nil
}

// RevokeDescendants проходит по цепочке replaced_by от токена tokenHash
// и отзывает всех еще активных потомков
func (engine *RefreshTokenEngine) RevokeDescendants(ctx context.Context, tokenHash string, ip string) (int, error) {
	revokedCount := 0
	current, err := engine.store.FindByTokenHash(ctx, tokenHash)
	if errors.Is(err, ports.ErrCredentialNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storeFailure(ctx, "поиск цепочки токенов", err)
	}

	for depth := 0; depth < maxChainDepth && current.ReplacedBy.Valid; depth++ {
		next, err := engine.store.FindByTokenHash(ctx, current.ReplacedBy.String)
		if errors.Is(err, ports.ErrCredentialNotFound) {
			break
		}
		if err != nil {
			return revokedCount, storeFailure(ctx, "поиск цепочки токенов", err)
		}

		if !next.Revoked {
			_, err := engine.revokeByHash(ctx, next.TokenHash, ip, model.RevokeReasonReplay)
			switch {
			case err == nil:
				revokedCount++
			case errors.Is(err, ErrCredentialAlreadyRevoked):
				// потомок успел ротироваться, перечитываем и идем дальше по цепочке
				next, err = engine.store.FindByTokenHash(ctx, next.TokenHash)
				if err != nil {
					return revokedCount, storeFailure(ctx, "поиск цепочки токенов", err)
				}
			default:
				return revokedCount, err
			}
		}
		current = next
	}

	return revokedCount, nil
}

// Cleanup удаляет токены, истекшие или отозванные раньше now - retention
func (engine *RefreshTokenEngine) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := engine.store.DeleteExpired(ctx, engine.now().UTC().Add(-retention))
	if err != nil {
		return 0, storeFailure(ctx, "очистка refresh токенов", err)
	}
	return deleted, nil
}

func (engine *RefreshTokenEngine) revokeByHash(ctx context.Context, tokenHash string, ip string, reason string) (*model.Credential, error) {
	revocation := model.Revocation{At: engine.now().UTC(), IP: ip, Reason: reason}

	revoked, err := engine.store.Revoke(ctx, tokenHash, revocation)
	switch {
	case errors.Is(err, ports.ErrCredentialNotFound), errors.Is(err, ports.ErrCredentialAlreadyRevoked):
		return nil, err
	case err != nil:
		return nil, storeFailure(ctx, "отзыв refresh токена", err)
	}

	engine.metrics.TokensRevoked.WithLabelValues(reason).Inc()
	engine.revocations.Add(revocationEntries([]model.Credential{*revoked})...)
	return revoked, nil
}

func (engine *RefreshTokenEngine) newCredential(request SessionRequest) (*model.Credential, error) {
	token, tokenHash, err := security.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации рефреш токена: %w", err)
	}

	now := engine.now().UTC()
	return &model.Credential{
		Token:           token,
		TokenHash:       tokenHash,
		AccessTokenID:   request.AccessTokenID,
		AccessExpiresAt: request.AccessExpiresAt,
		PrincipalID:     request.PrincipalID,
		ExpiresAt:       now.Add(engine.config.RefreshTokenTTL),
		IssuedAt:        now,
		IssuedFromIP:    request.IP,
		DeviceInfo:      request.Device,
	}, nil
}

func (engine *RefreshTokenEngine) reject(ctx context.Context, reason ValidationFailure, credential *model.Credential, principalID string) error {
	engine.metrics.ValidationFailures.WithLabelValues(string(reason)).Inc()
	if reason == FailureRotated {
		engine.metrics.ReplaysDetected.Inc()
	}
	zerolog.Ctx(ctx).Info().
		Str("reason", string(reason)).
		Str("principal_id", principalID).
		Msg("refresh токен отклонен")

	return &InvalidCredentialError{Reason: reason, Credential: credential}
}

// storeFailure логирует инфраструктурную ошибку и скрывает детали от вызывающего.
// Повтор не выполняется: повтор ротации мог бы выдать две замены.
func storeFailure(ctx context.Context, operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	zerolog.Ctx(ctx).Error().Err(err).Str("operation", operation).Msg("ошибка хранилища токенов")
	return fmt.Errorf("%s: %w", operation, ErrStoreUnavailable)
}

func revocationEntries(credentials []model.Credential) []model.RevocationEntry {
	entries := make([]model.RevocationEntry, 0, len(credentials))
	for _, credential := range credentials {
		entries = append(entries, model.RevocationEntry{
			AccessTokenID: credential.AccessTokenID,
			ExpiresAt:     credential.AccessExpiresAt,
		})
	}
	return entries
}
