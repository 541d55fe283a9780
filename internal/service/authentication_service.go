package service

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"BankSecurityService/internal/revocation"
	"BankSecurityService/internal/security"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var ErrAccessTokenRevoked = revocation.ErrAccessTokenRevoked

var _ security.Authorizer = (*AuthenticationService)(nil)

// unknownUser подставляется вместо ненайденного пользователя: bcrypt
// сравнение выполняется при любом исходе поиска
var unknownUser = sync.OnceValue(func() *model.User {
	hash, err := bcrypt.GenerateFromPassword([]byte("unknown-user-placeholder"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt: %v", err))
	}
	return &model.User{PasswordHash: string(hash)}
})

type AuthenticationService struct {
	issuer    ports.AccessTokenIssuer
	engine    *RefreshTokenEngine
	directory ports.PrincipalDirectory
	audit     ports.AuditSink
	guard     *revocation.Guard
	now       func() time.Time
}

func NewAuthenticationService(issuer ports.AccessTokenIssuer, engine *RefreshTokenEngine, directory ports.PrincipalDirectory, audit ports.AuditSink, guard *revocation.Guard) *AuthenticationService {
	return &AuthenticationService{
		issuer:    issuer,
		engine:    engine,
		directory: directory,
		audit:     audit,
		guard:     guard,
		now:       time.Now,
	}
}

func (service *AuthenticationService) WithClock(now func() time.Time) *AuthenticationService {
	service.now = now
	return service
}

// Login проверяет учетные данные и открывает новую сессию.
// Любая причина отказа снаружи выглядит как ErrAuthenticationFailed.
func (service *AuthenticationService) Login(ctx context.Context, username string, secret string, ip string, device string) (*model.TokensPair, error) {
	now := service.now()

	user, err := service.directory.FindByName(ctx, username)
	if errors.Is(err, ports.ErrUserNotFound) {
		service.directory.CheckPassword(unknownUser(), secret)
		service.audit.LogFailedAuthentication(ctx, username, ip, "unknown user")
		return nil, ErrAuthenticationFailed
	}
	if err != nil {
		return nil, storeFailure(ctx, "поиск пользователя", err)
	}

	if user.IsLockedOut(now) {
		service.audit.LogFailedAuthentication(ctx, user.ID, ip, "account locked")
		return nil, ErrAuthenticationFailed
	}

	if !service.directory.CheckPassword(user, secret) {
		if err := service.directory.RecordFailedLogin(ctx, user.ID, now); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("principal_id", user.ID).Msg("не удалось сохранить неудачную попытку входа")
		}
		service.audit.LogFailedAuthentication(ctx, user.ID, ip, "wrong password")
		return nil, ErrAuthenticationFailed
	}

	accessToken, err := service.issuer.Issue(user.ID, user.Roles)
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации токенов: %w", err)
	}

	credential, evicted, err := service.engine.IssueSession(ctx, SessionRequest{
		PrincipalID:     user.ID,
		AccessTokenID:   accessToken.TokenID,
		AccessExpiresAt: accessToken.ExpiresAt,
		IP:              ip,
		Device:          device,
	})
	if err != nil {
		return nil, err
	}

	if err := service.directory.RecordSuccessfulLogin(ctx, user.ID, ip, now); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("principal_id", user.ID).Msg("не удалось сохранить успешный вход")
	}
	service.audit.LogSuccessfulAuthentication(ctx, user.ID, ip)
	for range evicted {
		service.audit.LogTokenRevoked(ctx, user.ID, ip, model.RevokeReasonSessionLimit)
	}

	return tokensPair(accessToken, credential), nil
}

// Refresh меняет пару токенов на новую. Старый refresh токен после
// успешного вызова больше не принимается.
func (service *AuthenticationService) Refresh(ctx context.Context, accessToken string, refreshToken string, ip string, device string) (*model.TokensPair, error) {
	claims, err := service.issuer.ParseForRefresh(accessToken)
	if err != nil {
		zerolog.Ctx(ctx).Info().Err(err).Msg("access токен не прошел проверку при обновлении")
		return nil, ErrInvalidCredentialPresented
	}

	credential, err := service.engine.Validate(ctx, refreshToken, claims.TokenID(), claims.PrincipalID())
	if err != nil {
		var invalid *InvalidCredentialError
		if !errors.As(err, &invalid) {
			return nil, err
		}
		if invalid.Reason == FailureRotated {
			service.handleReplay(ctx, invalid.Credential.TokenHash, invalid.Credential.PrincipalID, ip)
			return nil, ErrReplayDetected
		}
		service.audit.LogFailedAuthentication(ctx, claims.PrincipalID(), ip, string(invalid.Reason))
		return nil, err
	}

	nextAccessToken, err := service.issuer.Issue(credential.PrincipalID, claims.Roles)
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации токенов: %w", err)
	}

	rotated, err := service.engine.Rotate(ctx, credential, nextAccessToken.TokenID, nextAccessToken.ExpiresAt, ip, device)
	if errors.Is(err, ErrReplayDetected) {
		service.handleReplay(ctx, credential.TokenHash, credential.PrincipalID, ip)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	service.audit.LogTokenRefresh(ctx, credential.PrincipalID, ip)
	return tokensPair(nextAccessToken, rotated), nil
}

// Revoke отзывает один refresh токен вместе с его access токеном
func (service *AuthenticationService) Revoke(ctx context.Context, refreshToken string, ip string, reason string) error {
	if reason == "" {
		reason = model.RevokeReasonManual
	}

	revoked, err := service.engine.Revoke(ctx, refreshToken, ip, reason)
	if err != nil {
		return err
	}

	service.audit.LogTokenRevoked(ctx, revoked.PrincipalID, ip, reason)
	return nil
}

// Logout завершает все сессии пользователя и возвращает их количество
func (service *AuthenticationService) Logout(ctx context.Context, principalID string, ip string) (int, error) {
	revoked, err := service.engine.RevokeAllForPrincipal(ctx, principalID, ip, model.RevokeReasonLogout)
	if err != nil {
		return 0, err
	}

	service.audit.LogUserLogout(ctx, principalID, ip)
	return revoked, nil
}

// Authorize проверяет access токен перед защищенной операцией:
// подпись, срок действия и отсутствие в кэше отозванных
func (service *AuthenticationService) Authorize(_ context.Context, accessToken string) (*security.Claims, error) {
	claims, err := service.issuer.Parse(accessToken)
	if err != nil {
		return nil, fmt.Errorf("невалидный токен: %w", err)
	}

	if err := service.guard.Check(claims.TokenID()); err != nil {
		return nil, err
	}
	return claims, nil
}

func (service *AuthenticationService) handleReplay(ctx context.Context, tokenHash string, principalID string, ip string) {
	service.audit.LogReplayDetected(ctx, principalID, ip, "rotated refresh token presented again")

	if service.engine.ReusePolicy() != ReusePolicyRevokeChain {
		return
	}

	revoked, err := service.engine.RevokeDescendants(ctx, tokenHash, ip)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("principal_id", principalID).Msg("не удалось отозвать цепочку токенов")
	}
	if revoked > 0 {
		zerolog.Ctx(ctx).Warn().Str("principal_id", principalID).Int("revoked", revoked).Msg("цепочка токенов отозвана после повторного использования")
		service.audit.LogTokenRevoked(ctx, principalID, ip, model.RevokeReasonReplay)
	}
}

func tokensPair(accessToken *model.AccessToken, credential *model.Credential) *model.TokensPair {
	return &model.TokensPair{
		AccessToken:      accessToken.Token,
		RefreshToken:     credential.Token,
		AccessExpiresAt:  accessToken.ExpiresAt,
		RefreshExpiresAt: credential.ExpiresAt,
	}
}
