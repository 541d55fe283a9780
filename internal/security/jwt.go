package security

import (
	"BankSecurityService/internal/model"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrSigningKeyUnavailable = errors.New("ключ подписи не настроен")

type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalID идентификатор владельца токена (claim sub)
func (claims *Claims) PrincipalID() string {
	return claims.Subject
}

// TokenID уникальный идентификатор access токена (claim jti)
func (claims *Claims) TokenID() string {
	return claims.ID
}

// AccessTokenIssuer выпускает короткоживущие access токены, подписанные HS512.
// Не хранит состояния.
type AccessTokenIssuer struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

func NewAccessTokenIssuer(secretKey []byte, issuer string, ttl time.Duration) *AccessTokenIssuer {
	return &AccessTokenIssuer{
		secretKey: secretKey,
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
	}
}

// WithClock подменяет источник времени, используется в тестах
func (issuer *AccessTokenIssuer) WithClock(now func() time.Time) *AccessTokenIssuer {
	issuer.now = now
	return issuer
}

func (issuer *AccessTokenIssuer) TTL() time.Duration {
	return issuer.ttl
}

func (issuer *AccessTokenIssuer) Issue(principalID string, roles []string) (*model.AccessToken, error) {
	if len(issuer.secretKey) == 0 {
		return nil, ErrSigningKeyUnavailable
	}

	now := issuer.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(issuer.ttl)
	tokenID := uuid.New().String()

	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			ID:        tokenID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer.issuer,
		},
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := jwtToken.SignedString(issuer.secretKey)
	if err != nil {
		return nil, fmt.Errorf("ошибка подписи токена: %w", err)
	}

	return &model.AccessToken{
		Token:     signed,
		TokenID:   tokenID,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse проверяет подпись и срок действия access токена
func (issuer *AccessTokenIssuer) Parse(token string) (*Claims, error) {
	return issuer.parse(token,
		jwt.WithTimeFunc(issuer.now),
		jwt.WithExpirationRequired(),
	)
}

// ParseForRefresh проверяет только подпись: истекший access токен
// допустимо предъявить вместе с refresh токеном
func (issuer *AccessTokenIssuer) ParseForRefresh(token string) (*Claims, error) {
	return issuer.parse(token, jwt.WithoutClaimsValidation())
}

func (issuer *AccessTokenIssuer) parse(token string, options ...jwt.ParserOption) (*Claims, error) {
	if len(issuer.secretKey) == 0 {
		return nil, ErrSigningKeyUnavailable
	}

	options = append(options,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(issuer.issuer),
	)

	claims := &Claims{}
	jwtToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return issuer.secretKey, nil
	}, options...)
	if err != nil || jwtToken.Valid == false {
		return nil, fmt.Errorf("невалидный токен: %w", err)
	}
	// WithoutClaimsValidation отключает и проверку iss
	if claims.Issuer != issuer.issuer {
		return nil, fmt.Errorf("невалидный токен: неверный издатель %q", claims.Issuer)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("невалидный токен: отсутствует sub или jti")
	}

	return claims, nil
}
