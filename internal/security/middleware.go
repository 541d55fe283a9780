package security

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

const claimsContextKey contextKey = "user"

// Authorizer проверяет access токен перед выполнением защищенной операции
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (*Claims, error)
}

func JWTMiddleware(authorizer Authorizer) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(handleAuthentication(authorizer, next))
	}
}

func handleAuthentication(authorizer Authorizer, next http.Handler) func(writer http.ResponseWriter, request *http.Request) {
	return func(writer http.ResponseWriter, request *http.Request) {
		accessToken, ok := BearerToken(request)
		if ok == false {
			http.Error(writer, "не авторизован", http.StatusUnauthorized)
			return
		}

		claims, err := authorizer.Authorize(request.Context(), accessToken)
		if err != nil {
			zerolog.Ctx(request.Context()).Debug().Err(err).Msg("доступ отклонен")
			http.Error(writer, "невалидный токен", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(writer, request.WithContext(WithClaims(request.Context(), claims)))
	}
}

// BearerToken извлекает токен из заголовка Authorization
func BearerToken(request *http.Request) (string, bool) {
	authorizationHeader := request.Header.Get("Authorization")
	if strings.HasPrefix(authorizationHeader, "Bearer ") == false {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, "Bearer "))
	return token, token != ""
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok && claims != nil
}
