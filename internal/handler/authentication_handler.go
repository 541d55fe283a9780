package handler

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/security"
	"BankSecurityService/internal/service"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type AuthenticationService interface {
	security.Authorizer
	Login(ctx context.Context, username string, secret string, ip string, device string) (*model.TokensPair, error)
	Refresh(ctx context.Context, accessToken string, refreshToken string, ip string, device string) (*model.TokensPair, error)
	Revoke(ctx context.Context, refreshToken string, ip string, reason string) error
	Logout(ctx context.Context, principalID string, ip string) (int, error)
}

type AuthenticationHandler struct {
	service AuthenticationService
	timeout time.Duration
}

// LoginRequest имя пользователя и пароль
// swagger:model
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshTokenRequest содержит refresh токен в json формате
// swagger:model
type RefreshTokenRequest struct {
	// Refresh токен
	// example: vcSi0369y1I62wOpxZFpgZ...
	RefreshToken string `json:"refreshToken"`
}

// RevokeRequest refresh токен и необязательная причина отзыва
// swagger:model
type RevokeRequest struct {
	RefreshToken string `json:"refreshToken"`
	Reason       string `json:"reason,omitempty"`
}

// CurrentUserResponse идентификатор и роли текущего пользователя
// swagger:model
type CurrentUserResponse struct {
	PrincipalID string   `json:"principalId" example:"123e4567-e89b-12d3-a456-426614174000"`
	Roles       []string `json:"roles"`
}

// MessageResponse содержит строку с сообщением
// swagger:model
type MessageResponse struct {
	// Сообщение о результате операции
	// example: выполнен выход из аккаунта
	Message         string `json:"message"`
	RevokedSessions *int   `json:"revokedSessions,omitempty"`
}

func NewAuthenticationHandler(authenticationService AuthenticationService, timeout time.Duration) *AuthenticationHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &AuthenticationHandler{service: authenticationService, timeout: timeout}
}

// Mount регистрирует маршруты /api-auth
func (handler *AuthenticationHandler) Mount(router chi.Router) {
	router.Route("/api-auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Post("/login", handler.Login)
			r.Post("/refresh-token", handler.RefreshToken)
			r.Post("/revoke", handler.Revoke)
		})
		r.Group(func(r chi.Router) {
			r.Use(security.JWTMiddleware(handler.service))
			r.Get("/me", handler.GetCurrentUser)
			r.Post("/logout", handler.Logout)
		})
	})
}

// Login выдает новую пару access/refresh токенов
// @Summary Вход
// @Description Проверяет имя пользователя и пароль, открывает новую сессию. Пример запроса: POST /api-auth/login с телом {"username": "alice", "password": "..."}
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Учетные данные"
// @Success 200 {object} model.TokensPair "успешный ответ"
// @Failure 400 {string} string "неверный json"
// @Failure 401 {string} string "неверное имя пользователя или пароль"
// @Failure 503 {string} string "сервис временно недоступен"
// @Router /login [post]
func (handler *AuthenticationHandler) Login(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), handler.timeout)
	defer cancel()

	var loginRequest LoginRequest
	if err := json.NewDecoder(request.Body).Decode(&loginRequest); err != nil || loginRequest.Username == "" {
		http.Error(writer, "неверный json", http.StatusBadRequest)
		return
	}

	tokensPair, err := handler.service.Login(ctx, loginRequest.Username, loginRequest.Password, clientIP(request), request.UserAgent())
	if err != nil {
		handler.writeError(ctx, writer, err, "неверное имя пользователя или пароль")
		return
	}

	writeJSON(ctx, writer, http.StatusOK, tokensPair)
}

// RefreshToken обновляет access и refresh токены
// @Summary Обновление токенов
// @Description Меняет пару токенов на новую. Старый refresh токен после этого недействителен. Пример запроса: POST /api-auth/refresh-token с заголовком Authorization: Bearer <access_token> и телом {"refreshToken": "<refresh_token>"}
// @Tags Authentication
// @Accept json
// @Produce json
// @Param Authorization header string true "Access токен, допускается истекший" default(Bearer <access_token>)
// @Param request body RefreshTokenRequest true "Refresh токен в теле запроса"
// @Success 200 {object} model.TokensPair "успешное обновление токенов"
// @Failure 400 {string} string "неверный json"
// @Failure 401 {string} string "пустой или неверный заголовок Authorization"
// @Failure 401 {string} string "не удалось обновить токены"
// @Failure 503 {string} string "сервис временно недоступен"
// @Router /refresh-token [post]
func (handler *AuthenticationHandler) RefreshToken(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), handler.timeout)
	defer cancel()

	accessToken, ok := security.BearerToken(request)
	if ok == false {
		http.Error(writer, "пустой или неверный заголовок Authorization", http.StatusUnauthorized)
		return
	}

	var refreshTokenRequest RefreshTokenRequest
	if err := json.NewDecoder(request.Body).Decode(&refreshTokenRequest); err != nil || refreshTokenRequest.RefreshToken == "" {
		http.Error(writer, "неверный json", http.StatusBadRequest)
		return
	}

	tokensPair, err := handler.service.Refresh(ctx, accessToken, refreshTokenRequest.RefreshToken, clientIP(request), request.UserAgent())
	if err != nil {
		handler.writeError(ctx, writer, err, "не удалось обновить токены")
		return
	}

	writeJSON(ctx, writer, http.StatusOK, tokensPair)
}

// Revoke отзывает refresh токен и связанный с ним access токен
// @Summary Отзыв токена
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body RevokeRequest true "Refresh токен и причина"
// @Success 200 {object} MessageResponse "токен отозван"
// @Failure 400 {string} string "неверный json"
// @Failure 404 {string} string "токен не найден"
// @Failure 409 {string} string "токен уже отозван"
// @Router /revoke [post]
func (handler *AuthenticationHandler) Revoke(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), handler.timeout)
	defer cancel()

	var revokeRequest RevokeRequest
	if err := json.NewDecoder(request.Body).Decode(&revokeRequest); err != nil || revokeRequest.RefreshToken == "" {
		http.Error(writer, "неверный json", http.StatusBadRequest)
		return
	}

	err := handler.service.Revoke(ctx, revokeRequest.RefreshToken, clientIP(request), revokeRequest.Reason)
	switch {
	case errors.Is(err, service.ErrCredentialNotFound):
		http.Error(writer, "токен не найден", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrCredentialAlreadyRevoked):
		http.Error(writer, "токен уже отозван", http.StatusConflict)
		return
	case err != nil:
		handler.writeError(ctx, writer, err, "ошибка запроса")
		return
	}

	writeJSON(ctx, writer, http.StatusOK, &MessageResponse{Message: "токен отозван"})
}

// GetCurrentUser godoc
// @Summary Текущий пользователь
// @Description Извлекает идентификатор и роли пользователя из access токена. Пример запроса: GET /api-auth/me с заголовком Authorization: Bearer <access_token>
// @Tags Authentication
// @Produce json
// @Param Authorization header string true "Bearer токен" default(Bearer <access_token>)
// @Success 200 {object} CurrentUserResponse "Успешный ответ"
// @Failure 401 {string} string "Пользователь не авторизован или токен недействителен"
// @Security ApiKeyAuth
// @Router /me [get]
func (handler *AuthenticationHandler) GetCurrentUser(writer http.ResponseWriter, request *http.Request) {
	claims, ok := security.ClaimsFromContext(request.Context())
	if ok == false {
		http.Error(writer, "не авторизован", http.StatusUnauthorized)
		return
	}

	writeJSON(request.Context(), writer, http.StatusOK, &CurrentUserResponse{
		PrincipalID: claims.PrincipalID(),
		Roles:       claims.Roles,
	})
}

// Logout godoc
// @Summary Выход из аккаунта
// @Description Отзывает все сессии пользователя и их access токены. Пример запроса: POST /api-auth/logout с заголовком Authorization: Bearer <access_token>
// @Tags Authentication
// @Produce json
// @Param Authorization header string true "Bearer токен" default(Bearer <access_token>)
// @Success 200 {object} MessageResponse "Успешный выход"
// @Failure 401 {string} string "пользователь не авторизован"
// @Failure 503 {string} string "сервис временно недоступен"
// @Security ApiKeyAuth
// @Router /logout [post]
func (handler *AuthenticationHandler) Logout(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), handler.timeout)
	defer cancel()

	claims, ok := security.ClaimsFromContext(ctx)
	if ok == false {
		http.Error(writer, "не авторизован", http.StatusUnauthorized)
		return
	}

	revoked, err := handler.service.Logout(ctx, claims.PrincipalID(), clientIP(request))
	if err != nil {
		handler.writeError(ctx, writer, err, "ошибка запроса")
		return
	}

	writeJSON(ctx, writer, http.StatusOK, &MessageResponse{Message: "выполнен выход из аккаунта", RevokedSessions: &revoked})
}

// writeError отвечает клиенту без подробностей. Недействительный и повторно
// использованный refresh токен дают одинаковый ответ.
func (handler *AuthenticationHandler) writeError(ctx context.Context, writer http.ResponseWriter, err error, message string) {
	logger := zerolog.Ctx(ctx)

	switch {
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		logger.Error().Err(err).Msg("сервис временно недоступен")
		http.Error(writer, "сервис временно недоступен", http.StatusServiceUnavailable)
	case errors.Is(err, service.ErrAuthenticationFailed),
		errors.Is(err, service.ErrInvalidCredentialPresented),
		errors.Is(err, service.ErrReplayDetected):
		logger.Info().Err(err).Msg(message)
		http.Error(writer, message, http.StatusUnauthorized)
	default:
		logger.Error().Err(err).Msg("внутренняя ошибка")
		http.Error(writer, "внутренняя ошибка", http.StatusInternalServerError)
	}
}

func writeJSON(ctx context.Context, writer http.ResponseWriter, status int, response any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("ошибка записи ответа")
	}
}

// clientIP адрес клиента без порта. X-Forwarded-For уже разобран middleware.RealIP.
func clientIP(request *http.Request) string {
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}
