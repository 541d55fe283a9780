package service

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"errors"
)

var (
	// ErrInvalidCredentialPresented единственная ошибка, которую видит клиент
	// при недействительном refresh токене, независимо от причины
	ErrInvalidCredentialPresented = errors.New("предъявлен недействительный refresh токен")
	// ErrReplayDetected повторное предъявление уже замененного токена.
	// Снаружи неотличима от ErrInvalidCredentialPresented.
	ErrReplayDetected       = errors.New("обнаружено повторное использование refresh токена")
	ErrAuthenticationFailed = errors.New("неверное имя пользователя или пароль")
	ErrStoreUnavailable     = errors.New("хранилище токенов недоступно")

	ErrCredentialNotFound       = ports.ErrCredentialNotFound
	ErrCredentialAlreadyRevoked = ports.ErrCredentialAlreadyRevoked
)

// ValidationFailure внутренняя причина отказа, пишется в лог и аудит
type ValidationFailure string

const (
	FailureNotFound            ValidationFailure = "not_found"
	FailurePrincipalMismatch   ValidationFailure = "principal_mismatch"
	FailureAccessTokenMismatch ValidationFailure = "access_token_mismatch"
	FailureExpired             ValidationFailure = "expired"
	FailureRevoked             ValidationFailure = "revoked"
	FailureRotated             ValidationFailure = "rotated"
)

// InvalidCredentialError несет внутреннюю причину отказа.
// Error() совпадает с ErrInvalidCredentialPresented.
type InvalidCredentialError struct {
	Reason     ValidationFailure
	Credential *model.Credential
}

func (err *InvalidCredentialError) Error() string {
	return ErrInvalidCredentialPresented.Error()
}

func (err *InvalidCredentialError) Is(target error) bool {
	if target == ErrInvalidCredentialPresented {
		return true
	}
	return target == ErrReplayDetected && err.Reason == FailureRotated
}
