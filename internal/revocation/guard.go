package revocation

import (
	"BankSecurityService/internal/ports"
	"errors"
)

var ErrAccessTokenRevoked = errors.New("access токен отозван")

// Guard проверяет access токен по кэшу перед выполнением защищенной операции
type Guard struct {
	revoked  ports.RevocationGuard
	onReject func()
}

func NewGuard(revoked ports.RevocationGuard, onReject func()) *Guard {
	return &Guard{revoked: revoked, onReject: onReject}
}

func (guard *Guard) IsRevoked(accessTokenID string) bool {
	return guard.revoked.IsRevoked(accessTokenID)
}

// Check возвращает ErrAccessTokenRevoked, если токен отозван
func (guard *Guard) Check(accessTokenID string) error {
	if !guard.revoked.IsRevoked(accessTokenID) {
		return nil
	}
	if guard.onReject != nil {
		guard.onReject()
	}
	return ErrAccessTokenRevoked
}
