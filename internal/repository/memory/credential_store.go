// Package memory хранилища refresh токенов и пользователей в памяти процесса.
// Используются в тестах сервиса и в наборе проверок storetest.
package memory

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

var _ ports.CredentialStore = (*CredentialStore)(nil)

// CredentialStore все изменения выполняются под одной блокировкой,
// поэтому каждая операция атомарна
type CredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]model.Credential
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		credentials: make(map[string]model.Credential),
	}
}

func (s *CredentialStore) CreateSession(ctx context.Context, credential *model.Credential, maxActive int, now time.Time) ([]model.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[credential.TokenHash]; exists {
		return nil, ports.ErrDuplicateCredential
	}

	var evicted []model.Credential
	active := s.activeLocked(credential.PrincipalID, now)
	if maxActive > 0 && len(active) >= maxActive {
		for _, oldest := range active[:len(active)-maxActive+1] {
			oldest.Revoked = true
			oldest.RevokedAt = sql.NullTime{Time: now, Valid: true}
			oldest.RevokedByIP = sql.NullString{String: credential.IssuedFromIP, Valid: true}
			oldest.RevokedReason = sql.NullString{String: model.RevokeReasonSessionLimit, Valid: true}
			s.credentials[oldest.TokenHash] = oldest
			evicted = append(evicted, oldest)
		}
	}

	stored := *credential
	stored.Token = ""
	s.credentials[stored.TokenHash] = stored

	return evicted, nil
}

func (s *CredentialStore) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, ok := s.credentials[tokenHash]
	if !ok {
		return nil, ports.ErrCredentialNotFound
	}
	return &credential, nil
}

func (s *CredentialStore) Rotate(ctx context.Context, oldTokenHash string, replacement *model.Credential, revocation model.Revocation) (*model.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.credentials[oldTokenHash]
	switch {
	case !ok || old.PrincipalID != replacement.PrincipalID:
		return nil, ports.ErrCredentialNotFound
	case old.Revoked:
		return nil, ports.ErrCredentialAlreadyRevoked
	case !old.ExpiresAt.After(revocation.At):
		return nil, ports.ErrCredentialExpired
	}
	if _, exists := s.credentials[replacement.TokenHash]; exists {
		return nil, ports.ErrDuplicateCredential
	}

	old.Revoked = true
	old.RevokedAt = sql.NullTime{Time: revocation.At, Valid: true}
	old.RevokedByIP = sql.NullString{String: revocation.IP, Valid: true}
	old.RevokedReason = sql.NullString{String: model.RevokeReasonRotated, Valid: true}
	old.ReplacedBy = sql.NullString{String: replacement.TokenHash, Valid: true}
	s.credentials[oldTokenHash] = old

	stored := *replacement
	stored.Token = ""
	s.credentials[stored.TokenHash] = stored

	return &old, nil
}

func (s *CredentialStore) Revoke(ctx context.Context, tokenHash string, revocation model.Revocation) (*model.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	credential, ok := s.credentials[tokenHash]
	if !ok {
		return nil, ports.ErrCredentialNotFound
	}
	if credential.Revoked {
		return nil, ports.ErrCredentialAlreadyRevoked
	}

	revokeLocked(&credential, revocation)
	s.credentials[tokenHash] = credential
	return &credential, nil
}

func (s *CredentialStore) RevokeAllForPrincipal(ctx context.Context, principalID string, revocation model.Revocation) ([]model.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []model.Credential
	for _, credential := range s.activeLocked(principalID, revocation.At) {
		revokeLocked(&credential, revocation)
		s.credentials[credential.TokenHash] = credential
		revoked = append(revoked, credential)
	}

	return revoked, nil
}

func (s *CredentialStore) CountActive(ctx context.Context, principalID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.activeLocked(principalID, now)), nil
}

func (s *CredentialStore) ListRevokedSince(ctx context.Context, since time.Time, now time.Time) ([]model.RevocationEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.RevocationEntry
	for _, credential := range s.credentials {
		if !credential.Revoked || credential.RevokedAt.Time.Before(since) {
			continue
		}
		if !credential.AccessExpiresAt.After(now) {
			continue
		}
		entries = append(entries, model.RevocationEntry{
			AccessTokenID: credential.AccessTokenID,
			ExpiresAt:     credential.AccessExpiresAt,
		})
	}

	return entries, nil
}

func (s *CredentialStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deletedCount int64
	for tokenHash, credential := range s.credentials {
		expired := credential.ExpiresAt.Before(cutoff)
		revokedLongAgo := credential.Revoked && credential.RevokedAt.Time.Before(cutoff)
		if expired || revokedLongAgo {
			delete(s.credentials, tokenHash)
			deletedCount++
		}
	}

	return deletedCount, nil
}

// activeLocked активные сессии пользователя, от самой старой к самой новой
func (s *CredentialStore) activeLocked(principalID string, now time.Time) []model.Credential {
	var active []model.Credential
	for _, credential := range s.credentials {
		if credential.PrincipalID == principalID && credential.IsActive(now) {
			active = append(active, credential)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].IssuedAt.Equal(active[j].IssuedAt) {
			return active[i].TokenHash < active[j].TokenHash
		}
		return active[i].IssuedAt.Before(active[j].IssuedAt)
	})
	return active
}

func revokeLocked(credential *model.Credential, revocation model.Revocation) {
	credential.Revoked = true
	credential.RevokedAt = sql.NullTime{Time: revocation.At, Valid: true}
	credential.RevokedByIP = sql.NullString{String: revocation.IP, Valid: true}
	credential.RevokedReason = sql.NullString{String: revocation.Reason, Valid: true}
}
