package repository

import (
	"BankSecurityService/internal"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const credentialColumns = `token_hash, access_token_id, access_expires_at, principal_id, expires_at, issued_at,
	issued_from_ip, device_info, revoked, revoked_at, revoked_by_ip, revoked_reason, replaced_by`

var _ ports.CredentialStore = (*CredentialRepository)(nil)

// CredentialRepository хранилище refresh токенов в PostgreSQL
type CredentialRepository struct {
	*internal.Database
}

func NewCredentialRepository(database *internal.Database) *CredentialRepository {
	return &CredentialRepository{database}
}

func (repository *CredentialRepository) CreateSession(ctx context.Context, credential *model.Credential, maxActive int, now time.Time) ([]model.Credential, error) {
	var evicted []model.Credential

	err := repository.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockPrincipal(ctx, tx, credential.PrincipalID); err != nil {
			return err
		}

		var active int
		countQuery := `SELECT count(*) FROM refresh_tokens WHERE principal_id = $1 AND revoked = FALSE AND expires_at > $2`
		if err := tx.GetContext(ctx, &active, countQuery, credential.PrincipalID, now); err != nil {
			return fmt.Errorf("не удалось посчитать активные сессии: %w", err)
		}

		if maxActive > 0 && active >= maxActive {
			evictQuery := `UPDATE refresh_tokens
				SET revoked = TRUE, revoked_at = $3, revoked_by_ip = $4, revoked_reason = $5
				WHERE token_hash IN (
					SELECT token_hash FROM refresh_tokens
					WHERE principal_id = $1 AND revoked = FALSE AND expires_at > $3
					ORDER BY issued_at ASC, token_hash ASC
					LIMIT $2
				)
				RETURNING ` + credentialColumns

			err := tx.SelectContext(ctx, &evicted, evictQuery,
				credential.PrincipalID,
				active-maxActive+1,
				now,
				credential.IssuedFromIP,
				model.RevokeReasonSessionLimit,
			)
			if err != nil {
				return fmt.Errorf("не удалось вытеснить старые сессии: %w", err)
			}
		}

		return insertCredential(ctx, tx, credential)
	})
	if err != nil {
		return nil, err
	}

	return evicted, nil
}

func (repository *CredentialRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Credential, error) {
	var credential model.Credential

	query := `SELECT ` + credentialColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	err := repository.DB.GetContext(ctx, &credential, query, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("ошибка поиска refresh токена: %w", err)
	}

	return &credential, nil
}

func (repository *CredentialRepository) Rotate(ctx context.Context, oldTokenHash string, replacement *model.Credential, revocation model.Revocation) (*model.Credential, error) {
	var rotated model.Credential

	err := repository.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockPrincipal(ctx, tx, replacement.PrincipalID); err != nil {
			return err
		}

		// условие revoked = FALSE отделяет ротацию от повторного использования
		query := `UPDATE refresh_tokens
			SET revoked = TRUE, revoked_at = $2, revoked_by_ip = $3, revoked_reason = $4, replaced_by = $5
			WHERE token_hash = $1 AND principal_id = $6 AND revoked = FALSE AND expires_at > $2
			RETURNING ` + credentialColumns

		err := tx.GetContext(ctx, &rotated, query,
			oldTokenHash,
			revocation.At,
			revocation.IP,
			model.RevokeReasonRotated,
			replacement.TokenHash,
			replacement.PrincipalID,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return classifyMissing(ctx, tx, oldTokenHash, revocation.At)
		}
		if err != nil {
			return fmt.Errorf("не удалось отозвать refresh токен при ротации: %w", err)
		}

		return insertCredential(ctx, tx, replacement)
	})
	if err != nil {
		return nil, err
	}

	return &rotated, nil
}

func (repository *CredentialRepository) Revoke(ctx context.Context, tokenHash string, revocation model.Revocation) (*model.Credential, error) {
	var revoked model.Credential

	err := repository.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		query := `UPDATE refresh_tokens
			SET revoked = TRUE, revoked_at = $2, revoked_by_ip = $3, revoked_reason = $4
			WHERE token_hash = $1 AND revoked = FALSE
			RETURNING ` + credentialColumns

		err := tx.GetContext(ctx, &revoked, query, tokenHash, revocation.At, revocation.IP, revocation.Reason)
		if errors.Is(err, sql.ErrNoRows) {
			return classifyMissing(ctx, tx, tokenHash, time.Time{})
		}
		if err != nil {
			return fmt.Errorf("не удалось отозвать refresh токен: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &revoked, nil
}

func (repository *CredentialRepository) RevokeAllForPrincipal(ctx context.Context, principalID string, revocation model.Revocation) ([]model.Credential, error) {
	var revoked []model.Credential

	query := `UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, revoked_by_ip = $3, revoked_reason = $4
		WHERE principal_id = $1 AND revoked = FALSE AND expires_at > $2
		RETURNING ` + credentialColumns

	err := repository.DB.SelectContext(ctx, &revoked, query, principalID, revocation.At, revocation.IP, revocation.Reason)
	if err != nil {
		return nil, fmt.Errorf("не удалось отозвать сессии пользователя: %w", err)
	}

	return revoked, nil
}

func (repository *CredentialRepository) CountActive(ctx context.Context, principalID string, now time.Time) (int, error) {
	var active int

	query := `SELECT count(*) FROM refresh_tokens WHERE principal_id = $1 AND revoked = FALSE AND expires_at > $2`
	if err := repository.DB.GetContext(ctx, &active, query, principalID, now); err != nil {
		return 0, fmt.Errorf("не удалось посчитать активные сессии: %w", err)
	}

	return active, nil
}

func (repository *CredentialRepository) ListRevokedSince(ctx context.Context, since time.Time, now time.Time) ([]model.RevocationEntry, error) {
	var entries []model.RevocationEntry

	query := `SELECT access_token_id, access_expires_at FROM refresh_tokens
		WHERE revoked = TRUE AND revoked_at >= $1 AND access_expires_at > $2`
	if err := repository.DB.SelectContext(ctx, &entries, query, since, now); err != nil {
		return nil, fmt.Errorf("не удалось получить отозванные токены: %w", err)
	}

	return entries, nil
}

func (repository *CredentialRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1 OR (revoked = TRUE AND revoked_at < $1)`

	result, err := repository.DB.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("не удалось удалить устаревшие refresh токены: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("не удалось проверить количество удаленных токенов: %w", err)
	}

	return rowsAffected, nil
}

// lockPrincipal транзакционная advisory-блокировка: выдача и ротация сессий
// одного пользователя выполняются последовательно, разных параллельно
func lockPrincipal(ctx context.Context, tx *sqlx.Tx, principalID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, principalID); err != nil {
		return fmt.Errorf("не удалось заблокировать сессии пользователя: %w", err)
	}
	return nil
}

func insertCredential(ctx context.Context, tx *sqlx.Tx, credential *model.Credential) error {
	query := `INSERT INTO refresh_tokens (` + credentialColumns + `)
		VALUES (:token_hash, :access_token_id, :access_expires_at, :principal_id, :expires_at, :issued_at,
			:issued_from_ip, :device_info, :revoked, :revoked_at, :revoked_by_ip, :revoked_reason, :replaced_by)`

	if _, err := tx.NamedExecContext(ctx, query, credential); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ports.ErrDuplicateCredential
		}
		return fmt.Errorf("ошибка вставки данных в БД: %w", err)
	}

	return nil
}

// classifyMissing объясняет, почему условное обновление не затронуло ни одной строки
func classifyMissing(ctx context.Context, tx *sqlx.Tx, tokenHash string, now time.Time) error {
	var state struct {
		Revoked   bool      `db:"revoked"`
		ExpiresAt time.Time `db:"expires_at"`
	}

	err := tx.GetContext(ctx, &state, `SELECT revoked, expires_at FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ports.ErrCredentialNotFound
	case err != nil:
		return fmt.Errorf("ошибка поиска refresh токена: %w", err)
	case state.Revoked:
		return ports.ErrCredentialAlreadyRevoked
	case !now.IsZero() && !state.ExpiresAt.After(now):
		return ports.ErrCredentialExpired
	default:
		// токен принадлежит другому пользователю
		return ports.ErrCredentialNotFound
	}
}
