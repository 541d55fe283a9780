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

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserExists = errors.New("пользователь уже существует")

var _ ports.PrincipalDirectory = (*UserRepository)(nil)

// LockoutPolicy блокировка учетной записи после серии неудачных входов
type LockoutPolicy struct {
	MaxFailedAttempts int
	Duration          time.Duration
}

type UserRepository struct {
	*internal.Database
	lockout LockoutPolicy
}

func NewUserRepository(database *internal.Database, lockout LockoutPolicy) *UserRepository {
	return &UserRepository{Database: database, lockout: lockout}
}

func (repository *UserRepository) Register(ctx context.Context, username string, password string, roles []string) (*model.User, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("ошибка хэширования пароля: %w", err)
	}
	if len(roles) == 0 {
		roles = []string{"ROLE_USER"}
	}

	user := &model.User{
		Username:     username,
		PasswordHash: string(passwordHash),
		Roles:        roles,
	}

	query := `INSERT INTO users (username, password_hash, roles)
			  VALUES ($1, $2, $3)
			  RETURNING id, created_at`

	err = repository.DB.QueryRowxContext(ctx, query, user.Username, user.PasswordHash, user.Roles).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("ошибка вставки пользователя: %w", err)
	}

	return user, nil
}

func (repository *UserRepository) FindByName(ctx context.Context, username string) (*model.User, error) {
	var user model.User

	query := `SELECT id, username, password_hash, roles, failed_login_count, locked_until,
				last_login_at, last_login_ip, created_at
			  FROM users WHERE username = $1`
	err := repository.DB.GetContext(ctx, &user, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrUserNotFound
		}
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}

	return &user, nil
}

func (repository *UserRepository) CheckPassword(user *model.User, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret)) == nil
}

// RecordFailedLogin увеличивает счетчик неудачных попыток. После окончания
// блокировки счет начинается заново.
func (repository *UserRepository) RecordFailedLogin(ctx context.Context, userID string, now time.Time) error {
	query := `UPDATE users
			  SET failed_login_count = CASE
					  WHEN locked_until IS NOT NULL AND locked_until <= $4::timestamptz THEN 1
					  ELSE failed_login_count + 1
				  END,
				  locked_until = CASE
					  WHEN locked_until IS NOT NULL AND locked_until <= $4::timestamptz THEN
						  CASE WHEN $2 > 0 AND 1 >= $2 THEN $3::timestamptz END
					  WHEN $2 > 0 AND failed_login_count + 1 >= $2 THEN $3::timestamptz
					  ELSE locked_until
				  END
			  WHERE id = $1`

	_, err := repository.DB.ExecContext(ctx, query, userID, repository.lockout.MaxFailedAttempts, now.Add(repository.lockout.Duration), now)
	if err != nil {
		return fmt.Errorf("не удалось сохранить неудачную попытку входа: %w", err)
	}

	return nil
}

func (repository *UserRepository) RecordSuccessfulLogin(ctx context.Context, userID string, ip string, now time.Time) error {
	query := `UPDATE users
			  SET failed_login_count = 0, locked_until = NULL, last_login_at = $2, last_login_ip = $3
			  WHERE id = $1`

	if _, err := repository.DB.ExecContext(ctx, query, userID, now, ip); err != nil {
		return fmt.Errorf("не удалось сохранить успешный вход: %w", err)
	}

	return nil
}
