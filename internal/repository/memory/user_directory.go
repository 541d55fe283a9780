package memory

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"BankSecurityService/internal/repository"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var _ ports.PrincipalDirectory = (*UserDirectory)(nil)

type UserDirectory struct {
	mu      sync.Mutex
	users   map[string]*model.User
	lockout repository.LockoutPolicy
}

func NewUserDirectory(lockout repository.LockoutPolicy) *UserDirectory {
	return &UserDirectory{
		users:   make(map[string]*model.User),
		lockout: lockout,
	}
}

// Register добавляет пользователя. bcrypt.MinCost допустим только в тестах.
func (d *UserDirectory) Register(username string, password string, cost int, roles ...string) (*model.User, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("ошибка хэширования пароля: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.users[username]; exists {
		return nil, repository.ErrUserExists
	}
	if len(roles) == 0 {
		roles = []string{"ROLE_USER"}
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(passwordHash),
		Roles:        roles,
		CreatedAt:    time.Now().UTC(),
	}
	d.users[username] = user

	copied := *user
	return &copied, nil
}

func (d *UserDirectory) FindByName(_ context.Context, username string) (*model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[username]
	if !ok {
		return nil, ports.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (d *UserDirectory) CheckPassword(user *model.User, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret)) == nil
}

func (d *UserDirectory) RecordFailedLogin(_ context.Context, userID string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user := d.findByIDLocked(userID)
	if user == nil {
		return ports.ErrUserNotFound
	}

	if user.LockedUntil.Valid && !user.LockedUntil.Time.After(now) {
		user.FailedLoginCount = 0
		user.LockedUntil = sql.NullTime{}
	}

	user.FailedLoginCount++
	if d.lockout.MaxFailedAttempts > 0 && user.FailedLoginCount >= d.lockout.MaxFailedAttempts {
		user.LockedUntil = sql.NullTime{Time: now.Add(d.lockout.Duration), Valid: true}
	}
	return nil
}

func (d *UserDirectory) RecordSuccessfulLogin(_ context.Context, userID string, ip string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user := d.findByIDLocked(userID)
	if user == nil {
		return ports.ErrUserNotFound
	}

	user.FailedLoginCount = 0
	user.LockedUntil = sql.NullTime{}
	user.LastLoginAt = sql.NullTime{Time: now, Valid: true}
	user.LastLoginIP = sql.NullString{String: ip, Valid: true}
	return nil
}

func (d *UserDirectory) findByIDLocked(userID string) *model.User {
	for _, user := range d.users {
		if user.ID == userID {
			return user
		}
	}
	return nil
}
