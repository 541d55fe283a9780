package model

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// User учетная запись клиента банка
type User struct {
	ID               string         `db:"id"`
	Username         string         `db:"username"`
	PasswordHash     string         `db:"password_hash"`
	Roles            pq.StringArray `db:"roles"`
	FailedLoginCount int            `db:"failed_login_count"`
	LockedUntil      sql.NullTime   `db:"locked_until"`
	LastLoginAt      sql.NullTime   `db:"last_login_at"`
	LastLoginIP      sql.NullString `db:"last_login_ip"`
	CreatedAt        time.Time      `db:"created_at"`
}

// IsLockedOut учетная запись временно заблокирована после неудачных попыток входа
func (user *User) IsLockedOut(now time.Time) bool {
	return user.LockedUntil.Valid && user.LockedUntil.Time.After(now)
}
