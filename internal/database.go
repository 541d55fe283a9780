package internal

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

type Database struct {
	*sqlx.DB
}

func NewDatabaseConnection(ctx context.Context, dbDriver string, dbConnectionStr string) (*Database, error) {
	database, err := sqlx.ConnectContext(ctx, dbDriver, dbConnectionStr)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ошибка пинга БД: %w", err)
	}

	log.Info().Str("driver", dbDriver).Msg("подключение к БД успешно выполнено")
	return &Database{
		database,
	}, nil
}

// WithTransaction выполняет fn в транзакции. Любая ошибка, паника или отмена
// контекста приводят к откату.
func (db *Database) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("не удалось начать транзакцию: %w", err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			_ = tx.Rollback()
			panic(recovered)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("не удалось зафиксировать транзакцию: %w", err)
	}
	return nil
}

// Migrate создает таблицы сервиса, если их еще нет
func (db *Database) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ошибка применения схемы БД: %w", err)
	}
	return nil
}

func (db *Database) Close() error {
	err := db.DB.Close()
	if err != nil {
		return fmt.Errorf("ошибка закрытия соединения с БД: %w", err)
	}

	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	username           TEXT NOT NULL UNIQUE,
	password_hash      TEXT NOT NULL,
	roles              TEXT[] NOT NULL DEFAULT '{}',
	failed_login_count INTEGER NOT NULL DEFAULT 0,
	locked_until       TIMESTAMPTZ NULL,
	last_login_at      TIMESTAMPTZ NULL,
	last_login_ip      TEXT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash        TEXT PRIMARY KEY,
	access_token_id   TEXT NOT NULL,
	access_expires_at TIMESTAMPTZ NOT NULL,
	principal_id      TEXT NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	issued_at         TIMESTAMPTZ NOT NULL,
	issued_from_ip    TEXT NOT NULL DEFAULT '',
	device_info       TEXT NOT NULL DEFAULT '',
	revoked           BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_at        TIMESTAMPTZ NULL,
	revoked_by_ip     TEXT NULL,
	revoked_reason    TEXT NULL,
	replaced_by       TEXT NULL,
	CONSTRAINT replaced_only_when_revoked CHECK (replaced_by IS NULL OR revoked)
);

CREATE INDEX IF NOT EXISTS refresh_tokens_principal_active_idx
	ON refresh_tokens (principal_id, issued_at) WHERE revoked = FALSE;
CREATE INDEX IF NOT EXISTS refresh_tokens_revoked_at_idx
	ON refresh_tokens (revoked_at) WHERE revoked = TRUE;
CREATE INDEX IF NOT EXISTS refresh_tokens_expires_at_idx
	ON refresh_tokens (expires_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id             UUID PRIMARY KEY,
	occurred_at    TIMESTAMPTZ NOT NULL,
	event          TEXT NOT NULL,
	principal_id   TEXT NOT NULL DEFAULT '',
	ip             TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT ''
);
`
