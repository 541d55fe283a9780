package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SECURITY_"

// LoadEnv загружает переменные из .env файлов. Отсутствующий файл не ошибка,
// уже заданные переменные окружения не перезаписываются.
func LoadEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("ошибка чтения %s: %w", path, err)
		}
	}
	return nil
}

// LoadConfig читает yaml поверх значений по умолчанию, применяет переменные
// окружения SECURITY_* и проверяет результат. Пустой путь означает только
// значения по умолчанию и окружение.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("ошибка парсинга .yaml файла: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	textValues := map[string]*string{
		"SERVER_ADDRESS":          &cfg.Server.Address,
		"DATABASE_DRIVER":         &cfg.Database.Driver,
		"DATABASE_CONNECTION_URL": &cfg.Database.ConnectionString,
		"JWT_SECRET_KEY":          &cfg.JWT.SecretKey,
		"JWT_ISSUER":              &cfg.JWT.Issuer,
		"SESSIONS_REUSE_POLICY":   &cfg.Sessions.ReusePolicy,
		"REDIS_ADDRESS":           &cfg.Revocation.Redis.Address,
		"REDIS_PASSWORD":          &cfg.Revocation.Redis.Password,
		"WEBHOOK_URL":             &cfg.Webhook.URL,
		"LOG_LEVEL":               &cfg.Log.Level,
		"LOG_FORMAT":              &cfg.Log.Format,
	}
	for key, target := range textValues {
		if value, ok := lookup(envPrefix + key); ok {
			*target = value
		}
	}

	intValues := map[string]*int{
		"SESSIONS_MAX_CONCURRENT": &cfg.Sessions.MaxConcurrent,
		"REDIS_DB":                &cfg.Revocation.Redis.DB,
	}
	for key, target := range intValues {
		value, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("неверное значение %s%s: %w", envPrefix, key, err)
		}
		*target = parsed
	}

	return nil
}

func (cfg *Config) Validate() error {
	var errs []error
	check := func(ok bool, message string) {
		if !ok {
			errs = append(errs, errors.New(message))
		}
	}

	check(cfg.Server.Address != "", "server.address не задан")
	check(cfg.JWT.SecretKey != "", "jwt.secret_key не задан")
	check(cfg.JWT.AccessTokenTTL.Duration > 0, "jwt.access_token_ttl должен быть положительным")
	check(cfg.JWT.RefreshTokenTTL.Duration > 0, "jwt.refresh_token_ttl должен быть положительным")
	check(cfg.JWT.RefreshTokenTTL.Duration > cfg.JWT.AccessTokenTTL.Duration,
		"jwt.refresh_token_ttl должен быть больше jwt.access_token_ttl")
	check(cfg.Sessions.MaxConcurrent > 0, "sessions.max_concurrent должен быть положительным")
	check(cfg.Sessions.ReusePolicy == "revoke_chain" || cfg.Sessions.ReusePolicy == "reject",
		"sessions.reuse_policy: допустимо revoke_chain или reject")
	check(cfg.Revocation.RefreshInterval.Duration > 0, "revocation.refresh_interval должен быть положительным")
	check(cfg.Revocation.Overlap.Duration >= 0, "revocation.overlap не может быть отрицательным")
	check(cfg.Retention.Window.Duration > 0, "retention.window должен быть положительным")
	check(cfg.Retention.SweepInterval.Duration > 0, "retention.sweep_interval должен быть положительным")
	check(cfg.Lockout.MaxFailedAttempts >= 0, "lockout.max_failed_attempts не может быть отрицательным")
	check(cfg.Revocation.Redis.Address == "" || cfg.Revocation.Redis.Channel != "",
		"revocation.redis.channel обязателен при заданном адресе")

	if len(errs) > 0 {
		return fmt.Errorf("неверная конфигурация: %w", errors.Join(errs...))
	}
	return nil
}
