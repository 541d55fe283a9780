package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Revocation RevocationConfig `yaml:"revocation"`
	Retention  RetentionConfig  `yaml:"retention"`
	Lockout    LockoutConfig    `yaml:"lockout"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Address         string   `yaml:"address"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connection_string"`
	// AuditEvents писать события аудита в таблицу audit_events
	AuditEvents bool `yaml:"audit_events"`
}

type JWTConfig struct {
	SecretKey       string   `yaml:"secret_key"`
	Issuer          string   `yaml:"issuer"`
	AccessTokenTTL  Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL Duration `yaml:"refresh_token_ttl"`
}

type SessionsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	ReusePolicy   string `yaml:"reuse_policy"`
}

type RevocationConfig struct {
	RefreshInterval Duration    `yaml:"refresh_interval"`
	Overlap         Duration    `yaml:"overlap"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig канал рассылки отзывов между узлами. Пустой адрес отключает рассылку.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type RetentionConfig struct {
	Window        Duration `yaml:"window"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type LockoutConfig struct {
	MaxFailedAttempts int      `yaml:"max_failed_attempts"`
	Duration          Duration `yaml:"duration"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration в yaml записывается строкой для time.ParseDuration: "15m", "720h"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var value string
	if err := node.Decode(&value); err != nil {
		return fmt.Errorf("строка %d: ожидается длительность: %w", node.Line, err)
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("строка %d: неверная длительность %q: %w", node.Line, value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Default значения, действующие для ключей, отсутствующих в файле
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			RequestTimeout:  Duration{3 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			AuditEvents: true,
		},
		JWT: JWTConfig{
			Issuer:          "bank-security-service",
			AccessTokenTTL:  Duration{15 * time.Minute},
			RefreshTokenTTL: Duration{7 * 24 * time.Hour},
		},
		Sessions: SessionsConfig{
			MaxConcurrent: 5,
			ReusePolicy:   "revoke_chain",
		},
		Revocation: RevocationConfig{
			RefreshInterval: Duration{10 * time.Second},
			Overlap:         Duration{5 * time.Second},
			Redis: RedisConfig{
				Channel: "security:revocations",
			},
		},
		Retention: RetentionConfig{
			Window:        Duration{30 * 24 * time.Hour},
			SweepInterval: Duration{time.Hour},
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: 5,
			Duration:          Duration{15 * time.Minute},
		},
		Webhook: WebhookConfig{
			Timeout: Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
