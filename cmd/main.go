package main

import (
	"BankSecurityService/config"
	"BankSecurityService/config/server"
	"BankSecurityService/internal/logging"
	"BankSecurityService/internal/metrics"
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/repository"
	"BankSecurityService/internal/service"
	"BankSecurityService/internal/sweeper"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "bank-security",
		Usage: "Сервис выдачи, ротации и отзыва токенов",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "путь до yaml файла конфигурации",
				Value:   "config.yaml",
				EnvVars: []string{"SECURITY_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: ".env файлы с переменными SECURITY_*",
				Value: cli.NewStringSlice(".env", "../.env"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			sweepCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("ошибка выполнения команды")
	}
}

// loadConfig читает .env и yaml, настраивает логгер
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadEnv(c.StringSlice("env-file")...); err != nil {
		return nil, err
	}

	path := c.String("config")
	if _, err := os.Stat(path); err != nil && !c.IsSet("config") {
		path = ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Создать таблицы и, при необходимости, первого пользователя",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "seed-user", Usage: "имя создаваемого пользователя"},
			&cli.StringFlag{Name: "seed-password", Usage: "пароль создаваемого пользователя", EnvVars: []string{"SECURITY_SEED_PASSWORD"}},
			&cli.StringFlag{Name: "seed-roles", Usage: "роли через запятую", Value: "ROLE_USER"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			database, err := server.SetupDatabase(c.Context, cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(c.Context); err != nil {
				return err
			}
			log.Info().Msg("схема БД применена")

			username := c.String("seed-user")
			if username == "" {
				return nil
			}
			if c.String("seed-password") == "" {
				return fmt.Errorf("для --seed-user нужен --seed-password")
			}

			users := repository.NewUserRepository(database, lockoutPolicy(cfg))
			user, err := users.Register(c.Context, username, c.String("seed-password"), strings.Split(c.String("seed-roles"), ","))
			if err != nil {
				return err
			}
			log.Info().Str("principal_id", user.ID).Str("username", user.Username).Msg("пользователь создан")
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Однократно удалить устаревшие refresh токены",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			database, err := server.SetupDatabase(c.Context, cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close()

			registry := metrics.New(prometheus.NewRegistry())
			engine := service.NewRefreshTokenEngine(repository.NewCredentialRepository(database), nopRecorder{}, registry, engineConfig(cfg))
			deleted, err := sweeper.NewRetentionSweeper(engine, registry, sweeperConfig(cfg)).RunOnce(c.Context)
			if err != nil {
				return err
			}

			log.Info().Int64("deleted", deleted).Dur("retention", cfg.Retention.Window.Duration).Msg("очистка завершена")
			return nil
		},
	}
}

func engineConfig(cfg *config.Config) service.EngineConfig {
	return service.EngineConfig{
		RefreshTokenTTL:   cfg.JWT.RefreshTokenTTL.Duration,
		MaxActiveSessions: cfg.Sessions.MaxConcurrent,
		ReusePolicy:       service.ReusePolicy(cfg.Sessions.ReusePolicy),
	}
}

func sweeperConfig(cfg *config.Config) sweeper.Config {
	return sweeper.Config{
		Interval:  cfg.Retention.SweepInterval.Duration,
		Retention: cfg.Retention.Window.Duration,
	}
}

func lockoutPolicy(cfg *config.Config) repository.LockoutPolicy {
	return repository.LockoutPolicy{
		MaxFailedAttempts: cfg.Lockout.MaxFailedAttempts,
		Duration:          cfg.Lockout.Duration.Duration,
	}
}

type nopRecorder struct{}

func (nopRecorder) Add(...model.RevocationEntry) {}
