package main

import (
	"BankSecurityService/config"
	"BankSecurityService/config/server"
	"BankSecurityService/internal"
	"BankSecurityService/internal/audit"
	"BankSecurityService/internal/handler"
	"BankSecurityService/internal/metrics"
	"BankSecurityService/internal/notifier"
	"BankSecurityService/internal/ports"
	"BankSecurityService/internal/repository"
	"BankSecurityService/internal/revocation"
	"BankSecurityService/internal/security"
	"BankSecurityService/internal/service"
	"BankSecurityService/internal/sweeper"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Запустить HTTP сервер",
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	database, err := server.SetupDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serviceMetrics := metrics.New(registry)

	credentialRepository := repository.NewCredentialRepository(database)
	userRepository := repository.NewUserRepository(database, lockoutPolicy(cfg))

	cache := revocation.NewCache(credentialRepository, cfg.JWT.AccessTokenTTL.Duration,
		revocation.WithOverlap(cfg.Revocation.Overlap.Duration),
		revocation.WithSizeObserver(func(size int) { serviceMetrics.RevocationCache.Set(float64(size)) }),
	)
	if err := cache.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("первичная загрузка кэша отозванных токенов не удалась")
	}

	var workers sync.WaitGroup
	var revocations ports.RevocationRecorder = cache

	redisClient, err := server.SetupRedis(ctx, cfg.Revocation.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("redis недоступен, отзывы другим узлам доставляются только через БД")
	}
	if redisClient != nil {
		defer redisClient.Close()

		broadcaster := revocation.NewRedisBroadcaster(redisClient, cfg.Revocation.Redis.Channel, cache)
		revocations = broadcaster
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := broadcaster.Run(ctx); err != nil {
				log.Error().Err(err).Msg("подписка на отзывы других узлов завершилась с ошибкой")
			}
		}()
	}

	auditRecorder, webhookBackend := setupAudit(cfg, database)
	if webhookBackend != nil {
		defer webhookBackend.Wait()
	}

	issuer := security.NewAccessTokenIssuer([]byte(cfg.JWT.SecretKey), cfg.JWT.Issuer, cfg.JWT.AccessTokenTTL.Duration)
	engine := service.NewRefreshTokenEngine(credentialRepository, revocations, serviceMetrics, engineConfig(cfg))
	guard := revocation.NewGuard(cache, serviceMetrics.RevokedAccessHits.Inc)
	authenticationService := service.NewAuthenticationService(issuer, engine, userRepository, auditRecorder, guard)
	authenticationHandler := handler.NewAuthenticationHandler(authenticationService, cfg.Server.RequestTimeout.Duration)

	router := server.SetupRouter(serviceMetrics.Handler(), database.PingContext)
	authenticationHandler.Mount(router)
	httpServer := server.SetupServer(cfg.Server, router)

	workers.Add(2)
	go func() {
		defer workers.Done()
		cache.Run(ctx, cfg.Revocation.RefreshInterval.Duration)
	}()
	go func() {
		defer workers.Done()
		sweeper.NewRetentionSweeper(engine, serviceMetrics, sweeperConfig(cfg)).Run(ctx)
	}()

	err = runServer(ctx, httpServer, cfg.Server.ShutdownTimeout.Duration)
	cancel()
	workers.Wait()
	return err
}

// setupAudit пишет аудит в лог всегда, в БД и webhook по конфигурации
func setupAudit(cfg *config.Config, database *internal.Database) (*audit.Recorder, *audit.WebhookBackend) {
	backends := []audit.Backend{audit.NewLogBackend(log.Logger)}
	if cfg.Database.AuditEvents {
		backends = append(backends, audit.NewDatabaseBackend(database))
	}

	var webhookBackend *audit.WebhookBackend
	if cfg.Webhook.URL != "" {
		webhookBackend = audit.NewWebhookBackend(notifier.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout.Duration), cfg.Webhook.Timeout.Duration)
		backends = append(backends, webhookBackend)
	}

	return audit.NewRecorder(backends...), webhookBackend
}

func runServer(ctx context.Context, httpServer *http.Server, shutdownTimeout time.Duration) error {
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("сервер запущен")
		serverErrors <- httpServer.ListenAndServe()
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChannel)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-signalChannel:
		log.Info().Str("signal", sig.String()).Msg("получен сигнал остановки работы сервера")
	case <-ctx.Done():
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutDownCancel()

	if err := httpServer.Shutdown(shutDownCtx); err != nil {
		log.Error().Err(err).Msg("ошибка при остановке сервера")
		return err
	}
	log.Info().Msg("сервер успешно остановлен")
	return nil
}
