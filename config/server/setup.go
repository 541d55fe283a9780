package server

import (
	"BankSecurityService/config"
	"BankSecurityService/internal"
	"BankSecurityService/internal/logging"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// HealthCheck проверка зависимостей для /healthz
type HealthCheck func(ctx context.Context) error

func SetupDatabase(ctx context.Context, cfg config.DatabaseConfig) (*internal.Database, error) {
	database, err := internal.NewDatabaseConnection(ctx, cfg.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения: %w", err)
	}
	return database, nil
}

// SetupRedis возвращает nil без ошибки, если адрес Redis не задан
func SetupRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Address == "" {
		return nil, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Address},
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка подключения к redis: %w", err)
	}
	return client, nil
}

func SetupRouter(metricsHandler http.Handler, health HealthCheck) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(logging.CorrelationIDMiddleware)
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", metricsHandler)
	router.Get("/healthz", func(writer http.ResponseWriter, request *http.Request) {
		ctx, cancel := context.WithTimeout(request.Context(), 2*time.Second)
		defer cancel()

		if err := health(ctx); err != nil {
			http.Error(writer, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})

	return router
}

func SetupServer(cfg config.ServerConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
