// Package metrics метрики сервиса безопасности в формате Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "security"

type Metrics struct {
	SessionsIssued     prometheus.Counter
	SessionsEvicted    prometheus.Counter
	TokensRotated      prometheus.Counter
	TokensRevoked      *prometheus.CounterVec
	ReplaysDetected    prometheus.Counter
	ValidationFailures *prometheus.CounterVec
	RevokedAccessHits  prometheus.Counter
	RevocationCache    prometheus.Gauge
	SweeperDeleted     prometheus.Counter
	SweeperFailures    prometheus.Counter

	gatherer prometheus.Gatherer
}

// New регистрирует метрики в registry. В тестах передается prometheus.NewRegistry().
func New(registry *prometheus.Registry) *Metrics {
	metrics := &Metrics{
		SessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_issued_total",
			Help: "Выдано refresh токенов при входе.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_evicted_total",
			Help: "Сессий вытеснено из-за лимита одновременных сессий.",
		}),
		TokensRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_rotated_total",
			Help: "Успешных ротаций refresh токенов.",
		}),
		TokensRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_revoked_total",
			Help: "Отозванных refresh токенов по причине.",
		}, []string{"reason"}),
		ReplaysDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replays_detected_total",
			Help: "Повторных предъявлений уже использованных refresh токенов.",
		}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "validation_failures_total",
			Help: "Отклоненных refresh токенов по внутренней причине.",
		}, []string{"reason"}),
		RevokedAccessHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "revoked_access_rejections_total",
			Help: "Запросов, отклоненных из-за отозванного access токена.",
		}),
		RevocationCache: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "revocation_cache_entries",
			Help: "Размер кэша отозванных access токенов.",
		}),
		SweeperDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeper_deleted_total",
			Help: "Удалено устаревших refresh токенов.",
		}),
		SweeperFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeper_failures_total",
			Help: "Неудачных запусков очистки.",
		}),
		gatherer: registry,
	}

	registry.MustRegister(
		metrics.SessionsIssued,
		metrics.SessionsEvicted,
		metrics.TokensRotated,
		metrics.TokensRevoked,
		metrics.ReplaysDetected,
		metrics.ValidationFailures,
		metrics.RevokedAccessHits,
		metrics.RevocationCache,
		metrics.SweeperDeleted,
		metrics.SweeperFailures,
	)

	return metrics
}

func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{})
}
