// Package sweeper периодически удаляет из хранилища refresh токены,
// истекшие или отозванные раньше окна хранения.
package sweeper

import (
	"BankSecurityService/internal/metrics"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
	// Timeout ограничивает один проход очистки
	Timeout time.Duration
}

type RetentionSweeper struct {
	cleaner Cleaner
	metrics *metrics.Metrics
	config  Config
}

func NewRetentionSweeper(cleaner Cleaner, metrics *metrics.Metrics, config Config) *RetentionSweeper {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &RetentionSweeper{cleaner: cleaner, metrics: metrics, config: config}
}

// RunOnce один проход очистки, используется командой sweep
func (sweeper *RetentionSweeper) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sweeper.config.Timeout)
	defer cancel()

	deleted, err := sweeper.cleaner.Cleanup(ctx, sweeper.config.Retention)
	if err != nil {
		sweeper.metrics.SweeperFailures.Inc()
		return 0, fmt.Errorf("ошибка очистки устаревших токенов: %w", err)
	}

	sweeper.metrics.SweeperDeleted.Add(float64(deleted))
	return deleted, nil
}

// Run запускает очистку с фиксированным интервалом до отмены контекста.
// Неудачный проход повторяется на следующем тике.
func (sweeper *RetentionSweeper) Run(ctx context.Context) {
	logger := log.With().Str("component", "retention_sweeper").Logger()

	ticker := time.NewTicker(sweeper.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("очистка остановлена")
			return
		case <-ticker.C:
			deleted, err := sweeper.RunOnce(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("очистка не удалась")
				continue
			}
			if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("удалены устаревшие refresh токены")
			}
		}
	}
}
