// Package revocation хранит идентификаторы отозванных access токенов.
//
// Cache держит неизменяемый снимок map[jti]expiresAt за atomic.Pointer:
// чтение на горячем пути не берет блокировок. Запись (синхронное добавление
// при отзыве и периодическая сверка с БД) строит новый снимок и подменяет
// указатель; писатели сериализуются между собой мьютексом.
package revocation

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	_ ports.RevocationRecorder = (*Cache)(nil)
	_ ports.RevocationGuard    = (*Cache)(nil)
)

// RevokedSource источник отозванных токенов для сверки
type RevokedSource interface {
	ListRevokedSince(ctx context.Context, since time.Time, now time.Time) ([]model.RevocationEntry, error)
}

type snapshot map[string]time.Time

type Cache struct {
	entries atomic.Pointer[snapshot]

	writeMu     sync.Mutex
	source      RevokedSource
	lookback    time.Duration
	overlap     time.Duration
	lastRefresh time.Time
	now         func() time.Time

	onSizeChange func(int)
}

type Option func(*Cache)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(cache *Cache) { cache.now = now }
}

// WithOverlap запас при инкрементальной сверке на случай расхождения часов узлов
func WithOverlap(overlap time.Duration) Option {
	return func(cache *Cache) { cache.overlap = overlap }
}

// WithSizeObserver вызывается после каждой подмены снимка
func WithSizeObserver(observe func(int)) Option {
	return func(cache *Cache) { cache.onSizeChange = observe }
}

// NewCache создает пустой кэш. lookback равен времени жизни access токена:
// отозванные раньше него токены уже истекли и при первой загрузке не нужны.
func NewCache(source RevokedSource, lookback time.Duration, options ...Option) *Cache {
	cache := &Cache{
		source:   source,
		lookback: lookback,
		overlap:  5 * time.Second,
		now:      time.Now,
	}
	for _, option := range options {
		option(cache)
	}

	empty := make(snapshot)
	cache.entries.Store(&empty)
	return cache
}

// IsRevoked проверка на горячем пути, без блокировок и обращений к БД
func (cache *Cache) IsRevoked(accessTokenID string) bool {
	expiresAt, ok := (*cache.entries.Load())[accessTokenID]
	if !ok {
		return false
	}
	return cache.now().Before(expiresAt)
}

// Add синхронно блокирует токены на текущем узле
func (cache *Cache) Add(entries ...model.RevocationEntry) {
	if len(entries) == 0 {
		return
	}

	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()

	cache.swapLocked(entries, false)
}

// Refresh подтягивает из БД отзывы, сделанные на других узлах
func (cache *Cache) Refresh(ctx context.Context) error {
	cache.writeMu.Lock()
	defer cache.writeMu.Unlock()

	now := cache.now()
	since := now.Add(-cache.lookback)
	if !cache.lastRefresh.IsZero() {
		since = cache.lastRefresh.Add(-cache.overlap)
	}

	entries, err := cache.source.ListRevokedSince(ctx, since, now)
	if err != nil {
		return fmt.Errorf("не удалось обновить кэш отозванных токенов: %w", err)
	}

	cache.swapLocked(entries, true)
	cache.lastRefresh = now
	return nil
}

// Run периодически вызывает Refresh до отмены контекста. Ошибки не фатальны.
func (cache *Cache) Run(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "revocation_cache").Logger()

	if err := cache.Refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("первичная загрузка кэша не удалась")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("обновление кэша остановлено")
			return
		case <-ticker.C:
			if err := cache.Refresh(ctx); err != nil {
				logger.Error().Err(err).Msg("обновление кэша не удалось, повтор на следующем интервале")
				continue
			}
			logger.Debug().Int("size", cache.Len()).Msg("кэш отозванных токенов обновлен")
		}
	}
}

func (cache *Cache) Len() int {
	return len(*cache.entries.Load())
}

// swapLocked копирует текущий снимок без истекших записей, добавляет новые и подменяет.
// Add без новых записей снимок не копирует, при сверке (prune) копия делается всегда.
func (cache *Cache) swapLocked(entries []model.RevocationEntry, prune bool) {
	now := cache.now()
	current := *cache.entries.Load()

	pending := make([]model.RevocationEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.AccessTokenID == "" || !now.Before(entry.ExpiresAt) {
			continue
		}
		if existing, ok := current[entry.AccessTokenID]; ok && !entry.ExpiresAt.After(existing) {
			continue
		}
		pending = append(pending, entry)
	}
	if len(pending) == 0 && !prune {
		return
	}

	next := make(snapshot, len(current)+len(pending))
	for accessTokenID, expiresAt := range current {
		if now.Before(expiresAt) {
			next[accessTokenID] = expiresAt
		}
	}
	for _, entry := range pending {
		if existing, ok := next[entry.AccessTokenID]; !ok || entry.ExpiresAt.After(existing) {
			next[entry.AccessTokenID] = entry.ExpiresAt
		}
	}

	cache.entries.Store(&next)
	if cache.onSizeChange != nil {
		cache.onSizeChange(len(next))
	}
}
