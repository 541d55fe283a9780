package revocation

import (
	"BankSecurityService/internal/model"
	"BankSecurityService/internal/ports"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 2 * time.Second

var _ ports.RevocationRecorder = (*RedisBroadcaster)(nil)

type broadcastMessage struct {
	Node    string                  `json:"node"`
	Entries []model.RevocationEntry `json:"entries"`
}

// RedisBroadcaster рассылает отзывы другим узлам через Redis pub/sub.
// Доставка не гарантируется: гарантию дает периодическая сверка кэша с БД.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	local   *Cache
	nodeID  string

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisBroadcaster(client redis.UniversalClient, channel string, local *Cache) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		local:   local,
		nodeID:  xid.New().String(),
		ready:   make(chan struct{}),
	}
}

// Add блокирует токены локально и публикует их, не дожидаясь Redis
func (broadcaster *RedisBroadcaster) Add(entries ...model.RevocationEntry) {
	if len(entries) == 0 {
		return
	}
	broadcaster.local.Add(entries...)

	payload, err := json.Marshal(broadcastMessage{Node: broadcaster.nodeID, Entries: entries})
	if err != nil {
		log.Error().Err(err).Msg("ошибка преобразования в json")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := broadcaster.client.Publish(ctx, broadcaster.channel, payload).Err(); err != nil {
			log.Warn().Err(err).Str("channel", broadcaster.channel).Msg("не удалось разослать отзыв токенов")
		}
	}()
}

// Ready закрывается, когда подписка на канал установлена
func (broadcaster *RedisBroadcaster) Ready() <-chan struct{} {
	return broadcaster.ready
}

// Run применяет отзывы с других узлов к локальному кэшу до отмены контекста
func (broadcaster *RedisBroadcaster) Run(ctx context.Context) error {
	subscription := broadcaster.client.Subscribe(ctx, broadcaster.channel)
	defer subscription.Close()

	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("не удалось подписаться на канал %s: %w", broadcaster.channel, err)
	}
	broadcaster.readyOnce.Do(func() { close(broadcaster.ready) })

	logger := log.With().Str("component", "revocation_broadcaster").Str("node", broadcaster.nodeID).Logger()
	logger.Info().Str("channel", broadcaster.channel).Msg("подписка на отзывы установлена")

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}

			var decoded broadcastMessage
			if err := json.Unmarshal([]byte(message.Payload), &decoded); err != nil {
				logger.Warn().Err(err).Msg("некорректное сообщение об отзыве")
				continue
			}
			if decoded.Node == broadcaster.nodeID {
				continue
			}

			broadcaster.local.Add(decoded.Entries...)
			logger.Debug().Int("count", len(decoded.Entries)).Str("from", decoded.Node).Msg("получены отзывы с другого узла")
		}
	}
}
