package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SecurityAlert уведомление службы безопасности банка
type SecurityAlert struct {
	Event         string `json:"event"`
	PrincipalID   string `json:"principalId"`
	IP            string `json:"ip"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeStamp     string `json:"timestamp"`
}

type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (webhook *Webhook) Notify(ctx context.Context, alert SecurityAlert) error {
	if alert.TimeStamp == "" {
		alert.TimeStamp = time.Now().UTC().Format(time.RFC3339)
	}

	jsonBody, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("ошибка преобразования в json: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса webhook: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := webhook.client.Do(request)
	if err != nil {
		return fmt.Errorf("ошибка отправки webhook: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook ответил статусом %d", response.StatusCode)
	}

	log.Debug().Str("event", alert.Event).Msg("webhook успешно отправлен")
	return nil
}
