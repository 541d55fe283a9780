package logging

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const CorrelationIDHeader = "X-Correlation-ID"

type correlationKey struct{}

// Init настраивает глобальный логгер. format: console или json.
func Init(level string, format string) {
	InitWriter(level, format, os.Stderr)
}

func InitWriter(level string, format string, output io.Writer) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsedLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsedLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.DateTime}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
}

// CorrelationID идентификатор запроса из контекста
func CorrelationID(ctx context.Context) string {
	id, ok := ctx.Value(correlationKey{}).(string)
	if !ok {
		return ""
	}
	return id
}

// WithCorrelationID кладет идентификатор запроса и логгер с ним в контекст
func WithCorrelationID(ctx context.Context, id string) context.Context {
	logger := log.With().Str("correlation_id", id).Logger()
	ctx = context.WithValue(ctx, correlationKey{}, id)
	return logger.WithContext(ctx)
}

// CorrelationIDMiddleware присваивает запросу X-Correlation-ID, если клиент его не передал
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = xid.New().String()
		}
		w.Header().Set(CorrelationIDHeader, id)

		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}
