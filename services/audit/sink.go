package audit

import (
	"context"

	"github.com/upb/identity-service/models"
	"go.uber.org/zap"
)

// LogSink writes events to the structured log only. Used when no database is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a zap backed sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Insert(ctx context.Context, event *models.AuthEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("action", string(event.Action)),
		zap.String("email", event.Email),
		zap.String("provider", string(event.Provider)),
		zap.String("request_id", event.RequestID),
		zap.String("ip_address", event.IPAddress),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.AccountID != nil {
		fields = append(fields, zap.String("sub", event.AccountID.String()))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.ByteString("details", event.Details))
	}
	s.logger.Info("auth event", fields...)
	return nil
}

// MultiSink fans an event out to several sinks, returning the first error
type MultiSink []Sink

func (m MultiSink) Insert(ctx context.Context, event *models.AuthEvent) error {
	var first error
	for _, sink := range m {
		if err := sink.Insert(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
