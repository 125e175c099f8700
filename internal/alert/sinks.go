package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogSink writes alerts to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("category", string(a.Category)),
		zap.String("title", a.Title),
		zap.String("message", a.Message),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Warn("Operator alert", fields...)
	return nil
}

// Publisher is satisfied by broker.Producer
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// KafkaSink publishes alerts for the external alert formatter
type KafkaSink struct {
	publisher Publisher
}

// NewKafkaSink creates a Kafka-backed sink
func NewKafkaSink(publisher Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) Send(ctx context.Context, a Alert) error {
	if err := s.publisher.PublishEvent(ctx, fmt.Sprintf("alert-%s", a.Category), a); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
