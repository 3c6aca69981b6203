package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"breathrelay/backend/internal/telemetry"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	DLQTopic string
}

// KafkaMirror republishes every reading to a Kafka topic keyed by source, and
// parks undecodable bus payloads on a dead-letter topic. Both writers are
// async, so neither call waits on the brokers.
type KafkaMirror struct {
	main   *kafka.Writer
	dlq    *kafka.Writer
	logger *slog.Logger
}

func NewKafkaMirror(cfg KafkaConfig, logger *slog.Logger) *KafkaMirror {
	if logger == nil {
		logger = slog.Default()
	}
	balancer := &kafka.Hash{}

	completion := func(topic string) func([]kafka.Message, error) {
		return func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write failed", "topic", topic, "messages", len(messages), "error", err)
			}
		}
	}

	main := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: balancer,

		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
		Completion:   completion(cfg.Topic),
	}

	var dlq *kafka.Writer
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.DLQTopic,
			Balancer: balancer,

			BatchSize:    20,
			BatchTimeout: 50 * time.Millisecond,

			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion:   completion(cfg.DLQTopic),
		}
	}

	return &KafkaMirror{main: main, dlq: dlq, logger: logger}
}

func (mirror *KafkaMirror) Name() string {
	return "kafka"
}

func (mirror *KafkaMirror) Add(ctx context.Context, reading telemetry.DeviceReading) error {
	value, err := json.Marshal(telemetry.NewEnvelope(reading))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return mirror.main.WriteMessages(ctx, kafka.Message{
		Key:   []byte(reading.SourceKey),
		Value: value,
		Headers: []kafka.Header{{
			Key:   "observedAt",
			Value: []byte(reading.ObservedAt.UTC().Format(time.RFC3339Nano)),
		}},
	})
}

// Reject sends a payload that failed to decode to the dead-letter topic.
func (mirror *KafkaMirror) Reject(topic string, payload []byte, cause error) {
	if mirror.dlq == nil {
		return
	}

	value, err := json.Marshal(deadLetter(topic, payload, cause, time.Now()))
	if err != nil {
		mirror.logger.Error("encode dead letter failed", "topic", topic, "error", err)
		return
	}

	if err := mirror.dlq.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(topic),
		Value: value,
	}); err != nil {
		mirror.logger.Error("kafka write failed", "topic", mirror.dlq.Topic, "error", err)
	}
}

func deadLetter(topic string, payload []byte, cause error, receivedAt time.Time) map[string]any {
	letter := map[string]any{
		"error":      cause.Error(),
		"topic":      topic,
		"receivedAt": receivedAt.UTC().Format(time.RFC3339Nano),
	}
	if json.Valid(payload) {
		letter["original"] = json.RawMessage(payload)
	} else {
		letter["original"] = string(payload)
	}
	return letter
}

func (mirror *KafkaMirror) Close() {
	_ = mirror.main.Close()
	if mirror.dlq != nil {
		_ = mirror.dlq.Close()
	}
}
