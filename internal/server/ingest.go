package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"breathrelay/backend/internal/telemetry"
)

// Publisher receives every decoded reading for live fan-out.
type Publisher interface {
	Publish(reading telemetry.DeviceReading)
}

// Enqueuer accepts readings for durable storage without blocking.
type Enqueuer interface {
	Enqueue(reading telemetry.DeviceReading) bool
}

// MalformedHandler is told about payloads that could not be decoded.
type MalformedHandler interface {
	Reject(topic string, payload []byte, cause error)
}

type IngestStats struct {
	Received  uint64 `json:"received"`
	Decoded   uint64 `json:"decoded"`
	Malformed uint64 `json:"malformed"`
	Connected bool   `json:"connected"`
}

// Ingestor turns bus messages into readings and hands each one to the
// persister and the hub. Neither handoff can block message processing.
type Ingestor struct {
	hub       Publisher
	sink      Enqueuer
	malformed MalformedHandler
	clock     *monotonicClock
	logger    *slog.Logger

	received  atomic.Uint64
	decoded   atomic.Uint64
	rejected  atomic.Uint64
	connected atomic.Bool
}

type IngestOption func(*Ingestor)

func WithMalformedHandler(handler MalformedHandler) IngestOption {
	return func(ingestor *Ingestor) {
		ingestor.malformed = handler
	}
}

func WithClock(now func() time.Time) IngestOption {
	return func(ingestor *Ingestor) {
		ingestor.clock = &monotonicClock{now: now}
	}
}

func NewIngestor(hub Publisher, sink Enqueuer, logger *slog.Logger, options ...IngestOption) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}

	ingestor := &Ingestor{
		hub:    hub,
		sink:   sink,
		clock:  &monotonicClock{now: time.Now},
		logger: logger,
	}
	for _, option := range options {
		option(ingestor)
	}
	return ingestor
}

// HandleMessage processes one bus message. Decode failures are logged and the
// message is dropped.
func (ingestor *Ingestor) HandleMessage(topic string, payload []byte) {
	ingestor.received.Add(1)

	reading, err := telemetry.DecodeReading(topic, payload, ingestor.clock.Now())
	if err != nil {
		ingestor.rejected.Add(1)
		ingestor.logger.Warn("dropping malformed payload", "topic", topic, "bytes", len(payload), "error", err)
		if ingestor.malformed != nil {
			ingestor.malformed.Reject(topic, payload, err)
		}
		return
	}
	ingestor.decoded.Add(1)

	ingestor.logger.Debug(
		"reading received",
		"topic", topic,
		"device", reading.DeviceID,
		"value", reading.Value,
		"index", reading.Index,
		"alert", reading.AlertStatus,
	)

	if ingestor.sink != nil {
		ingestor.sink.Enqueue(reading)
	}
	if ingestor.hub != nil {
		ingestor.hub.Publish(reading)
	}
}

func (ingestor *Ingestor) Stats() IngestStats {
	return IngestStats{
		Received:  ingestor.received.Load(),
		Decoded:   ingestor.decoded.Load(),
		Malformed: ingestor.rejected.Load(),
		Connected: ingestor.connected.Load(),
	}
}

type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topics    []string
	QoS       byte
}

// NewMQTTClient builds a paho client that resubscribes to the fixed topic
// list on every (re)connect. OrderMatters keeps message callbacks serial so
// per-topic arrival order is preserved downstream.
func NewMQTTClient(cfg MQTTConfig, ingestor *Ingestor, logger *slog.Logger) mqtt.Client {
	handler := func(_ mqtt.Client, message mqtt.Message) {
		ingestor.HandleMessage(message.Topic(), message.Payload())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetDefaultPublishHandler(handler)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		ingestor.connected.Store(true)
		logger.Info("connected to mqtt broker", "broker", cfg.BrokerURL)

		filters := make(map[string]byte, len(cfg.Topics))
		for _, topic := range cfg.Topics {
			filters[topic] = cfg.QoS
		}
		if token := client.SubscribeMultiple(filters, handler); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topics", cfg.Topics, "error", token.Error())
			return
		}
		logger.Info("subscribed to topics", "topics", cfg.Topics, "qos", cfg.QoS)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ingestor.connected.Store(false)
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("reconnecting to mqtt broker", "broker", cfg.BrokerURL)
	})

	return mqtt.NewClient(opts)
}

// ConnectMQTT waits for the first successful connection. The client keeps
// retrying on its own, so this only returns early when ctx ends.
func ConnectMQTT(ctx context.Context, client mqtt.Client) error {
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// monotonicClock never hands out a time earlier than one it already returned.
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (clock *monotonicClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	current := clock.now()
	if current.Before(clock.last) {
		current = clock.last
	}
	clock.last = current
	return current
}
