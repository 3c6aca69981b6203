package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"breathrelay/backend/internal/telemetry"
)

type config struct {
	Port   string
	WSPort string

	DatabaseURL string
	PGMaxConns  int

	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopics   []string
	MQTTQoS      int

	RedisAddr     string
	RedisTTL      time.Duration
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaDLQTopic string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	PersistWorkers   int
	PersistQueueSize int
	MemoryReadings   int
	ViewerQueueSize  int
	WSConnectLimit   int
	TrustProxy       bool
	CORSAllowOrigin  string
	AllowedOrigins   []string
	GateLabelsFile   string

	LogLevel string
	LogFile  string
}

func loadConfig() config {
	return config{
		Port:   envOrDefault("PORT", "5000"),
		WSPort: envOrDefault("WS_PORT", "5001"),

		DatabaseURL: envOrDefault("DATABASE_URL", ""),
		PGMaxConns:  intOrDefault("PG_MAX_CONNS", 10),

		MQTTBroker:   envOrDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: envOrDefault("MQTT_CLIENT_ID", ""),
		MQTTUsername: envOrDefault("MQTT_USERNAME", ""),
		MQTTPassword: envOrDefault("MQTT_PASSWORD", ""),
		MQTTTopics:   listOrDefault("MQTT_TOPICS", telemetry.DefaultTopics),
		MQTTQoS:      intOrDefault("MQTT_QOS", 1),

		RedisAddr:     envOrDefault("REDIS_ADDR", ""),
		RedisTTL:      durationOrDefault("REDIS_TTL", 24*time.Hour),
		KafkaBrokers:  listOrDefault("KAFKA_BROKERS", nil),
		KafkaTopic:    envOrDefault("KAFKA_TOPIC", "breath-readings"),
		KafkaDLQTopic: envOrDefault("KAFKA_DLQ_TOPIC", "breath-readings-dlq"),
		InfluxURL:     envOrDefault("INFLUX_URL", ""),
		InfluxToken:   envOrDefault("INFLUX_TOKEN", ""),
		InfluxOrg:     envOrDefault("INFLUX_ORG", ""),
		InfluxBucket:  envOrDefault("INFLUX_BUCKET", "breath"),

		PersistWorkers:   intOrDefault("PERSIST_WORKERS", 10),
		PersistQueueSize: intOrDefault("PERSIST_QUEUE_SIZE", 1024),
		MemoryReadings:   intOrDefault("MEMORY_READINGS", 10000),
		ViewerQueueSize:  intOrDefault("VIEWER_QUEUE_SIZE", 64),
		WSConnectLimit:   intOrDefault("WS_CONNECT_LIMIT", 30),
		TrustProxy:       boolOrDefault("TRUST_PROXY_HEADERS", false),
		CORSAllowOrigin:  envOrDefault("CORS_ALLOW_ORIGIN", "*"),
		AllowedOrigins:   listOrDefault("WS_ALLOWED_ORIGINS", nil),
		GateLabelsFile:   envOrDefault("GATE_LABELS_FILE", ""),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
		LogFile:  envOrDefault("LOG_FILE", ""),
	}
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsedValue, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsedValue
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsedValue, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsedValue
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsedValue, err := time.ParseDuration(value)
	if err != nil || parsedValue <= 0 {
		return fallback
	}
	return parsedValue
}

// listOrDefault splits a comma separated variable, skipping blanks.
func listOrDefault(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
