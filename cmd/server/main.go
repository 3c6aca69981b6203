package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"breathrelay/backend/internal/server"
	"breathrelay/backend/internal/telemetry"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	labels := telemetry.DefaultLabels()
	if cfg.GateLabelsFile != "" {
		loaded, err := telemetry.LoadLabels(cfg.GateLabelsFile)
		if err != nil {
			logger.Error("gate labels not loaded, using defaults", "file", cfg.GateLabelsFile, "error", err)
		} else {
			labels = loaded
		}
	}

	store := openStore(ctx, cfg, logger)
	defer store.Close()

	sinks := []server.Sink{store}
	var liveCache server.LiveCache
	var malformed server.MalformedHandler

	if cfg.RedisAddr != "" {
		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cache, err := server.NewRedisLatestCache(setupCtx, cfg.RedisAddr, cfg.RedisTTL)
		cancel()
		if err != nil {
			logger.Error("redis cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer cache.Close()
			sinks = append(sinks, cache)
			liveCache = cache
			logger.Info("redis latest cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.RedisTTL)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		mirror := server.NewKafkaMirror(server.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			DLQTopic: cfg.KafkaDLQTopic,
		}, logger)
		defer mirror.Close()
		sinks = append(sinks, mirror)
		malformed = mirror
		logger.Info("kafka mirror enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "dlq", cfg.KafkaDLQTopic)
	}

	if cfg.InfluxURL != "" {
		influx := server.NewInfluxSink(server.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		defer influx.Close()
		sinks = append(sinks, influx)
		logger.Info("influx sink enabled", "url", cfg.InfluxURL, "bucket", cfg.InfluxBucket)
	}

	persister := server.NewPersister(logger, server.PersisterConfig{
		Workers:   cfg.PersistWorkers,
		QueueSize: cfg.PersistQueueSize,
	}, sinks...)
	persister.Start(context.Background())

	hub := server.NewHub(logger, server.WithViewerQueueSize(cfg.ViewerQueueSize))

	ingestOptions := make([]server.IngestOption, 0, 1)
	if malformed != nil {
		ingestOptions = append(ingestOptions, server.WithMalformedHandler(malformed))
	}
	ingestor := server.NewIngestor(hub, persister, logger, ingestOptions...)

	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "breath-relay-" + uuid.NewString()[:8]
	}
	mqttClient := server.NewMQTTClient(server.MQTTConfig{
		BrokerURL: cfg.MQTTBroker,
		ClientID:  clientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Topics:    cfg.MQTTTopics,
		QoS:       byte(cfg.MQTTQoS),
	}, ingestor, logger)

	go func() {
		if err := server.ConnectMQTT(ctx, mqttClient); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mqtt connect failed", "broker", cfg.MQTTBroker, "error", err)
		}
	}()

	apiOptions := []server.APIOption{
		server.WithSourceKeys(cfg.MQTTTopics),
		server.WithLabels(labels),
		server.WithIngestStats(ingestor.Stats),
		server.WithPersistStats(persister.Stats),
		server.WithConnectLimit(cfg.WSConnectLimit),
		server.WithTrustProxyHeaders(cfg.TrustProxy),
		server.WithAllowedOrigins(cfg.AllowedOrigins),
	}
	if liveCache != nil {
		apiOptions = append(apiOptions, server.WithLiveCache(liveCache))
	}
	api := server.NewAPI(store, hub, logger, apiOptions...)

	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           withCORS(cfg.CORSAllowOrigin, api.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	streamServer := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           api.StreamHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrors := make(chan error, 2)
	for _, httpServer := range []*http.Server{apiServer, streamServer} {
		go func() {
			logger.Info("listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrors <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErrors:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, httpServer := range []*http.Server{apiServer, streamServer} {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "addr", httpServer.Addr, "error", err)
		}
	}
	mqttClient.Disconnect(250)
	persister.Stop()

	stats := persister.Stats()
	logger.Info("relay stopped", "written", stats.Written, "failed", stats.Failed, "dropped", stats.Dropped)
}

// openStore prefers Postgres and falls back to the in-memory store so the
// live path keeps working without a database.
func openStore(ctx context.Context, cfg config, logger *slog.Logger) server.Store {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, readings kept in memory only", "max", cfg.MemoryReadings)
		return server.NewMemoryStore(cfg.MemoryReadings)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := server.NewPostgresStore(setupCtx, cfg.DatabaseURL, int32(cfg.PGMaxConns))
	if err != nil {
		logger.Error("postgres unavailable, readings kept in memory only", "error", err)
		return server.NewMemoryStore(cfg.MemoryReadings)
	}
	logger.Info("postgres store ready", "maxConns", cfg.PGMaxConns)
	return store
}

func newLogger(level string, file string) *slog.Logger {
	var writer io.Writer = os.Stdout
	if file != "" {
		writer = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}

	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		response.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		response.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if request.Method == http.MethodOptions {
			response.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(response, request)
	})
}
