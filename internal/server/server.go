package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"breathrelay/backend/internal/telemetry"
)

const maxReadingsLimit = 1000

// LiveCache serves the newest envelope per source.
type LiveCache interface {
	Latest(ctx context.Context, sourceKeys []string) ([]telemetry.Envelope, error)
}

type API struct {
	store      Store
	hub        *Hub
	logger     *slog.Logger
	live       LiveCache
	sourceKeys []string
	labels     telemetry.Labels

	ingestStats  func() IngestStats
	persistStats func() PersistStats

	connectLimiter    *requestLimiter
	trustProxyHeaders bool
	allowedOrigins    []string
	now               func() time.Time
	process           processSampler
}

type APIOption func(*API)

func WithLiveCache(cache LiveCache) APIOption {
	return func(api *API) {
		api.live = cache
	}
}

func WithSourceKeys(sourceKeys []string) APIOption {
	return func(api *API) {
		api.sourceKeys = append([]string(nil), sourceKeys...)
	}
}

func WithLabels(labels telemetry.Labels) APIOption {
	return func(api *API) {
		api.labels = labels
	}
}

func WithIngestStats(stats func() IngestStats) APIOption {
	return func(api *API) {
		api.ingestStats = stats
	}
}

func WithPersistStats(stats func() PersistStats) APIOption {
	return func(api *API) {
		api.persistStats = stats
	}
}

// WithConnectLimit caps websocket handshakes per client per minute.
func WithConnectLimit(perMinute int) APIOption {
	return func(api *API) {
		if perMinute > 0 {
			api.connectLimiter = newRequestLimiter(perMinute, time.Minute)
		}
	}
}

func WithTrustProxyHeaders(trust bool) APIOption {
	return func(api *API) {
		api.trustProxyHeaders = trust
	}
}

func WithAllowedOrigins(origins []string) APIOption {
	return func(api *API) {
		api.allowedOrigins = append([]string(nil), origins...)
	}
}

func NewAPI(store Store, hub *Hub, logger *slog.Logger, options ...APIOption) *API {
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		store:      store,
		hub:        hub,
		logger:     logger,
		sourceKeys: append([]string(nil), telemetry.DefaultTopics...),
		labels:     telemetry.DefaultLabels(),
		now:        time.Now,
	}
	for _, option := range options {
		option(api)
	}
	return api
}

func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/api/health", api.handleHealth)
	mux.HandleFunc("/ready", api.handleReady)
	mux.HandleFunc("/api/devices", api.handleDevices)
	mux.HandleFunc("/api/readings/{deviceId}", api.handleReadings)
	mux.HandleFunc("/api/latest", api.handleLatest)
	mux.HandleFunc("/api/live", api.handleLive)
	mux.HandleFunc("/api/windows", api.handleWindows)
	mux.HandleFunc("/ws", api.handleStream)
	return mux
}

// StreamHandler serves the live feed on its own listener.
func (api *API) StreamHandler() http.Handler {
	return http.HandlerFunc(api.handleStream)
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload := map[string]any{
		"status":         "ok",
		"viewers":        api.hub.ViewerCount(),
		"droppedViewers": api.hub.DroppedViewers(),
		"sources":        len(api.hub.Windows()),
		"process":        api.process.Sample(),
	}
	if api.ingestStats != nil {
		payload["ingest"] = api.ingestStats()
	}
	if api.persistStats != nil {
		payload["persistence"] = api.persistStats()
	}

	writeJSON(response, http.StatusOK, payload)
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := api.store.Ping(request.Context()); err != nil {
		writeError(response, http.StatusServiceUnavailable, "not ready")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (api *API) handleDevices(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	devices, err := api.store.Devices(request.Context())
	if err != nil {
		api.logger.Error("list devices failed", "error", err)
		writeError(response, http.StatusInternalServerError, "failed to read devices")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{"devices": devices})
}

func (api *API) handleReadings(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	deviceID := strings.TrimSpace(request.PathValue("deviceId"))
	if deviceID == "" {
		writeError(response, http.StatusBadRequest, "device id is required")
		return
	}

	limit := telemetry.DefaultWindowSize
	if rawLimit := request.URL.Query().Get("limit"); rawLimit != "" {
		parsedLimit, err := strconv.Atoi(rawLimit)
		if err != nil || parsedLimit < 1 || parsedLimit > maxReadingsLimit {
			writeError(response, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsedLimit
	}

	readings, err := api.store.Recent(request.Context(), deviceID, limit)
	if err != nil {
		api.logger.Error("read recent readings failed", "device", deviceID, "error", err)
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{"readings": readings})
}

func (api *API) handleLatest(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	readings, err := api.store.LatestPerDevice(request.Context())
	if err != nil {
		api.logger.Error("read latest readings failed", "error", err)
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{"readings": readings})
}

type liveReading struct {
	telemetry.Envelope
	Gate     string `json:"gate"`
	Elevated bool   `json:"elevated"`
}

func (api *API) handleLive(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	output := make([]liveReading, 0, len(api.sourceKeys))
	if api.live == nil {
		writeJSON(response, http.StatusOK, map[string]any{"readings": output})
		return
	}

	envelopes, err := api.live.Latest(request.Context(), api.sourceKeys)
	if err != nil {
		api.logger.Error("read live cache failed", "error", err)
		writeError(response, http.StatusServiceUnavailable, "live cache unavailable")
		return
	}

	for _, envelope := range envelopes {
		output = append(output, liveReading{
			Envelope: envelope,
			Gate:     api.labels.Resolve(envelope.Data.MACAddress),
			Elevated: telemetry.ExceedsThreshold(envelope.Data.Value),
		})
	}
	writeJSON(response, http.StatusOK, map[string]any{"readings": output})
}

func (api *API) handleWindows(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"capacity": api.hub.WindowSize(),
		"windows":  api.hub.Windows(),
	})
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]string{"error": message})
}
