package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

func (api *API) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     api.checkOrigin,
	}
}

// checkOrigin accepts every origin unless an allow list is configured.
func (api *API) checkOrigin(request *http.Request) bool {
	if len(api.allowedOrigins) == 0 {
		return true
	}

	origin := strings.TrimSpace(request.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range api.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handleStream upgrades the request and streams every envelope published
// after registration. Viewers subscribe to all sources; nothing is read from
// the client except control frames.
func (api *API) handleStream(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	client := clientIdentity(request, api.trustProxyHeaders)
	if api.connectLimiter != nil {
		if allowed, retryAfter := api.connectLimiter.Allow(client, api.now()); !allowed {
			response.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
			writeError(response, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}

	conn, err := api.upgrader().Upgrade(response, request, nil)
	if err != nil {
		api.logger.Warn("websocket upgrade failed", "client", client, "error", err)
		return
	}

	viewer := api.hub.Register()
	api.logger.Info("viewer connected", "viewer", viewer.ID(), "client", client)

	done := make(chan struct{})
	go api.readPump(conn, done)
	api.writePump(conn, viewer, done)

	api.hub.Deregister(viewer)
	_ = conn.Close()
	api.logger.Info("viewer disconnected", "viewer", viewer.ID(), "client", client)
}

// readPump discards client frames and signals done when the peer goes away.
func (api *API) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (api *API) writePump(conn *websocket.Conn, viewer *Viewer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case envelope, ok := <-viewer.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Torn down by the hub, usually for falling behind.
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "viewer dropped"))
				return
			}

			payload, err := json.Marshal(envelope)
			if err != nil {
				api.logger.Error("encode envelope failed", "viewer", viewer.ID(), "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				api.logger.Debug("viewer write failed", "viewer", viewer.ID(), "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
