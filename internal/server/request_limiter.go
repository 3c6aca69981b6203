package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// requestLimiter counts attempts per client in fixed windows. It guards the
// websocket handshake so a misbehaving viewer cannot reconnect in a tight
// loop.
type requestLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]requestWindow
}

type requestWindow struct {
	start time.Time
	count int
}

func newRequestLimiter(limit int, window time.Duration) *requestLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &requestLimiter{
		limit:   limit,
		window:  window,
		entries: map[string]requestWindow{},
	}
}

// Allow records an attempt for key. When the attempt is refused it also
// reports how long until the client's window resets.
func (limiter *requestLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.sweep(now)

	entry, exists := limiter.entries[key]
	if !exists || now.Sub(entry.start) >= limiter.window {
		entry = requestWindow{start: now}
	}

	if entry.count >= limiter.limit {
		return false, entry.start.Add(limiter.window).Sub(now)
	}

	entry.count++
	limiter.entries[key] = entry
	return true, 0
}

func (limiter *requestLimiter) sweep(now time.Time) {
	if len(limiter.entries) < 256 {
		return
	}

	for key, entry := range limiter.entries {
		if now.Sub(entry.start) >= limiter.window {
			delete(limiter.entries, key)
		}
	}
}

// clientIdentity names the peer for rate limiting and logs. Proxy headers are
// honoured only when the relay sits behind a trusted proxy.
func clientIdentity(request *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if forwardedFor := strings.TrimSpace(request.Header.Get("X-Forwarded-For")); forwardedFor != "" {
			firstHop, _, _ := strings.Cut(forwardedFor, ",")
			if ip := strings.TrimSpace(firstHop); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(request.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}

	remote := strings.TrimSpace(request.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
