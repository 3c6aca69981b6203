package server

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"breathrelay/backend/internal/telemetry"
)

const defaultViewerQueueSize = 64

// Viewer is the hub's handle for one connected dashboard. Its queue is
// closed by the hub exactly once, on deregistration.
type Viewer struct {
	id      string
	updates chan telemetry.Envelope
	closed  bool
}

func (viewer *Viewer) ID() string {
	return viewer.id
}

// Updates yields envelopes until the viewer is deregistered.
func (viewer *Viewer) Updates() <-chan telemetry.Envelope {
	return viewer.updates
}

// Hub owns the viewer registry and the per-source rolling windows. Every
// mutation and every fan-out happens under mu; sends never block, so holding
// the lock across delivery keeps a concurrent Deregister from closing a
// queue mid-send.
type Hub struct {
	mu         sync.Mutex
	viewers    map[*Viewer]struct{}
	windows    map[string]*telemetry.Window
	windowSize int
	queueSize  int
	logger     *slog.Logger

	dropped uint64
}

type HubOption func(*Hub)

func WithWindowSize(size int) HubOption {
	return func(hub *Hub) {
		if size > 0 {
			hub.windowSize = size
		}
	}
}

func WithViewerQueueSize(size int) HubOption {
	return func(hub *Hub) {
		if size > 0 {
			hub.queueSize = size
		}
	}
}

func NewHub(logger *slog.Logger, options ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	hub := &Hub{
		viewers:    make(map[*Viewer]struct{}),
		windows:    make(map[string]*telemetry.Window),
		windowSize: telemetry.DefaultWindowSize,
		queueSize:  defaultViewerQueueSize,
		logger:     logger,
	}
	for _, option := range options {
		option(hub)
	}
	return hub
}

// Register adds a viewer to the fan-out set. No backlog is replayed.
func (hub *Hub) Register() *Viewer {
	viewer := &Viewer{
		id:      uuid.NewString(),
		updates: make(chan telemetry.Envelope, hub.queueSize),
	}

	hub.mu.Lock()
	hub.viewers[viewer] = struct{}{}
	count := len(hub.viewers)
	hub.mu.Unlock()

	hub.logger.Info("viewer registered", "viewer", viewer.id, "viewers", count)
	return viewer
}

// Deregister removes the viewer and closes its queue. Repeated calls are
// no-ops.
func (hub *Hub) Deregister(viewer *Viewer) {
	if viewer == nil {
		return
	}

	hub.mu.Lock()
	removed := hub.removeLocked(viewer)
	count := len(hub.viewers)
	hub.mu.Unlock()

	if removed {
		hub.logger.Info("viewer deregistered", "viewer", viewer.id, "viewers", count)
	}
}

func (hub *Hub) removeLocked(viewer *Viewer) bool {
	if _, exists := hub.viewers[viewer]; !exists {
		return false
	}
	delete(hub.viewers, viewer)
	if !viewer.closed {
		viewer.closed = true
		close(viewer.updates)
	}
	return true
}

// Publish appends the reading to its source window and offers it to every
// registered viewer. A viewer whose queue is full misses this update and is
// torn down; the remaining viewers are unaffected.
func (hub *Hub) Publish(reading telemetry.DeviceReading) {
	envelope := telemetry.NewEnvelope(reading)

	hub.mu.Lock()
	window, exists := hub.windows[reading.SourceKey]
	if !exists {
		window = telemetry.NewWindow(hub.windowSize)
		hub.windows[reading.SourceKey] = window
	}
	window.Add(telemetry.PointFor(reading))

	var saturated []*Viewer
	for viewer := range hub.viewers {
		select {
		case viewer.updates <- envelope:
		default:
			saturated = append(saturated, viewer)
		}
	}

	for _, viewer := range saturated {
		hub.removeLocked(viewer)
		hub.dropped++
	}
	count := len(hub.viewers)
	hub.mu.Unlock()

	for _, viewer := range saturated {
		hub.logger.Warn("viewer saturated, dropping", "viewer", viewer.id, "source", reading.SourceKey, "viewers", count)
	}
}

// Window returns a copy of the rolling window for one source.
func (hub *Hub) Window(sourceKey string) []telemetry.Point {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	window, exists := hub.windows[sourceKey]
	if !exists {
		return []telemetry.Point{}
	}
	return window.Points()
}

func (hub *Hub) Windows() map[string][]telemetry.Point {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	output := make(map[string][]telemetry.Point, len(hub.windows))
	for sourceKey, window := range hub.windows {
		output[sourceKey] = window.Points()
	}
	return output
}

func (hub *Hub) ViewerCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.viewers)
}

// DroppedViewers counts viewers torn down for backpressure.
func (hub *Hub) DroppedViewers() uint64 {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.dropped
}

func (hub *Hub) WindowSize() int {
	return hub.windowSize
}
