package viewer

import (
	"sort"
	"sync"
	"time"

	"breathrelay/backend/internal/telemetry"
)

// SourceState is the latest known reading for one source, prepared for
// display.
type SourceState struct {
	SourceKey  string
	DeviceID   string
	Gate       string
	Value      float64
	Index      float64
	Alert      string
	Elevated   bool
	ObservedAt time.Time
}

type SourceView struct {
	SourceState
	Points []telemetry.Point
}

// Dashboard is the client-side mirror of the live feed: one rolling window
// and one latest state per source.
type Dashboard struct {
	mu         sync.Mutex
	labels     telemetry.Labels
	windowSize int
	windows    map[string]*telemetry.Window
	latest     map[string]SourceState
}

func NewDashboard(labels telemetry.Labels, windowSize int) *Dashboard {
	if windowSize <= 0 {
		windowSize = telemetry.DefaultWindowSize
	}
	return &Dashboard{
		labels:     labels,
		windowSize: windowSize,
		windows:    make(map[string]*telemetry.Window),
		latest:     make(map[string]SourceState),
	}
}

func (dashboard *Dashboard) Apply(envelope telemetry.Envelope) {
	reading := envelope.Data
	sourceKey := envelope.Topic

	dashboard.mu.Lock()
	defer dashboard.mu.Unlock()

	window, exists := dashboard.windows[sourceKey]
	if !exists {
		window = telemetry.NewWindow(dashboard.windowSize)
		dashboard.windows[sourceKey] = window
	}
	window.Add(telemetry.PointFor(reading))

	dashboard.latest[sourceKey] = SourceState{
		SourceKey:  sourceKey,
		DeviceID:   reading.DeviceID,
		Gate:       dashboard.labels.Resolve(reading.MACAddress),
		Value:      reading.Value,
		Index:      reading.Index,
		Alert:      reading.AlertStatus,
		Elevated:   telemetry.ExceedsThreshold(reading.Value),
		ObservedAt: reading.ObservedAt,
	}
}

// Reset drops every window and latest state.
func (dashboard *Dashboard) Reset() {
	dashboard.mu.Lock()
	defer dashboard.mu.Unlock()

	dashboard.windows = make(map[string]*telemetry.Window)
	dashboard.latest = make(map[string]SourceState)
}

func (dashboard *Dashboard) Latest(sourceKey string) (SourceState, bool) {
	dashboard.mu.Lock()
	defer dashboard.mu.Unlock()

	state, ok := dashboard.latest[sourceKey]
	return state, ok
}

func (dashboard *Dashboard) Window(sourceKey string) []telemetry.Point {
	dashboard.mu.Lock()
	defer dashboard.mu.Unlock()

	window, exists := dashboard.windows[sourceKey]
	if !exists {
		return []telemetry.Point{}
	}
	return window.Points()
}

// Snapshot returns every source sorted by gate label, then source key.
func (dashboard *Dashboard) Snapshot() []SourceView {
	dashboard.mu.Lock()
	defer dashboard.mu.Unlock()

	views := make([]SourceView, 0, len(dashboard.latest))
	for sourceKey, state := range dashboard.latest {
		views = append(views, SourceView{
			SourceState: state,
			Points:      dashboard.windows[sourceKey].Points(),
		})
	}

	sort.Slice(views, func(left, right int) bool {
		if views[left].Gate == views[right].Gate {
			return views[left].SourceKey < views[right].SourceKey
		}
		return views[left].Gate < views[right].Gate
	})
	return views
}
