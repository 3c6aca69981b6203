package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"breathrelay/backend/internal/telemetry"
)

// StoredReading is one persisted row as served by the query endpoints.
type StoredReading struct {
	ID           int64     `json:"id"`
	SourceKey    string    `json:"source_key"`
	DeviceID     string    `json:"device_id"`
	MACAddress   string    `json:"mac_address"`
	AlcoholLevel float64   `json:"alcohol_level"`
	AlertStatus  string    `json:"alert_status"`
	IndexValue   float64   `json:"index_value"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Device struct {
	DeviceID   string `json:"device_id"`
	MACAddress string `json:"mac_address"`
}

// Store is the durable reading store behind the persister and the
// historical query surface.
type Store interface {
	Sink
	Devices(ctx context.Context) ([]Device, error)
	Recent(ctx context.Context, deviceID string, limit int) ([]StoredReading, error)
	LatestPerDevice(ctx context.Context) ([]StoredReading, error)
	Ping(ctx context.Context) error
	Close()
}

func storedFrom(id int64, reading telemetry.DeviceReading) StoredReading {
	return StoredReading{
		ID:           id,
		SourceKey:    reading.SourceKey,
		DeviceID:     reading.DeviceID,
		MACAddress:   reading.MACAddress,
		AlcoholLevel: reading.Value,
		AlertStatus:  reading.AlertStatus,
		IndexValue:   reading.Index,
		OwnerID:      reading.OwnerID,
		Timestamp:    reading.ObservedAt.UTC(),
	}
}

// MemoryStore keeps the most recent readings in process. The relay falls back
// to it when Postgres is not configured or not reachable at startup.
type MemoryStore struct {
	mu          sync.RWMutex
	maxReadings int
	nextID      int64
	readings    []StoredReading
}

func NewMemoryStore(maxReadings int) *MemoryStore {
	if maxReadings <= 0 {
		maxReadings = 10000
	}

	return &MemoryStore{
		maxReadings: maxReadings,
		readings:    make([]StoredReading, 0, maxReadings),
	}
}

func (store *MemoryStore) Name() string {
	return "memory"
}

func (store *MemoryStore) Add(_ context.Context, reading telemetry.DeviceReading) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.nextID++
	store.readings = append(store.readings, storedFrom(store.nextID, reading))
	if len(store.readings) > store.maxReadings {
		store.readings = append([]StoredReading(nil), store.readings[len(store.readings)-store.maxReadings:]...)
	}
	return nil
}

func (store *MemoryStore) Count() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.readings)
}

func (store *MemoryStore) Devices(_ context.Context) ([]Device, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	seen := make(map[Device]struct{})
	devices := make([]Device, 0)
	for _, reading := range store.readings {
		device := Device{DeviceID: reading.DeviceID, MACAddress: reading.MACAddress}
		if _, exists := seen[device]; exists {
			continue
		}
		seen[device] = struct{}{}
		devices = append(devices, device)
	}

	sort.Slice(devices, func(left, right int) bool {
		if devices[left].DeviceID == devices[right].DeviceID {
			return devices[left].MACAddress < devices[right].MACAddress
		}
		return devices[left].DeviceID < devices[right].DeviceID
	})
	return devices, nil
}

// Recent returns up to limit readings for the device, oldest first.
func (store *MemoryStore) Recent(_ context.Context, deviceID string, limit int) ([]StoredReading, error) {
	if limit <= 0 {
		limit = telemetry.DefaultWindowSize
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	output := make([]StoredReading, 0, limit)
	for position := len(store.readings) - 1; position >= 0 && len(output) < limit; position-- {
		if store.readings[position].DeviceID == deviceID {
			output = append(output, store.readings[position])
		}
	}

	for left, right := 0, len(output)-1; left < right; left, right = left+1, right-1 {
		output[left], output[right] = output[right], output[left]
	}
	return output, nil
}

func (store *MemoryStore) LatestPerDevice(_ context.Context) ([]StoredReading, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	latest := make(map[string]StoredReading)
	for _, reading := range store.readings {
		latest[reading.DeviceID] = reading
	}

	output := make([]StoredReading, 0, len(latest))
	for _, reading := range latest {
		output = append(output, reading)
	}
	sort.Slice(output, func(left, right int) bool {
		return output[left].DeviceID < output[right].DeviceID
	})
	return output, nil
}

func (store *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (store *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
