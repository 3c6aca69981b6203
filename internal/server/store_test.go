package server

import (
	"context"
	"testing"
	"time"

	"breathrelay/backend/internal/telemetry"
)

func storeReading(deviceID, mac string, index float64, observedAt time.Time) telemetry.DeviceReading {
	return telemetry.DeviceReading{
		SourceKey:   "breath/" + mac,
		DeviceID:    deviceID,
		MACAddress:  mac,
		Value:       index * 100,
		Index:       index,
		AlertStatus: "Normal",
		ObservedAt:  observedAt,
	}
}

func TestMemoryStoreRecentIsChronologicalAndLimited(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for index := 1; index <= 5; index++ {
		_ = store.Add(ctx, storeReading("d1", "EC64C984B1FC", float64(index), base.Add(time.Duration(index)*time.Second)))
		_ = store.Add(ctx, storeReading("d2", "EC64C984E8B0", float64(index*10), base.Add(time.Duration(index)*time.Second)))
	}

	recent, err := store.Recent(ctx, "d1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	got := make([]float64, 0, len(recent))
	for _, reading := range recent {
		got = append(got, reading.IndexValue)
	}
	if !equalFloats(got, []float64{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
}

func TestMemoryStoreDevicesAndLatest(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_ = store.Add(ctx, storeReading("d2", "EC64C984E8B0", 1, base))
	_ = store.Add(ctx, storeReading("d1", "EC64C984B1FC", 2, base.Add(time.Second)))
	_ = store.Add(ctx, storeReading("d1", "EC64C984B1FC", 3, base.Add(2*time.Second)))

	devices, _ := store.Devices(ctx)
	if len(devices) != 2 || devices[0].DeviceID != "d1" || devices[1].DeviceID != "d2" {
		t.Fatalf("unexpected devices %+v", devices)
	}

	latest, _ := store.LatestPerDevice(ctx)
	if len(latest) != 2 || latest[0].IndexValue != 3 || latest[1].IndexValue != 1 {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestMemoryStoreEvictsOldestBeyondCapacity(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for index := 1; index <= 5; index++ {
		_ = store.Add(ctx, storeReading("d1", "EC64C984B1FC", float64(index), time.Now()))
	}

	if store.Count() != 3 {
		t.Fatalf("expected 3 stored readings, got %d", store.Count())
	}
	recent, _ := store.Recent(ctx, "d1", 10)
	if recent[0].IndexValue != 3 || recent[0].ID != 3 {
		t.Fatalf("expected oldest kept reading to be #3, got %+v", recent[0])
	}
}
