package viewer

import (
	"testing"
	"time"

	"breathrelay/backend/internal/telemetry"
)

func testEnvelope(sourceKey, mac string, value, index float64) telemetry.Envelope {
	return telemetry.NewEnvelope(telemetry.DeviceReading{
		SourceKey:   sourceKey,
		DeviceID:    "device-" + mac,
		MACAddress:  mac,
		Value:       value,
		Index:       index,
		AlertStatus: "Normal",
		ObservedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
}

func TestDashboardApplyTracksLatestStateAndWindow(t *testing.T) {
	dashboard := NewDashboard(telemetry.DefaultLabels(), 3)

	for index := 1; index <= 5; index++ {
		dashboard.Apply(testEnvelope("breath/EC64C984B1FC", "EC64C984B1FC", 2900, float64(index)))
	}

	points := dashboard.Window("breath/EC64C984B1FC")
	if len(points) != 3 || points[0].Index != 3 || points[2].Index != 5 {
		t.Fatalf("expected window [3 4 5], got %+v", points)
	}

	state, ok := dashboard.Latest("breath/EC64C984B1FC")
	if !ok {
		t.Fatal("expected latest state")
	}
	if state.Gate != "Gate 2" || !state.Elevated || state.Index != 5 {
		t.Fatalf("unexpected latest state %+v", state)
	}
}

func TestDashboardUnknownDeviceIsLabelledUnknown(t *testing.T) {
	dashboard := NewDashboard(telemetry.DefaultLabels(), 0)
	dashboard.Apply(testEnvelope("breath/other", "AABBCCDDEEFF", 100, 1))

	state, _ := dashboard.Latest("breath/other")
	if state.Gate != telemetry.UnknownLabel || state.Elevated {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestDashboardSnapshotAndReset(t *testing.T) {
	dashboard := NewDashboard(telemetry.DefaultLabels(), 0)
	dashboard.Apply(testEnvelope("breath/EC64C984E8B0", "EC64C984E8B0", 100, 1))
	dashboard.Apply(testEnvelope("breath/EC64C984B1FC", "EC64C984B1FC", 100, 2))

	views := dashboard.Snapshot()
	if len(views) != 2 || views[0].Gate != "Gate 2" || views[1].Gate != "Gate 3" {
		t.Fatalf("unexpected snapshot %+v", views)
	}
	if len(views[0].Points) != 1 {
		t.Fatalf("expected one point, got %+v", views[0].Points)
	}

	dashboard.Reset()
	if len(dashboard.Snapshot()) != 0 || len(dashboard.Window("breath/EC64C984B1FC")) != 0 {
		t.Fatal("expected empty dashboard after reset")
	}
}
