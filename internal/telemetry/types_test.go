package telemetry

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeReadingAcceptsStringAndNumberPayloads(t *testing.T) {
	observedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reading, err := DecodeReading("breath/EC64C984B1FC", []byte(`{
		"device_id": "unit-7",
		"alc_val": "3012.5",
		"Alert": "Alert",
		"Index": 42,
		"MAC": "EC64C984B1FC",
		"OwnerId": "owner-1"
	}`), observedAt)
	if err != nil {
		t.Fatalf("decode reading: %v", err)
	}

	if reading.SourceKey != "breath/EC64C984B1FC" {
		t.Fatalf("expected source key from topic, got %q", reading.SourceKey)
	}
	if reading.DeviceID != "unit-7" {
		t.Fatalf("expected device id unit-7, got %q", reading.DeviceID)
	}
	if reading.Value != 3012.5 {
		t.Fatalf("expected value 3012.5, got %v", reading.Value)
	}
	if reading.Index != 42 {
		t.Fatalf("expected index 42, got %v", reading.Index)
	}
	if reading.OwnerID != "owner-1" {
		t.Fatalf("expected owner owner-1, got %q", reading.OwnerID)
	}
	if !reading.ObservedAt.Equal(observedAt) {
		t.Fatalf("expected observedAt %v, got %v", observedAt, reading.ObservedAt)
	}
}

func TestDecodeReadingAppliesDefaults(t *testing.T) {
	reading, err := DecodeReading("EC64C984E8", []byte(`{"MAC":"EC64C984E8"}`), time.Now())
	if err != nil {
		t.Fatalf("decode reading: %v", err)
	}

	if reading.DeviceID != "EC64C984E8" {
		t.Fatalf("expected device id to fall back to MAC, got %q", reading.DeviceID)
	}
	if reading.Value != 0 || reading.Index != 0 {
		t.Fatalf("expected zero value and index, got %v/%v", reading.Value, reading.Index)
	}
	if reading.AlertStatus != UnknownAlert {
		t.Fatalf("expected alert %q, got %q", UnknownAlert, reading.AlertStatus)
	}

	reading, err = DecodeReading("EC64C984E8", []byte(`{}`), time.Now())
	if err != nil {
		t.Fatalf("decode empty object: %v", err)
	}
	if reading.DeviceID != UnknownDevice {
		t.Fatalf("expected device id %q, got %q", UnknownDevice, reading.DeviceID)
	}
}

func TestDecodeReadingIgnoresPayloadTopic(t *testing.T) {
	reading, err := DecodeReading("EC64C984B1", []byte(`{"topic":"spoofed","SourceKey":"spoofed"}`), time.Now())
	if err != nil {
		t.Fatalf("decode reading: %v", err)
	}
	if reading.SourceKey != "EC64C984B1" {
		t.Fatalf("expected subscription topic as source key, got %q", reading.SourceKey)
	}
}

func TestDecodeReadingRejectsMalformedPayloads(t *testing.T) {
	payloads := map[string]string{
		"not json":      `{"alc_val":`,
		"null":          `null`,
		"array":         `[1,2,3]`,
		"bad number":    `{"alc_val":"abc"}`,
		"bool index":    `{"Index":true}`,
		"plain numeric": `12.5`,
		"nan index":     `{"Index":"NaN"}`,
		"inf value":     `{"alc_val":"Inf"}`,
		"neg inf index": `{"Index":"-Infinity"}`,
		"overflow":      `{"Index":"1e400"}`,
		"overflow num":  `{"alc_val":1e400}`,
		"trailing data": `{"Index":1} trailing-garbage`,
		"second object": `{"Index":1}{"Index":2}`,
	}

	for name, payload := range payloads {
		if _, err := DecodeReading("A", []byte(payload), time.Now()); err == nil {
			t.Fatalf("%s: expected decode error for %q", name, payload)
		}
	}
}

func TestDecodeReadingAllowsTrailingWhitespace(t *testing.T) {
	reading, err := DecodeReading("A", []byte("{\"Index\":3}\n  "), time.Now())
	if err != nil {
		t.Fatalf("decode reading: %v", err)
	}
	if reading.Index != 3 {
		t.Fatalf("expected index 3, got %v", reading.Index)
	}
}

func TestEnvelopeRoundTripRestoresRelayFields(t *testing.T) {
	observedAt := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)
	reading := DeviceReading{
		SourceKey:   "breath/EC64C984E8B0",
		DeviceID:    "unit-3",
		MACAddress:  "EC64C984E8B0",
		Value:       1200,
		Index:       12,
		AlertStatus: "Normal",
		ObservedAt:  observedAt,
	}

	encoded, err := json.Marshal(NewEnvelope(reading))
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	data, ok := wire["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %T", wire["data"])
	}
	if data["alc_val"] != 1200.0 || data["MAC"] != "EC64C984E8B0" {
		t.Fatalf("expected bus field names in data, got %v", data)
	}

	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if decoded.Data.SourceKey != reading.SourceKey {
		t.Fatalf("expected source key %q, got %q", reading.SourceKey, decoded.Data.SourceKey)
	}
	if !decoded.Data.ObservedAt.Equal(observedAt) {
		t.Fatalf("expected observedAt %v, got %v", observedAt, decoded.Data.ObservedAt)
	}
}

func TestDecodeEnvelopeRejectsMissingTopicAndTimestamp(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"data":{},"timestamp":"2026-03-01T10:00:00Z"}`)); err == nil {
		t.Fatal("expected error for missing topic")
	}
	if _, err := DecodeEnvelope([]byte(`{"topic":"A","data":{},"timestamp":"yesterday"}`)); err == nil {
		t.Fatal("expected error for invalid timestamp")
	}
	if _, err := DecodeEnvelope([]byte(`garbage`)); err == nil {
		t.Fatal("expected error for non-json frame")
	}
}
