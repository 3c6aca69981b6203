package server

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"breathrelay/backend/internal/telemetry"
)

func TestReadingPointCarriesTagsAndFields(t *testing.T) {
	observedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	reading := telemetry.DeviceReading{
		SourceKey:   "breath/EC64C984B1FC",
		DeviceID:    "d1",
		MACAddress:  "EC64C984B1FC",
		Value:       3100,
		Index:       31,
		AlertStatus: "High",
		ObservedAt:  observedAt,
	}

	point := readingPoint(reading)
	if point.Name() != influxMeasurement {
		t.Fatalf("expected measurement %q, got %q", influxMeasurement, point.Name())
	}
	if !point.Time().Equal(observedAt) {
		t.Fatalf("expected point time %v, got %v", observedAt, point.Time())
	}

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["source_key"] != "breath/EC64C984B1FC" || tags["mac"] != "EC64C984B1FC" || tags["alert_status"] != "High" {
		t.Fatalf("unexpected tags %v", tags)
	}

	fields := map[string]any{}
	for _, field := range point.FieldList() {
		fields[field.Key] = field.Value
	}
	if fields["alcohol_level"] != 3100.0 || fields["index"] != 31.0 {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, exists := fields["owner_id"]; exists {
		t.Fatal("expected owner_id to be omitted when empty")
	}
}

func TestDeadLetterKeepsJSONPayloadsStructured(t *testing.T) {
	receivedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	letter := deadLetter("A", []byte(`{"Index":"abc"}`), errors.New("invalid Index"), receivedAt)
	encoded, err := json.Marshal(letter)
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal dead letter: %v", err)
	}
	original, ok := decoded["original"].(map[string]any)
	if !ok || original["Index"] != "abc" {
		t.Fatalf("expected structured original payload, got %v", decoded["original"])
	}
	if decoded["topic"] != "A" || decoded["receivedAt"] != "2026-03-01T09:30:00Z" {
		t.Fatalf("unexpected dead letter %v", decoded)
	}

	raw := deadLetter("A", []byte(`not json`), errors.New("bad"), receivedAt)
	if raw["original"] != "not json" {
		t.Fatalf("expected raw string payload, got %v", raw["original"])
	}
}

func TestLatestKeyIsScopedPerSource(t *testing.T) {
	if got := latestKey("breath/EC64C984B1FC"); got != "reading:last:breath/EC64C984B1FC" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestReadingsSchemaStoresUnboundedStrings(t *testing.T) {
	if strings.Contains(strings.ToUpper(readingsSchema), "VARCHAR") {
		t.Fatalf("expected unbounded text columns, got schema %s", readingsSchema)
	}
	for _, column := range []string{"device_id", "mac_address", "alert_status", "owner_id"} {
		if !strings.Contains(readingsSchema, "ALTER COLUMN "+column+" TYPE TEXT") {
			t.Fatalf("expected existing %s column to be widened", column)
		}
	}
}
