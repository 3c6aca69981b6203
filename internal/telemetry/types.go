package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	UnknownDevice = "unknown"
	UnknownAlert  = "Unknown"
)

// DeviceReading is one decoded breath-alcohol event. SourceKey and ObservedAt
// are assigned by the relay, never read from the bus payload.
type DeviceReading struct {
	SourceKey   string    `json:"-"`
	DeviceID    string    `json:"device_id"`
	MACAddress  string    `json:"MAC"`
	Value       float64   `json:"alc_val"`
	Index       float64   `json:"Index"`
	AlertStatus string    `json:"Alert"`
	OwnerID     string    `json:"OwnerId,omitempty"`
	ObservedAt  time.Time `json:"-"`
}

// Envelope is the live feed message pushed to every viewer.
type Envelope struct {
	Topic     string        `json:"topic"`
	Data      DeviceReading `json:"data"`
	Timestamp string        `json:"timestamp"`
}

func NewEnvelope(reading DeviceReading) Envelope {
	return Envelope{
		Topic:     reading.SourceKey,
		Data:      reading,
		Timestamp: reading.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeEnvelope parses a live feed message and restores the relay-assigned
// fields of the embedded reading.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(envelope.Topic) == "" {
		return Envelope{}, errors.New("missing field: topic")
	}

	observedAt, err := time.Parse(time.RFC3339Nano, envelope.Timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid field timestamp: %w", err)
	}

	envelope.Data.SourceKey = envelope.Topic
	envelope.Data.ObservedAt = observedAt
	return envelope, nil
}

// DecodeReading turns a raw bus payload into a DeviceReading for the given
// subscription topic. Missing fields fall back to the bus defaults; fields
// that are present but malformed reject the whole payload.
func DecodeReading(sourceKey string, raw []byte, observedAt time.Time) (DeviceReading, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return DeviceReading{}, err
	}
	if payload == nil {
		return DeviceReading{}, errors.New("payload must be a JSON object")
	}
	var trailing any
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return DeviceReading{}, errors.New("unexpected data after JSON object")
	}

	value, err := optionalFloatField(payload, "alc_val")
	if err != nil {
		return DeviceReading{}, err
	}
	index, err := optionalFloatField(payload, "Index")
	if err != nil {
		return DeviceReading{}, err
	}

	mac := stringField(payload, "MAC")
	deviceID := stringField(payload, "device_id")
	if deviceID == "" {
		deviceID = mac
	}
	if deviceID == "" {
		deviceID = UnknownDevice
	}

	alert := stringField(payload, "Alert")
	if alert == "" {
		alert = UnknownAlert
	}

	return DeviceReading{
		SourceKey:   sourceKey,
		DeviceID:    deviceID,
		MACAddress:  mac,
		Value:       value,
		Index:       index,
		AlertStatus: alert,
		OwnerID:     stringField(payload, "OwnerId"),
		ObservedAt:  observedAt,
	}, nil
}

func stringField(payload map[string]any, key string) string {
	switch typed := payload[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func optionalFloatField(payload map[string]any, key string) (float64, error) {
	value, ok := payload[key]
	if !ok || value == nil {
		return 0, nil
	}

	parsed, err := parseFloat(value)
	if err != nil {
		return 0, fmt.Errorf("invalid field %s: %w", key, err)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, fmt.Errorf("invalid field %s: %v is not a finite number", key, value)
	}
	return parsed, nil
}

func parseFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case string:
		if strings.TrimSpace(typed) == "" {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", value)
	}
}
