package server

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"breathrelay/backend/internal/telemetry"
)

const influxMeasurement = "breath_reading"

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes each reading as a point for time-series dashboards.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (sink *InfluxSink) Name() string {
	return "influx"
}

func (sink *InfluxSink) Add(ctx context.Context, reading telemetry.DeviceReading) error {
	if err := sink.writeAPI.WritePoint(ctx, readingPoint(reading)); err != nil {
		return fmt.Errorf("write point: %w", err)
	}
	return nil
}

func readingPoint(reading telemetry.DeviceReading) *write.Point {
	tags := map[string]string{
		"source_key":   reading.SourceKey,
		"device_id":    reading.DeviceID,
		"alert_status": reading.AlertStatus,
	}
	if reading.MACAddress != "" {
		tags["mac"] = reading.MACAddress
	}

	fields := map[string]interface{}{
		"alcohol_level": reading.Value,
		"index":         reading.Index,
	}
	if reading.OwnerID != "" {
		fields["owner_id"] = reading.OwnerID
	}

	return write.NewPoint(influxMeasurement, tags, fields, reading.ObservedAt)
}

func (sink *InfluxSink) Close() {
	sink.client.Close()
}
