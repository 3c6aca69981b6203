package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"breathrelay/backend/internal/telemetry"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

// readingsSchema keeps string columns unbounded, including on tables created
// with fixed widths.
const readingsSchema = `
CREATE TABLE IF NOT EXISTS device_readings (
  id BIGSERIAL PRIMARY KEY,
  source_key TEXT NOT NULL,
  device_id TEXT NOT NULL,
  mac_address TEXT,
  alcohol_level DOUBLE PRECISION NOT NULL,
  alert_status TEXT NOT NULL,
  index_value DOUBLE PRECISION NOT NULL,
  owner_id TEXT,
  observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE device_readings
  ALTER COLUMN device_id TYPE TEXT,
  ALTER COLUMN mac_address TYPE TEXT,
  ALTER COLUMN alert_status TYPE TEXT,
  ALTER COLUMN owner_id TYPE TEXT;

CREATE INDEX IF NOT EXISTS idx_device_readings_device_id ON device_readings(device_id);
CREATE INDEX IF NOT EXISTS idx_device_readings_observed_at ON device_readings(observed_at DESC);
`

func (store *PostgresStore) migrate(ctx context.Context) error {
	_, err := store.pool.Exec(ctx, readingsSchema)
	return err
}

func (store *PostgresStore) Name() string {
	return "postgres"
}

func (store *PostgresStore) Add(ctx context.Context, reading telemetry.DeviceReading) error {
	const query = `
INSERT INTO device_readings (
  source_key, device_id, mac_address, alcohol_level, alert_status, index_value, owner_id, observed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`

	_, err := store.pool.Exec(
		ctx,
		query,
		reading.SourceKey,
		reading.DeviceID,
		nullableText(reading.MACAddress),
		reading.Value,
		reading.AlertStatus,
		reading.Index,
		nullableText(reading.OwnerID),
		reading.ObservedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func (store *PostgresStore) Devices(ctx context.Context) ([]Device, error) {
	const query = `
SELECT DISTINCT device_id, COALESCE(mac_address, '')
FROM device_readings
ORDER BY device_id
`

	rows, err := store.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		var device Device
		if err := rows.Scan(&device.DeviceID, &device.MACAddress); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

func (store *PostgresStore) Recent(ctx context.Context, deviceID string, limit int) ([]StoredReading, error) {
	if limit <= 0 {
		limit = telemetry.DefaultWindowSize
	}

	const query = `
SELECT id, source_key, device_id, COALESCE(mac_address, ''), alcohol_level, alert_status,
       index_value, COALESCE(owner_id, ''), observed_at
FROM device_readings
WHERE device_id = $1
ORDER BY observed_at DESC, id DESC
LIMIT $2
`

	rows, err := store.pool.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}

	readings, err := scanStoredReadings(rows, limit)
	if err != nil {
		return nil, err
	}

	for left, right := 0, len(readings)-1; left < right; left, right = left+1, right-1 {
		readings[left], readings[right] = readings[right], readings[left]
	}

	return readings, nil
}

func (store *PostgresStore) LatestPerDevice(ctx context.Context) ([]StoredReading, error) {
	const query = `
SELECT DISTINCT ON (device_id)
       id, source_key, device_id, COALESCE(mac_address, ''), alcohol_level, alert_status,
       index_value, COALESCE(owner_id, ''), observed_at
FROM device_readings
ORDER BY device_id, observed_at DESC, id DESC
`

	rows, err := store.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanStoredReadings(rows, 0)
}

func scanStoredReadings(rows pgx.Rows, capacity int) ([]StoredReading, error) {
	defer rows.Close()

	readings := make([]StoredReading, 0, capacity)
	for rows.Next() {
		var reading StoredReading
		if err := rows.Scan(
			&reading.ID,
			&reading.SourceKey,
			&reading.DeviceID,
			&reading.MACAddress,
			&reading.AlcoholLevel,
			&reading.AlertStatus,
			&reading.IndexValue,
			&reading.OwnerID,
			&reading.Timestamp,
		); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.pool.Ping(pingCtx)
}

func (store *PostgresStore) Close() {
	store.pool.Close()
}

func nullableText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

var _ Store = (*PostgresStore)(nil)
