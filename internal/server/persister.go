package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"breathrelay/backend/internal/telemetry"
)

// Sink is one durable destination for decoded readings.
type Sink interface {
	Name() string
	Add(ctx context.Context, reading telemetry.DeviceReading) error
}

type PersisterConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		Workers:      10,
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
	}
}

type PersistStats struct {
	Queued  uint64 `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Persister writes readings to its sinks from a fixed pool of workers.
// Enqueue never blocks the caller: when the queue is full the reading is
// dropped for persistence only.
type Persister struct {
	sinks  []Sink
	queue  chan telemetry.DeviceReading
	config PersisterConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	queued  atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewPersister(logger *slog.Logger, config PersisterConfig, sinks ...Sink) *Persister {
	cfg := config
	defaults := DefaultPersisterConfig()

	if cfg.Workers < 1 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Persister{
		sinks:  sinks,
		queue:  make(chan telemetry.DeviceReading, cfg.QueueSize),
		config: cfg,
		logger: logger,
	}
}

func (persister *Persister) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	persister.cancel = cancel

	for range persister.config.Workers {
		persister.wg.Add(1)
		go persister.work(workerCtx)
	}
}

// Stop halts the workers after they flush whatever is still queued.
func (persister *Persister) Stop() {
	if persister.cancel != nil {
		persister.cancel()
	}
	persister.wg.Wait()
}

func (persister *Persister) Enqueue(reading telemetry.DeviceReading) bool {
	select {
	case persister.queue <- reading:
		persister.queued.Add(1)
		return true
	default:
		persister.dropped.Add(1)
		persister.logger.Warn("persist queue full, reading not stored", "source", reading.SourceKey, "device", reading.DeviceID)
		return false
	}
}

func (persister *Persister) Stats() PersistStats {
	return PersistStats{
		Queued:  persister.queued.Load(),
		Written: persister.written.Load(),
		Failed:  persister.failed.Load(),
		Dropped: persister.dropped.Load(),
	}
}

func (persister *Persister) work(ctx context.Context) {
	defer persister.wg.Done()

	for {
		select {
		case reading := <-persister.queue:
			persister.write(context.Background(), reading)
		case <-ctx.Done():
			persister.drain()
			return
		}
	}
}

func (persister *Persister) drain() {
	for {
		select {
		case reading := <-persister.queue:
			persister.write(context.Background(), reading)
		default:
			return
		}
	}
}

func (persister *Persister) write(parent context.Context, reading telemetry.DeviceReading) {
	for _, sink := range persister.sinks {
		writeCtx, cancel := context.WithTimeout(parent, persister.config.WriteTimeout)
		err := sink.Add(writeCtx, reading)
		cancel()

		if err != nil {
			persister.failed.Add(1)
			persister.logger.Error(
				"persist reading failed",
				"sink", sink.Name(),
				"source", reading.SourceKey,
				"device", reading.DeviceID,
				"error", err,
			)
			continue
		}
		persister.written.Add(1)
	}
}
