package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"breathrelay/backend/internal/telemetry"
)

type recordingSink struct {
	mu       sync.Mutex
	readings []telemetry.DeviceReading
	err      error
}

func (sink *recordingSink) Name() string {
	return "recording"
}

func (sink *recordingSink) Add(_ context.Context, reading telemetry.DeviceReading) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.err != nil {
		return sink.err
	}
	sink.readings = append(sink.readings, reading)
	return nil
}

func (sink *recordingSink) snapshot() []telemetry.DeviceReading {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	output := make([]telemetry.DeviceReading, len(sink.readings))
	copy(output, sink.readings)
	return output
}

type recordingRejects struct {
	topics []string
}

func (rejects *recordingRejects) Reject(topic string, _ []byte, _ error) {
	rejects.topics = append(rejects.topics, topic)
}

type syncEnqueuer struct {
	sink *recordingSink
}

func (enqueuer syncEnqueuer) Enqueue(reading telemetry.DeviceReading) bool {
	_ = enqueuer.sink.Add(context.Background(), reading)
	return true
}

func TestIngestorPublishesAndEnqueuesDecodedReadings(t *testing.T) {
	hub := NewHub(testLogger())
	viewer := hub.Register()
	defer hub.Deregister(viewer)

	sink := &recordingSink{}
	observedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	ingestor := NewIngestor(hub, syncEnqueuer{sink: sink}, testLogger(), WithClock(func() time.Time { return observedAt }))

	ingestor.HandleMessage("breath/EC64C984B1FC", []byte(`{"device_id":"d1","alc_val":1500,"Alert":"Normal","Index":15,"MAC":"EC64C984B1FC"}`))

	got := receive(t, viewer)
	if got.Topic != "breath/EC64C984B1FC" || got.Data.DeviceID != "d1" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if got.Timestamp != "2026-03-01T09:30:00Z" {
		t.Fatalf("expected relay-assigned timestamp, got %q", got.Timestamp)
	}

	stored := sink.snapshot()
	if len(stored) != 1 || stored[0].SourceKey != "breath/EC64C984B1FC" {
		t.Fatalf("expected one stored reading with source key, got %+v", stored)
	}

	stats := ingestor.Stats()
	if stats.Received != 1 || stats.Decoded != 1 || stats.Malformed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestIngestorDropsMalformedPayloadWithoutAffectingOthers(t *testing.T) {
	hub := NewHub(testLogger())
	viewer := hub.Register()
	defer hub.Deregister(viewer)

	sink := &recordingSink{}
	rejects := &recordingRejects{}
	ingestor := NewIngestor(hub, syncEnqueuer{sink: sink}, testLogger(), WithMalformedHandler(rejects))

	ingestor.HandleMessage("A", []byte(`{"Index":10}`))
	ingestor.HandleMessage("A", []byte(`not json at all`))
	ingestor.HandleMessage("A", []byte(`{"Index":20}`))

	for _, want := range []float64{10, 20} {
		if got := receive(t, viewer); got.Data.Index != want {
			t.Fatalf("expected index %v, got %v", want, got.Data.Index)
		}
	}
	select {
	case extra := <-viewer.Updates():
		t.Fatalf("expected malformed payload to be dropped, got %+v", extra)
	default:
	}

	if got := windowIndexes(hub.Window("A")); !equalFloats(got, []float64{10, 20}) {
		t.Fatalf("expected window [10 20], got %v", got)
	}
	if len(sink.snapshot()) != 2 {
		t.Fatalf("expected two stored readings, got %d", len(sink.snapshot()))
	}
	if len(rejects.topics) != 1 || rejects.topics[0] != "A" {
		t.Fatalf("expected one rejected payload on A, got %v", rejects.topics)
	}
	if stats := ingestor.Stats(); stats.Malformed != 1 || stats.Decoded != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestIngestorPersistenceFailureDoesNotAffectDelivery(t *testing.T) {
	hub := NewHub(testLogger())
	viewer := hub.Register()
	defer hub.Deregister(viewer)

	failing := &recordingSink{err: errors.New("db down")}
	persister := NewPersister(testLogger(), PersisterConfig{Workers: 1, QueueSize: 8}, failing)
	persister.Start(context.Background())

	ingestor := NewIngestor(hub, persister, testLogger())
	ingestor.HandleMessage("A", []byte(`{"Index":1}`))
	ingestor.HandleMessage("A", []byte(`{"Index":2}`))

	for _, want := range []float64{1, 2} {
		if got := receive(t, viewer); got.Data.Index != want {
			t.Fatalf("expected index %v, got %v", want, got.Data.Index)
		}
	}

	persister.Stop()
	if stats := persister.Stats(); stats.Failed != 2 {
		t.Fatalf("expected two failed writes, got %+v", stats)
	}
}

func TestMonotonicClockNeverGoesBackwards(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	position := 0
	clock := &monotonicClock{now: func() time.Time {
		current := times[position]
		position++
		return current
	}}

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	if second.Before(first) {
		t.Fatalf("expected non-decreasing time, got %v after %v", second, first)
	}
	if !third.Equal(base.Add(time.Second)) {
		t.Fatalf("expected clock to advance, got %v", third)
	}
}

func TestIngestorRejectsNonFiniteNumbersBeforeTheHub(t *testing.T) {
	hub := NewHub(testLogger())
	viewer := hub.Register()
	defer hub.Deregister(viewer)

	sink := &recordingSink{}
	rejects := &recordingRejects{}
	ingestor := NewIngestor(hub, syncEnqueuer{sink: sink}, testLogger(), WithMalformedHandler(rejects))

	ingestor.HandleMessage("A", []byte(`{"Index":"NaN","alc_val":"Inf"}`))
	ingestor.HandleMessage("A", []byte(`{"Index":"1e400"}`))
	ingestor.HandleMessage("A", []byte(`{"Index":5}`))

	if got := receive(t, viewer); got.Data.Index != 5 {
		t.Fatalf("expected only the finite reading to be delivered, got %+v", got)
	}
	if got := windowIndexes(hub.Window("A")); !equalFloats(got, []float64{5}) {
		t.Fatalf("expected window [5], got %v", got)
	}
	if len(sink.snapshot()) != 1 || len(rejects.topics) != 2 {
		t.Fatalf("expected 1 stored and 2 rejected, got %d/%d", len(sink.snapshot()), len(rejects.topics))
	}
	if stats := ingestor.Stats(); stats.Malformed != 2 || stats.Decoded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	api := NewAPI(&fakeStore{}, hub, testLogger())
	request := httptest.NewRequest(http.MethodGet, "/api/windows", nil)
	response := httptest.NewRecorder()
	api.Handler().ServeHTTP(response, request)

	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"index":5`) {
		t.Fatalf("expected serialisable windows, got %d %q", response.Code, response.Body.String())
	}
}
