package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"breathrelay/backend/internal/telemetry"
)

type breathPayload struct {
	DeviceID string  `json:"device_id"`
	MAC      string  `json:"MAC"`
	Value    float64 `json:"alc_val"`
	Index    float64 `json:"Index"`
	Alert    string  `json:"Alert"`
	OwnerID  string  `json:"OwnerId,omitempty"`
}

// gate is one simulated breathalyser publishing on its own topic.
type gate struct {
	topic    string
	mac      string
	deviceID string
	baseline float64
}

func main() {
	var brokerURL string
	var topics string
	var interval time.Duration
	var jitter time.Duration
	var count int
	var seed int64
	var malformedRate float64

	flag.StringVar(&brokerURL, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&topics, "topics", strings.Join(telemetry.DefaultTopics, ","), "comma separated topics to publish on")
	flag.DurationVar(&interval, "interval", time.Second, "base delay between rounds of readings")
	flag.DurationVar(&jitter, "jitter", 250*time.Millisecond, "max random delay added to each interval")
	flag.IntVar(&count, "count", 0, "number of rounds to emit (0 = infinite)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = use current time)")
	flag.Float64Var(&malformedRate, "malformed-rate", 0, "fraction of messages sent as invalid JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if interval <= 0 {
		logger.Error("interval must be > 0")
		os.Exit(2)
	}
	if jitter < 0 || count < 0 || malformedRate < 0 || malformedRate > 1 {
		logger.Error("jitter and count must be >= 0, malformed-rate within [0,1]")
		os.Exit(2)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	gates := newGates(strings.Split(topics, ","))
	if len(gates) == 0 {
		logger.Error("at least one topic is required")
		os.Exit(2)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("breath-sim-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)
	client := mqtt.NewClient(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			logger.Error("mqtt connect failed", "broker", brokerURL, "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		return
	}
	defer client.Disconnect(250)

	logger.Info("simulator started", "seed", seed, "broker", brokerURL, "gates", len(gates), "interval", interval)

	rounds := 0
	for {
		if count > 0 && rounds >= count {
			logger.Info("simulation complete", "rounds", rounds)
			return
		}

		for position := range gates {
			g := &gates[position]
			payload, err := g.next(rng, malformedRate)
			if err != nil {
				logger.Error("encode payload failed", "topic", g.topic, "error", err)
				continue
			}

			publish := client.Publish(g.topic, 1, false, payload)
			if publish.WaitTimeout(5*time.Second) && publish.Error() != nil {
				logger.Warn("publish failed", "topic", g.topic, "error", publish.Error())
				continue
			}
			logger.Debug("published", "topic", g.topic, "bytes", len(payload))
		}
		rounds++

		delay := interval
		if jitter > 0 {
			delay += time.Duration(rng.Int63n(int64(jitter) + 1))
		}

		select {
		case <-ctx.Done():
			logger.Info("simulation stopped", "rounds", rounds)
			return
		case <-time.After(delay):
		}
	}
}

func newGates(topics []string) []gate {
	gates := make([]gate, 0, len(topics))
	for position, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		mac := topic[strings.LastIndex(topic, "/")+1:]
		gates = append(gates, gate{
			topic:    topic,
			mac:      mac,
			deviceID: fmt.Sprintf("breath-%02d", position+1),
			baseline: 900 + float64(position)*150,
		})
	}
	return gates
}

func (g *gate) next(rng *rand.Rand, malformedRate float64) ([]byte, error) {
	if malformedRate > 0 && rng.Float64() < malformedRate {
		return []byte(`{"device_id":"` + g.deviceID + `","alc_val":`), nil
	}

	g.baseline = clamp(g.baseline+rng.NormFloat64()*60, 200, 2400)
	value := clamp(g.baseline+rng.NormFloat64()*120, 0, 4095)

	// Occasional positive tests push the reading past the alert threshold.
	if rng.Float64() < 0.05 {
		value = clamp(telemetry.AlertThreshold+rng.Float64()*900, 0, 4095)
	}

	alert := "Normal"
	if telemetry.ExceedsThreshold(value) {
		alert = "High"
	}

	return json.Marshal(breathPayload{
		DeviceID: g.deviceID,
		MAC:      g.mac,
		Value:    round1(value),
		Index:    round2(value / 100),
		Alert:    alert,
	})
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
