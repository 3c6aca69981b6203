package telemetry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// AlertThreshold marks alcohol values that get elevated display treatment.
// It has no effect on delivery or persistence.
const AlertThreshold = 2800.0

const UnknownLabel = "Unknown"

// DefaultTopics are the bus topics the relay subscribes to.
var DefaultTopics = []string{
	"breath/EC64C984B1FC",
	"breath/EC64C984E8B0",
	"EC64C984E8",
	"EC64C984B1",
}

var defaultGateLabels = map[string]string{
	"EC64C984B1FC": "Gate 2",
	"EC64C984E8B0": "Gate 3",
	"EC64C984E8":   "Gate 3",
	"EC64C984B1":   "Gate 4",
}

func ExceedsThreshold(value float64) bool {
	return value > AlertThreshold
}

// Labels maps hardware identifiers to display names.
type Labels struct {
	byMAC map[string]string
}

func DefaultLabels() Labels {
	return NewLabels(defaultGateLabels)
}

func NewLabels(entries map[string]string) Labels {
	byMAC := make(map[string]string, len(entries))
	for mac, label := range entries {
		byMAC[normalizeMAC(mac)] = strings.TrimSpace(label)
	}
	return Labels{byMAC: byMAC}
}

type labelsFile struct {
	Gates map[string]string `yaml:"gates"`
}

// LoadLabels reads a YAML file of the form
//
//	gates:
//	  EC64C984B1FC: Gate 2
//
// and layers it over the built-in table.
func LoadLabels(path string) (Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Labels{}, fmt.Errorf("read labels file: %w", err)
	}

	var parsed labelsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Labels{}, fmt.Errorf("parse labels file: %w", err)
	}

	merged := make(map[string]string, len(defaultGateLabels)+len(parsed.Gates))
	for mac, label := range defaultGateLabels {
		merged[mac] = label
	}
	for mac, label := range parsed.Gates {
		merged[mac] = label
	}
	return NewLabels(merged), nil
}

func (labels Labels) Resolve(mac string) string {
	if label, ok := labels.byMAC[normalizeMAC(mac)]; ok && label != "" {
		return label
	}
	return UnknownLabel
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), ":", ""))
}
