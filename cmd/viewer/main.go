package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"breathrelay/backend/internal/telemetry"
	"breathrelay/backend/internal/viewer"
)

func main() {
	var url string
	var labelsFile string
	var reconnect time.Duration
	var logFile string
	var topicList string

	flag.StringVar(&url, "url", "ws://localhost:5001/", "live feed websocket URL")
	flag.StringVar(&labelsFile, "labels", "", "optional YAML gate labels file")
	flag.DurationVar(&reconnect, "reconnect", viewer.DefaultReconnectDelay, "delay before reconnecting after a disconnect")
	flag.StringVar(&logFile, "log", "", "write session logs to this file instead of discarding them")
	flag.StringVar(&topicList, "topics", strings.Join(telemetry.DefaultTopics, ","), "comma-separated sources to show, in display order")
	flag.Parse()

	var logWriter io.Writer = io.Discard
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer file.Close()
		logWriter = file
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	labels := telemetry.DefaultLabels()
	if labelsFile != "" {
		loaded, err := telemetry.LoadLabels(labelsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		labels = loaded
	}

	topics := splitTopics(topicList)

	redraw := make(chan viewer.State, 1)
	session := viewer.NewSession(
		url,
		viewer.NewDashboard(labels, telemetry.DefaultWindowSize),
		viewer.WithReconnectDelay(reconnect),
		viewer.WithLogger(logger),
		viewer.WithOnChange(func(state viewer.State) {
			select {
			case redraw <- state:
			default:
			}
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session.Start(ctx)
	defer session.Stop()

	render(os.Stdout, url, session.State(), topics, session.Snapshot())
	throttle := time.NewTicker(200 * time.Millisecond)
	defer throttle.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stdout)
			return
		case <-redraw:
			pending = true
		case <-throttle.C:
			if pending {
				render(os.Stdout, url, session.State(), topics, session.Snapshot())
				pending = false
			}
		}
	}
}

func splitTopics(raw string) []string {
	var topics []string
	for _, topic := range strings.Split(raw, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}

// render lists every configured topic in order, with a placeholder for those
// that have not reported yet, followed by any other source that has.
func render(out io.Writer, url string, state viewer.State, topics []string, views []viewer.SourceView) {
	var builder strings.Builder
	builder.WriteString("\033[H\033[2J")

	status := "Disconnected"
	switch state {
	case viewer.Open:
		status = "Connected"
	case viewer.Connecting:
		status = "Connecting"
	}
	fmt.Fprintf(&builder, "Breath monitor  %s  [%s]\n\n", url, status)

	bySource := make(map[string]viewer.SourceView, len(views))
	for _, view := range views {
		bySource[view.SourceKey] = view
	}

	for _, topic := range topics {
		view, ok := bySource[topic]
		if !ok {
			fmt.Fprintf(&builder, "  %-21s waiting for data...\n\n", topic)
			continue
		}
		delete(bySource, topic)
		writeView(&builder, view)
	}
	for _, view := range views {
		if _, ok := bySource[view.SourceKey]; ok {
			writeView(&builder, view)
		}
	}
	if len(topics) == 0 && len(views) == 0 {
		builder.WriteString("waiting for data...\n")
	}
	_, _ = io.WriteString(out, builder.String())
}

func writeView(builder *strings.Builder, view viewer.SourceView) {
	marker := " "
	if view.Elevated {
		marker = "!"
	}
	fmt.Fprintf(
		builder,
		"%s %-8s %-12s value=%7.1f index=%6.2f alert=%-8s %s\n",
		marker,
		view.Gate,
		view.DeviceID,
		view.Value,
		view.Index,
		view.Alert,
		view.ObservedAt.Local().Format("15:04:05"),
	)
	fmt.Fprintf(builder, "  %s\n\n", sparkline(view.Points))
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// sparkline scales the window's index values between its own min and max.
func sparkline(points []telemetry.Point) string {
	if len(points) == 0 {
		return ""
	}

	low, high := points[0].Index, points[0].Index
	for _, point := range points {
		low = min(low, point.Index)
		high = max(high, point.Index)
	}

	runes := make([]rune, len(points))
	for position, point := range points {
		level := 0
		if high > low {
			level = int((point.Index - low) / (high - low) * float64(len(sparkLevels)-1))
		}
		runes[position] = sparkLevels[level]
	}
	return string(runes)
}
