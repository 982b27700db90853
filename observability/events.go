package observability

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowd/core/events"
	"escrowd/core/types"
)

type eventMetrics struct {
	settlements *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking escrow lifecycle events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "lifecycle_total",
				Help:      "Count of escrow lifecycle events segmented by type and asset.",
			}, []string{"type", "asset"}),
		}
		prometheus.MustRegister(eventRegistry.settlements)
	})
	return eventRegistry
}

// Record increments the lifecycle counter for the event type and asset.
func (m *eventMetrics) Record(eventType, asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.settlements.WithLabelValues(eventType, normalized).Inc()
}

// EventLogger bridges engine events to structured logs and prometheus
// counters. It satisfies events.Emitter.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger wraps the supplied logger; a nil logger falls back to the
// process default.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

// Emit implements events.Emitter.
func (l *EventLogger) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	attrs := []any{slog.String("event", evt.EventType())}
	asset := ""
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
			asset = payload.Attributes["asset"]
		}
	}
	Events().Record(evt.EventType(), asset)
	l.logger.Info("escrow event", attrs...)
}
