package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PromObserver projects events onto prometheus metrics:
//
//   - controlplane_events_total{type, level} counts every event
//   - controlplane_event_duration_seconds{type} observes any event carrying
//     a "duration_seconds" float in its data
//   - controlplane_workers_connected tracks the gateway connection gauge
//     from events carrying a "connected" int
//
// Subsystems stay metrics-agnostic: they emit the same events whether the
// deployment scrapes prometheus or not.
type PromObserver struct {
	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	connected prometheus.Gauge
}

// NewPromObserver creates a PromObserver and registers its collectors with
// the given registerer (use prometheus.DefaultRegisterer in production).
func NewPromObserver(reg prometheus.Registerer) (*PromObserver, error) {
	o := &PromObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_events_total",
			Help: "Control-plane observability events by type and level.",
		}, []string{"type", "level"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_event_duration_seconds",
			Help:    "Durations reported by control-plane events.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_workers_connected",
			Help: "Worker connections currently held by the gateway.",
		}),
	}

	for _, c := range []prometheus.Collector{o.events, o.durations, o.connected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PromObserver) OnEvent(ctx context.Context, event Event) {
	o.events.WithLabelValues(string(event.Type), event.Level.String()).Inc()

	if d, ok := event.Data["duration_seconds"]; ok {
		if seconds, ok := asFloat(d); ok {
			o.durations.WithLabelValues(string(event.Type)).Observe(seconds)
		}
	}

	if c, ok := event.Data["connected"]; ok {
		if count, ok := asFloat(c); ok {
			o.connected.Set(count)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
