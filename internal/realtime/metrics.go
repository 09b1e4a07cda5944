package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway-level counters and gauges. Registered on the default registry
// and exposed by the app's /metrics endpoint.
var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ripple",
		Subsystem: "realtime",
		Name:      "sessions_active",
		Help:      "Currently established websocket sessions.",
	})

	metricActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "realtime",
		Name:      "actions_total",
		Help:      "Inbound domain actions by kind and result.",
	}, []string{"kind", "result"})

	metricBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "realtime",
		Name:      "broadcasts_total",
		Help:      "Topic events fanned out to subscribers, by topic kind.",
	}, []string{"topic_kind"})

	metricBroadcastDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "realtime",
		Name:      "broadcast_drops_total",
		Help:      "Events dropped because a subscriber queue was full or closing.",
	})

	metricCodecFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "realtime",
		Name:      "codec_failures_total",
		Help:      "Inbound payloads discarded because they failed to parse.",
	})
)
