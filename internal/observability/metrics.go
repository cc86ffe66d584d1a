package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	busMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolitectl",
			Subsystem: "bus",
			Name:      "messages_received_total",
			Help:      "Inbound bus messages by declared class.",
		},
		[]string{"class"},
	)
	busRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolitectl",
			Subsystem: "bus",
			Name:      "requests_sent_total",
			Help:      "Outbound bus requests by kind.",
		},
		[]string{"kind"},
	)
	busDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolitectl",
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages or entries dropped without state change.",
		},
		[]string{"cause"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iolitectl",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current engine state, 0 otherwise.",
		},
		[]string{"state"},
	)
	sessionClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolitectl",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Connection closures by reason.",
		},
		[]string{"reason"},
	)
	authAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolitectl",
			Subsystem: "auth",
			Name:      "acquisitions_total",
			Help:      "Session acquisition attempts by outcome.",
		},
		[]string{"outcome"},
	)
	discoveredRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iolitectl",
		Subsystem: "discovery",
		Name:      "rooms",
		Help:      "Rooms known on the current connection.",
	})
	discoveredDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iolitectl",
		Subsystem: "discovery",
		Name:      "devices",
		Help:      "Devices attached to known rooms on the current connection.",
	})
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			busMessages, busRequests, busDropped,
			sessionState, sessionClosed,
			authAcquisitions,
			discoveredRooms, discoveredDevices,
		)
	})
}

func RecordInbound(class string) {
	RegisterMetrics()
	busMessages.WithLabelValues(class).Inc()
}

func RecordOutbound(kind string) {
	RegisterMetrics()
	busRequests.WithLabelValues(kind).Inc()
}

func RecordDropped(cause string) {
	RegisterMetrics()
	busDropped.WithLabelValues(cause).Inc()
}

// RecordState marks current as the active state among all.
func RecordState(current string, all []string) {
	RegisterMetrics()
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

func RecordClose(reason string) {
	RegisterMetrics()
	sessionClosed.WithLabelValues(reason).Inc()
}

func RecordAcquire(outcome string) {
	RegisterMetrics()
	authAcquisitions.WithLabelValues(outcome).Inc()
}

func RecordDiscovery(rooms, devices int) {
	RegisterMetrics()
	discoveredRooms.Set(float64(rooms))
	discoveredDevices.Set(float64(devices))
}
