// Package metrics holds the Prometheus collectors exported by dialtone.
// Collectors register with the default registry; /metrics serves them.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dialtone"

var (
	GPIOEdges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gpio",
		Name:      "edges_total",
		Help:      "Raw edges delivered to pin handlers",
	}, []string{"pin"})

	GPIOQueueFull = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gpio",
		Name:      "queue_full_total",
		Help:      "Edges that waited for room in a full pin queue",
	}, []string{"pin"})

	GPIOEdgesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gpio",
		Name:      "edges_dropped_total",
		Help:      "Edges suppressed by the debounce grace period",
	}, []string{"pin"})

	DialDigits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dial",
		Name:      "digits_total",
		Help:      "Digits decoded from pulse trains",
	})

	DialErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dial",
		Name:      "errors_total",
		Help:      "Decoder errors by reason",
	}, []string{"reason"})

	DialRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dial",
		Name:      "rejections_total",
		Help:      "Outgoing calls rejected because of a malformed address",
	})

	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Call log entries by outcome",
	}, []string{"outcome"})

	CallState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "call_state",
		Help:      "Current call state (0 idle, 1 dialing, 2 ringing, 3 connected)",
	})

	Registration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "registration_state",
		Help:      "Registration state per identity (0 none, 1 progress, 2 ok, 3 cleared, 4 failed)",
	}, []string{"identity"})

	RTPPackets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "rtp_packets_received_total",
		Help:      "RTP packets received on call media sockets",
	})
)

// PinLabel formats a pin number as a label value.
func PinLabel(pin int) string {
	return strconv.Itoa(pin)
}
