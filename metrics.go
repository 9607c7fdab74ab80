package framenet

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "framenet",
		Subsystem: "conn",
		Name:      "open",
		Help:      "Currently open connections.",
	})
	framesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "conn",
		Name:      "frames_in_total",
		Help:      "Frames reassembled from the wire.",
	})
	framesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "conn",
		Name:      "frames_out_total",
		Help:      "Frames written to the wire.",
	})
	bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "conn",
		Name:      "bytes_in_total",
		Help:      "Raw bytes read from sockets.",
	})
	bytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "conn",
		Name:      "bytes_out_total",
		Help:      "Raw bytes written to sockets.",
	})
	framesTruncated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "conn",
		Name:      "frames_truncated_total",
		Help:      "Partial trailing frames discarded on stream end.",
	})
	unknownProtocols = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "router",
		Name:      "unknown_protocol_total",
		Help:      "Dispatches for protocol ids with no registered handler.",
	}, []string{"router"})
	heartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "registry",
		Name:      "heartbeat_failures_total",
		Help:      "Heartbeat probes that failed to reach a registered client.",
	})
	peersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "framenet",
		Subsystem: "server",
		Name:      "peers_expired_total",
		Help:      "Inbound peers closed for inactivity.",
	})
)

// RegisterMetrics registers the package collectors with the default
// prometheus registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connsOpen, framesIn, framesOut, bytesIn, bytesOut,
			framesTruncated, unknownProtocols, heartbeatFailures, peersExpired,
		)
	})
}
