package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rider_tracker"

// Drop reasons for SamplesDropped.
const (
	DropThrottle = "throttle"
	DropDistance = "distance"
	DropIdentity = "identity"
)

var (
	SamplesReceived = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "samples_received_total", Help: "Location samples delivered by the source"})
	SamplesDropped  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "samples_dropped_total", Help: "Location samples dropped before sending"}, []string{"reason"})
	PayloadsSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payloads_sent_total", Help: "Location payloads handed to the transport"})
	SendFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "send_failures_total", Help: "Payloads the transport refused"})

	TransportReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "transport_reconnects_total", Help: "Realtime channel reconnect attempts"})
	TransportConnected  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "transport_connected", Help: "1 while the realtime channel is up"})
	TrackingActive      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_active", Help: "1 while location tracking is running"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
