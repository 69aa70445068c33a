package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "frame",
			Name:      "decoded_total",
			Help:      "Complete frames decoded from the radio stream.",
		},
	)
	resyncBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "frame",
			Name:      "resync_discarded_bytes_total",
			Help:      "Bytes discarded while hunting for the frame sentinel.",
		},
	)
	payloadDecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "session",
			Name:      "payload_decode_failures_total",
			Help:      "Frames whose payload could not be decoded and was dropped.",
		},
	)
	eventsByKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Decoded mesh events by kind.",
		},
		[]string{"kind"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "radio",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts scheduled after a transport failure.",
		},
	)
	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshmon",
			Subsystem: "radio",
			Name:      "connection_state",
			Help:      "Connection FSM state: 0 disconnected, 1 connecting, 2 connected.",
		},
	)
	messagesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "store",
			Name:      "messages_stored_total",
			Help:      "Messages inserted into the mesh store.",
		},
	)
	messagesDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "store",
			Name:      "messages_deduplicated_total",
			Help:      "Message upserts dropped as duplicates by ID.",
		},
	)
	feedSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshmon",
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Currently attached event feed subscribers.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshmon",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesDecoded, resyncBytes, payloadDecodeFailures, eventsByKind,
			reconnects, connectionState, messagesStored, messagesDeduplicated,
			feedSubscribers, httpRequests, httpDuration,
		)
	})
}

func RecordFrames(n int) {
	RegisterMetrics()
	framesDecoded.Add(float64(n))
}

func RecordResyncBytes(n uint64) {
	RegisterMetrics()
	resyncBytes.Add(float64(n))
}

func RecordPayloadDecodeFailure() {
	RegisterMetrics()
	payloadDecodeFailures.Inc()
}

func RecordEvent(kind string) {
	RegisterMetrics()
	eventsByKind.WithLabelValues(kind).Inc()
}

func RecordReconnect() {
	RegisterMetrics()
	reconnects.Inc()
}

func SetConnectionState(state int) {
	RegisterMetrics()
	connectionState.Set(float64(state))
}

func RecordStoreMessage(inserted bool) {
	RegisterMetrics()
	if inserted {
		messagesStored.Inc()
	} else {
		messagesDeduplicated.Inc()
	}
}

func SetFeedSubscribers(n int) {
	RegisterMetrics()
	feedSubscribers.Set(float64(n))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
