// Package metrics provides Prometheus metrics for remoteaudio.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remoteaudio"

// Metrics contains all Prometheus metrics for a sink or source process.
type Metrics struct {
	// Slot/session metrics (sink)
	SlotsActive     prometheus.Gauge
	SlotsAdmitted   prometheus.Counter
	SlotsRejected   prometheus.Counter
	SlotsClosed     *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec

	// Datagram metrics (both roles)
	DatagramsReceived *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter

	// Stream error taxonomy, labeled by error_type: malformed_frame,
	// unknown_stream, auth_failed, replay_rejected, decode_failed,
	// encode_failed, admit_full, ring_overflow, audio_open_failed, kdf_failed
	StreamErrors *prometheus.CounterVec

	// Ring buffer metrics
	RingOverflows prometheus.Counter

	// Heartbeat/liveness metrics
	HeartbeatsSent     prometheus.Counter
	HeartbeatsReceived prometheus.Counter
	LivenessTimeouts   prometheus.Counter

	// Opus frame metrics
	FramesEncoded prometheus.Counter
	FramesDecoded prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered against
// a custom registry, useful for tests that need isolation from the global
// registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SlotsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_active",
			Help:      "Number of sink slots currently ACTIVE",
		}),
		SlotsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_admitted_total",
			Help:      "Total number of HANDSHAKE_INIT admissions that found a free slot",
		}),
		SlotsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_rejected_total",
			Help:      "Total number of HANDSHAKE_INIT messages ignored because no slot was free",
		}),
		SlotsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_closed_total",
			Help:      "Total number of slots closed, by reason (terminate, liveness_timeout)",
		}, []string{"reason"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by error type",
		}, []string{"error_type"}),

		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by outer message type",
		}, []string{"message_type"}),
		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent by outer message type",
		}, []string{"message_type"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total raw UDP payload bytes received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total raw UDP payload bytes sent",
		}),

		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total non-fatal stream errors by type",
		}, []string{"error_type"}),

		RingOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_overflows_total",
			Help:      "Total decoded frames dropped because a slot's ring buffer had no room",
		}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total STREAM_HEARTBEAT messages sent",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total STREAM_HEARTBEAT messages received",
		}),
		LivenessTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_timeouts_total",
			Help:      "Total slots closed due to exceeding the liveness timeout",
		}),

		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "Total Opus frames encoded by the source",
		}),
		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Total Opus frames decoded by the sink",
		}),
	}
}

// RecordSlotAdmitted records a successful slot admission.
func (m *Metrics) RecordSlotAdmitted() {
	m.SlotsActive.Inc()
	m.SlotsAdmitted.Inc()
}

// RecordSlotRejected records a HANDSHAKE_INIT dropped for lack of a free slot.
func (m *Metrics) RecordSlotRejected() {
	m.SlotsRejected.Inc()
}

// RecordSlotClosed records a slot returning to EMPTY, labeled by reason.
func (m *Metrics) RecordSlotClosed(reason string) {
	m.SlotsActive.Dec()
	m.SlotsClosed.WithLabelValues(reason).Inc()
}

// RecordHandshakeError records a failed handshake attempt by error type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordDatagramReceived records an inbound datagram and its byte count.
func (m *Metrics) RecordDatagramReceived(messageType string, bytes int) {
	m.DatagramsReceived.WithLabelValues(messageType).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordDatagramSent records an outbound datagram and its byte count.
func (m *Metrics) RecordDatagramSent(messageType string, bytes int) {
	m.DatagramsSent.WithLabelValues(messageType).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordStreamError records a non-fatal stream error by type. Use the
// protocol/crypto/audio sentinel error names: malformed_frame,
// unknown_stream, auth_failed, replay_rejected, decode_failed,
// encode_failed, admit_full, ring_overflow, audio_open_failed, kdf_failed.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordRingOverflow records a decoded frame dropped for lack of ring space.
func (m *Metrics) RecordRingOverflow() {
	m.RingOverflows.Inc()
}

// RecordHeartbeatSent records an outbound STREAM_HEARTBEAT.
func (m *Metrics) RecordHeartbeatSent() {
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatReceived records an inbound STREAM_HEARTBEAT.
func (m *Metrics) RecordHeartbeatReceived() {
	m.HeartbeatsReceived.Inc()
}

// RecordLivenessTimeout records a slot closed for exceeding the liveness timeout.
func (m *Metrics) RecordLivenessTimeout() {
	m.LivenessTimeouts.Inc()
	m.RecordSlotClosed("liveness_timeout")
}

// RecordFrameEncoded records one Opus frame produced by the source.
func (m *Metrics) RecordFrameEncoded() {
	m.FramesEncoded.Inc()
}

// RecordFrameDecoded records one Opus frame produced by the sink.
func (m *Metrics) RecordFrameDecoded() {
	m.FramesDecoded.Inc()
}
