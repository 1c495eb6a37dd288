package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SlotsActive == nil {
		t.Error("SlotsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordSlotAdmittedAndClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSlotAdmitted()
	m.RecordSlotAdmitted()
	m.RecordSlotAdmitted()

	if got := testutil.ToFloat64(m.SlotsActive); got != 3 {
		t.Errorf("SlotsActive = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.SlotsAdmitted); got != 3 {
		t.Errorf("SlotsAdmitted = %v, want 3", got)
	}

	m.RecordSlotClosed("terminate")
	if got := testutil.ToFloat64(m.SlotsActive); got != 2 {
		t.Errorf("SlotsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SlotsClosed.WithLabelValues("terminate")); got != 1 {
		t.Errorf("SlotsClosed[terminate] = %v, want 1", got)
	}
}

func TestRecordSlotRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSlotRejected()
	m.RecordSlotRejected()

	if got := testutil.ToFloat64(m.SlotsRejected); got != 2 {
		t.Errorf("SlotsRejected = %v, want 2", got)
	}
}

func TestRecordDatagramTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDatagramReceived("CRYPTO", 100)
	m.RecordDatagramReceived("CRYPTO", 200)
	m.RecordDatagramSent("HANDSHAKE_RESPONSE", 50)

	if got := testutil.ToFloat64(m.DatagramsReceived.WithLabelValues("CRYPTO")); got != 2 {
		t.Errorf("DatagramsReceived[CRYPTO] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 300 {
		t.Errorf("BytesReceived = %v, want 300", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 50 {
		t.Errorf("BytesSent = %v, want 50", got)
	}
}

func TestRecordStreamErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordStreamError("replay_rejected")
	m.RecordStreamError("auth_failed")
	m.RecordStreamError("replay_rejected")

	if got := testutil.ToFloat64(m.StreamErrors.WithLabelValues("replay_rejected")); got != 2 {
		t.Errorf("StreamErrors[replay_rejected] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StreamErrors.WithLabelValues("auth_failed")); got != 1 {
		t.Errorf("StreamErrors[auth_failed] = %v, want 1", got)
	}
}

func TestRecordRingOverflow(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRingOverflow()
	m.RecordRingOverflow()

	if got := testutil.ToFloat64(m.RingOverflows); got != 2 {
		t.Errorf("RingOverflows = %v, want 2", got)
	}
}

func TestRecordHeartbeats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHeartbeatSent()
	m.RecordHeartbeatSent()
	m.RecordHeartbeatReceived()

	if got := testutil.ToFloat64(m.HeartbeatsSent); got != 2 {
		t.Errorf("HeartbeatsSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HeartbeatsReceived); got != 1 {
		t.Errorf("HeartbeatsReceived = %v, want 1", got)
	}
}

func TestRecordLivenessTimeoutAlsoClosesSlot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSlotAdmitted()
	m.RecordLivenessTimeout()

	if got := testutil.ToFloat64(m.LivenessTimeouts); got != 1 {
		t.Errorf("LivenessTimeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SlotsActive); got != 0 {
		t.Errorf("SlotsActive = %v, want 0 after liveness timeout", got)
	}
	if got := testutil.ToFloat64(m.SlotsClosed.WithLabelValues("liveness_timeout")); got != 1 {
		t.Errorf("SlotsClosed[liveness_timeout] = %v, want 1", got)
	}
}

func TestRecordFramesEncodedDecoded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameEncoded()
	m.RecordFrameEncoded()
	m.RecordFrameDecoded()

	if got := testutil.ToFloat64(m.FramesEncoded); got != 2 {
		t.Errorf("FramesEncoded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesDecoded); got != 1 {
		t.Errorf("FramesDecoded = %v, want 1", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
