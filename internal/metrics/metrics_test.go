package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	// Verify metrics are registered
	if m.StreamsActive == nil {
		t.Error("StreamsActive metric is nil")
	}
	if m.ServicesRunning == nil {
		t.Error("ServicesRunning metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordStreamOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordStreamOpen("onion", 0.1)
	m.RecordStreamOpen("onion", 0.2)
	m.RecordStreamOpen("direct", 0.05)

	activeStreams := testutil.ToFloat64(m.StreamsActive)
	if activeStreams != 3 {
		t.Errorf("StreamsActive = %v, want 3", activeStreams)
	}

	onionOpened := testutil.ToFloat64(m.StreamsOpened.WithLabelValues("onion"))
	if onionOpened != 2 {
		t.Errorf("StreamsOpened[onion] = %v, want 2", onionOpened)
	}

	m.RecordStreamClose()

	activeStreams = testutil.ToFloat64(m.StreamsActive)
	if activeStreams != 2 {
		t.Errorf("StreamsActive = %v, want 2", activeStreams)
	}

	streamsClosed := testutil.ToFloat64(m.StreamsClosed)
	if streamsClosed != 1 {
		t.Errorf("StreamsClosed = %v, want 1", streamsClosed)
	}
}

func TestRecordConnectErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectError("refused")
	m.RecordConnectError("timeout")
	m.RecordConnectError("refused")

	refused := testutil.ToFloat64(m.ConnectErrors.WithLabelValues("refused"))
	if refused != 2 {
		t.Errorf("ConnectErrors[refused] = %v, want 2", refused)
	}

	timeout := testutil.ToFloat64(m.ConnectErrors.WithLabelValues("timeout"))
	if timeout != 1 {
		t.Errorf("ConnectErrors[timeout] = %v, want 1", timeout)
	}
}

func TestRecordBytesTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("stream", 1000)
	m.RecordBytesSent("stream", 500)
	m.RecordBytesSent("proxy", 100)

	m.RecordBytesReceived("stream", 2000)
	m.RecordBytesReceived("proxy", 50)

	streamSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("stream"))
	if streamSent != 1500 {
		t.Errorf("BytesSent[stream] = %v, want 1500", streamSent)
	}

	proxySent := testutil.ToFloat64(m.BytesSent.WithLabelValues("proxy"))
	if proxySent != 100 {
		t.Errorf("BytesSent[proxy] = %v, want 100", proxySent)
	}

	streamRecv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("stream"))
	if streamRecv != 2000 {
		t.Errorf("BytesReceived[stream] = %v, want 2000", streamRecv)
	}
}

func TestRecordService(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordServiceUp()
	m.RecordServiceUp()
	m.RecordServiceDown()
	m.RecordServiceStatus("web", "RUNNING")
	m.RecordServiceStatus("web", "RECOVERING")
	m.RecordServiceStatus("web", "RUNNING")
	m.RecordServiceReady(1.5)

	running := testutil.ToFloat64(m.ServicesRunning)
	if running != 1 {
		t.Errorf("ServicesRunning = %v, want 1", running)
	}

	toRunning := testutil.ToFloat64(m.ServiceStatusChanges.WithLabelValues("web", "RUNNING"))
	if toRunning != 2 {
		t.Errorf("ServiceStatusChanges[web,RUNNING] = %v, want 2", toRunning)
	}
}

func TestRecordRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRendRequest("accepted")
	m.RecordRendRequest("accepted")
	m.RecordRendRequest("rate_limited")
	m.RecordStreamRequest("accepted")
	m.RecordStreamRequest("rejected_port")

	accepted := testutil.ToFloat64(m.RendRequests.WithLabelValues("accepted"))
	if accepted != 2 {
		t.Errorf("RendRequests[accepted] = %v, want 2", accepted)
	}

	limited := testutil.ToFloat64(m.RendRequests.WithLabelValues("rate_limited"))
	if limited != 1 {
		t.Errorf("RendRequests[rate_limited] = %v, want 1", limited)
	}

	rejectedPort := testutil.ToFloat64(m.StreamRequests.WithLabelValues("rejected_port"))
	if rejectedPort != 1 {
		t.Errorf("StreamRequests[rejected_port] = %v, want 1", rejectedPort)
	}
}

func TestRecordProxy(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordProxyConnect(0.01)
	m.RecordProxyConnect(0.02)
	m.RecordProxyDisconnect()
	m.RecordProxyError("dial_failed")

	active := testutil.ToFloat64(m.ProxyConnections)
	if active != 1 {
		t.Errorf("ProxyConnections = %v, want 1", active)
	}

	total := testutil.ToFloat64(m.ProxyConnectionsTotal)
	if total != 2 {
		t.Errorf("ProxyConnectionsTotal = %v, want 2", total)
	}

	errors := testutil.ToFloat64(m.ProxyErrors.WithLabelValues("dial_failed"))
	if errors != 1 {
		t.Errorf("ProxyErrors[dial_failed] = %v, want 1", errors)
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
