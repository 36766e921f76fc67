package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/aseba-hub/network"
)

var _ network.Metrics = (*HubCollector)(nil)

func TestHubCollectorCountsFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("NewHubCollector: %v", err)
	}

	collector.FrameReceived(33333, true)
	collector.FrameReceived(33333, true)
	collector.FrameReceived(33333, false)
	collector.FrameDropped(33333, network.DropUnknownNode)
	collector.FrameSent(33333)
	collector.Connection(33333, true)
	collector.Connection(33333, false)
	collector.VMFault(7)
	collector.SetNodes(33333, 2)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"unicast", collector.FramesReceived.WithLabelValues("33333", "unicast"), 2},
		{"broadcast", collector.FramesReceived.WithLabelValues("33333", "broadcast"), 1},
		{"dropped", collector.FramesDropped.WithLabelValues("33333", "unknown_node"), 1},
		{"sent", collector.FramesSent.WithLabelValues("33333"), 1},
		{"accepted", collector.Connections.WithLabelValues("33333", "accepted"), 1},
		{"refused", collector.Connections.WithLabelValues("33333", "refused"), 1},
		{"faults", collector.VMFaults.WithLabelValues("7"), 1},
		{"nodes", collector.Nodes.WithLabelValues("33333"), 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHubCollectorObservesSpin(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("NewHubCollector: %v", err)
	}
	collector.ObserveSpin(3 * time.Millisecond)
	collector.ObserveSpin(4 * time.Millisecond)

	if count := histogramSampleCount(t, reg, "aseba_spin_duration_seconds", nil); count != 2 {
		t.Fatalf("aseba_spin_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestNilHubCollectorIsSafe(t *testing.T) {
	var collector *HubCollector
	collector.FrameReceived(1, true)
	collector.FrameDropped(1, "x")
	collector.Connection(1, true)
	collector.ObserveSpin(time.Millisecond)
	if collector.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestNewHubCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("first NewHubCollector: %v", err)
	}
	second, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("second NewHubCollector: %v", err)
	}
	second.FrameSent(1)
	if got := testutil.ToFloat64(first.FramesSent.WithLabelValues("1")); got != 1 {
		t.Fatalf("shared aseba_frames_sent_total = %v, want 1", got)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("NewHubCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/aseba.control.v1.NodeControl/CreateNode"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("NodeControl", "CreateNode", "OK")); got != 1 {
		t.Fatalf("control_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "control_request_duration_seconds", map[string]string{
		"service": "NodeControl",
		"method":  "CreateNode",
	}); count != 1 {
		t.Fatalf("control_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("NewHubCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/aseba.control.v1.NodeControl/AddVariable"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.ResourceExhausted, "no space")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("NodeControl", "AddVariable", "ResourceExhausted")); got != 1 {
		t.Fatalf("control_requests_total error label = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesHubMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHubCollector(reg)
	if err != nil {
		t.Fatalf("NewHubCollector: %v", err)
	}
	collector.SetNodes(33333, 3)
	collector.FrameReceived(33333, true)
	collector.Connection(33333, true)
	collector.ObserveSpin(time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		`aseba_nodes{port="33333"} 3`,
		`aseba_frames_received_total{kind="unicast",port="33333"} 1`,
		`aseba_connections_total{port="33333",result="accepted"} 1`,
		"aseba_spin_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in            string
		service, meth string
	}{
		{"/aseba.control.v1.NodeControl/ListNodes", "NodeControl", "ListNodes"},
		{"", "unknown", "unknown"},
		{"NoSlash", "unknown", "unknown"},
	}
	for _, tt := range tests {
		s, m := SplitMethod(tt.in)
		if s != tt.service || m != tt.meth {
			t.Errorf("SplitMethod(%q) = %q, %q; want %q, %q", tt.in, s, m, tt.service, tt.meth)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
