package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// HubCollector bundles Prometheus metrics for the hubs, the nodes they
// step and the control API. It satisfies network.Metrics.
type HubCollector struct {
	gatherer prometheus.Gatherer

	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	Connections    *prometheus.CounterVec
	VMFaults       *prometheus.CounterVec
	Nodes          *prometheus.GaugeVec
	SpinDuration   prometheus.Histogram

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewHubCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewHubCollector(reg prometheus.Registerer) (*HubCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aseba_frames_received_total",
		Help: "Frames routed to nodes, labeled by port and kind (unicast or broadcast).",
	}, []string{"port", "kind"}), "aseba_frames_received_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aseba_frames_dropped_total",
		Help: "Frames discarded by a hub, labeled by port and reason.",
	}, []string{"port", "reason"}), "aseba_frames_dropped_total")
	if err != nil {
		return nil, err
	}
	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aseba_frames_sent_total",
		Help: "Frames written to the active client, labeled by port.",
	}, []string{"port"}), "aseba_frames_sent_total")
	if err != nil {
		return nil, err
	}
	connections, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aseba_connections_total",
		Help: "Client connections, labeled by port and result (accepted or refused).",
	}, []string{"port", "result"}), "aseba_connections_total")
	if err != nil {
		return nil, err
	}
	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aseba_vm_faults_total",
		Help: "Engine execution faults that halted a node, labeled by node id.",
	}, []string{"node"}), "aseba_vm_faults_total")
	if err != nil {
		return nil, err
	}
	nodes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aseba_nodes",
		Help: "Current number of nodes bound to a hub, labeled by port.",
	}, []string{"port"}), "aseba_nodes")
	if err != nil {
		return nil, err
	}
	spin, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aseba_spin_duration_seconds",
		Help:    "Duration of one manager spin across every hub.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "aseba_spin_duration_seconds")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "control_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "control_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &HubCollector{
		gatherer:       gatherer,
		FramesReceived: received,
		FramesDropped:  dropped,
		FramesSent:     sent,
		Connections:    connections,
		VMFaults:       faults,
		Nodes:          nodes,
		SpinDuration:   spin,
		RPCRequests:    requests,
		RPCDurations:   durations,
	}, nil
}

func (c *HubCollector) FrameReceived(port int, unicast bool) {
	if c == nil {
		return
	}
	kind := "broadcast"
	if unicast {
		kind = "unicast"
	}
	c.FramesReceived.WithLabelValues(strconv.Itoa(port), kind).Inc()
}

func (c *HubCollector) FrameDropped(port int, reason string) {
	if c == nil {
		return
	}
	c.FramesDropped.WithLabelValues(strconv.Itoa(port), reason).Inc()
}

func (c *HubCollector) FrameSent(port int) {
	if c == nil {
		return
	}
	c.FramesSent.WithLabelValues(strconv.Itoa(port)).Inc()
}

func (c *HubCollector) Connection(port int, accepted bool) {
	if c == nil {
		return
	}
	result := "refused"
	if accepted {
		result = "accepted"
	}
	c.Connections.WithLabelValues(strconv.Itoa(port), result).Inc()
}

func (c *HubCollector) SetNodes(port, count int) {
	if c == nil {
		return
	}
	c.Nodes.WithLabelValues(strconv.Itoa(port)).Set(float64(count))
}

func (c *HubCollector) VMFault(node uint16) {
	if c == nil {
		return
	}
	c.VMFaults.WithLabelValues(strconv.Itoa(int(node))).Inc()
}

func (c *HubCollector) ObserveSpin(d time.Duration) {
	if c == nil {
		return
	}
	c.SpinDuration.Observe(d.Seconds())
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *HubCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *HubCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *HubCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
