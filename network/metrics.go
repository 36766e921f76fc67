package network

import "time"

// Metrics receives transport and engine counters. observability.HubCollector
// implements it; a nil Metrics in options disables recording.
type Metrics interface {
	FrameReceived(port int, unicast bool)
	FrameDropped(port int, reason string)
	FrameSent(port int)
	Connection(port int, accepted bool)
	SetNodes(port int, count int)
	VMFault(node uint16)
	ObserveSpin(d time.Duration)
}

// Reasons passed to Metrics.FrameDropped.
const (
	DropInactiveStream = "inactive_stream"
	DropUnknownNode    = "unknown_node"
	DropShortPayload   = "short_payload"
	DropMalformed      = "malformed"
	DropNoConnection   = "no_connection"
	DropWriteFailed    = "write_failed"
)

type nopMetrics struct{}

func (nopMetrics) FrameReceived(int, bool)   {}
func (nopMetrics) FrameDropped(int, string)  {}
func (nopMetrics) FrameSent(int)             {}
func (nopMetrics) Connection(int, bool)      {}
func (nopMetrics) SetNodes(int, int)         {}
func (nopMetrics) VMFault(uint16)            {}
func (nopMetrics) ObserveSpin(time.Duration) {}
