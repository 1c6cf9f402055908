package cac

import (
	"sync/atomic"
)

// ContextMetrics contains atomic metrics for a client context.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc, see RegisterMetrics.
type ContextMetrics struct {
	// SearchFrameCount indicates the number of search datagrams sent, counted per destination.
	SearchFrameCount atomic.Uint64
	// SearchReplyCount indicates the number of search replies matched to a pending search.
	SearchReplyCount atomic.Uint64
	// MultiplyDefinedCount indicates the number of search replies from a second server.
	MultiplyDefinedCount atomic.Uint64

	// BeaconCount indicates the number of beacons received.
	BeaconCount atomic.Uint64
	// BeaconAnomalyCount indicates the number of soft and hard beacon anomalies.
	BeaconAnomalyCount atomic.Uint64

	// CircuitCreatedCount indicates the number of virtual circuits created.
	CircuitCreatedCount atomic.Uint64
	// CircuitAbortCount indicates the number of virtual circuits aborted.
	CircuitAbortCount atomic.Uint64
	// UnresponsiveCount indicates the number of times a circuit became unresponsive.
	UnresponsiveCount atomic.Uint64
	// EchoCount indicates the number of echo probes sent.
	EchoCount atomic.Uint64
	// FlowControlCount indicates the number of EVENTS_OFF and EVENTS_ON toggles sent.
	FlowControlCount atomic.Uint64

	// MessageRecvCount indicates the number of messages received on circuits.
	MessageRecvCount atomic.Uint64
	// BytesSentCount indicates the number of bytes written to circuits.
	BytesSentCount atomic.Uint64
	// ProtocolViolationCount indicates the number of circuits aborted for a protocol violation.
	ProtocolViolationCount atomic.Uint64
	// DroppedMessageCount indicates the number of messages dropped because no body buffer was free.
	DroppedMessageCount atomic.Uint64
}

func (m *ContextMetrics) incSearchFrameCount() {
	m.SearchFrameCount.Add(1)
}

func (m *ContextMetrics) incSearchReplyCount() {
	m.SearchReplyCount.Add(1)
}

func (m *ContextMetrics) incMultiplyDefinedCount() {
	m.MultiplyDefinedCount.Add(1)
}

func (m *ContextMetrics) incBeaconCount() {
	m.BeaconCount.Add(1)
}

func (m *ContextMetrics) incBeaconAnomalyCount() {
	m.BeaconAnomalyCount.Add(1)
}

func (m *ContextMetrics) incCircuitCreatedCount() {
	m.CircuitCreatedCount.Add(1)
}

func (m *ContextMetrics) incCircuitAbortCount() {
	m.CircuitAbortCount.Add(1)
}

func (m *ContextMetrics) incUnresponsiveCount() {
	m.UnresponsiveCount.Add(1)
}

func (m *ContextMetrics) incEchoCount() {
	m.EchoCount.Add(1)
}

func (m *ContextMetrics) incFlowControlCount() {
	m.FlowControlCount.Add(1)
}

func (m *ContextMetrics) incMessageRecvCount() {
	m.MessageRecvCount.Add(1)
}

func (m *ContextMetrics) addBytesSent(n int) {
	m.BytesSentCount.Add(uint64(n)) //nolint:gosec
}

func (m *ContextMetrics) incProtocolViolationCount() {
	m.ProtocolViolationCount.Add(1)
}

func (m *ContextMetrics) incDroppedMessageCount() {
	m.DroppedMessageCount.Add(1)
}
