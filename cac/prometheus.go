package cac

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const metricNamespace = "ca_client"

// RegisterMetrics registers the context metrics with reg.
//
// Counters read the ContextMetrics atomics; gauges take a Stats snapshot on every scrape.
func (c *Context) RegisterMetrics(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"search_frames_total", "Search datagrams sent, counted per destination.", &c.metrics.SearchFrameCount},
		{"search_replies_total", "Search replies matched to a pending search.", &c.metrics.SearchReplyCount},
		{"multiply_defined_total", "Search replies from a second server for a bound channel.", &c.metrics.MultiplyDefinedCount},
		{"beacons_total", "Beacons received.", &c.metrics.BeaconCount},
		{"beacon_anomalies_total", "Soft and hard beacon anomalies.", &c.metrics.BeaconAnomalyCount},
		{"circuits_created_total", "Virtual circuits created.", &c.metrics.CircuitCreatedCount},
		{"circuits_aborted_total", "Virtual circuits aborted.", &c.metrics.CircuitAbortCount},
		{"unresponsive_total", "Times a circuit became unresponsive.", &c.metrics.UnresponsiveCount},
		{"echoes_total", "Echo probes sent.", &c.metrics.EchoCount},
		{"flow_control_total", "EVENTS_OFF and EVENTS_ON toggles sent.", &c.metrics.FlowControlCount},
		{"messages_received_total", "Messages received on circuits.", &c.metrics.MessageRecvCount},
		{"bytes_sent_total", "Bytes written to circuits.", &c.metrics.BytesSentCount},
		{"protocol_violations_total", "Circuits aborted for a protocol violation.", &c.metrics.ProtocolViolationCount},
		{"dropped_messages_total", "Messages dropped because no body buffer was free.", &c.metrics.DroppedMessageCount},
	}

	var err error
	for _, ctr := range counters {
		v := ctr.v
		err = multierr.Append(err, reg.Register(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: metricNamespace, Name: ctr.name, Help: ctr.help},
			func() float64 { return float64(v.Load()) },
		)))
	}

	gauges := []struct {
		name string
		help string
		fn   func(ContextStats) float64
	}{
		{"channels", "Channels created and not destroyed.", func(s ContextStats) float64 { return float64(s.Channels) }},
		{"pending_io", "Pending reads, writes and subscriptions.", func(s ContextStats) float64 { return float64(s.PendingIO) }},
		{"circuits", "Live virtual circuits.", func(s ContextStats) float64 { return float64(s.Circuits) }},
		{"searching_channels", "Channels on the search tiers.", func(s ContextStats) float64 { return float64(s.Searching) }},
		{"governed_channels", "Disconnected channels waiting for the governor.", func(s ContextStats) float64 { return float64(s.Governed) }},
		{"search_rtt_seconds", "Search round trip estimate.", func(s ContextStats) float64 { return s.RTTEstimate.Seconds() }},
	}

	for _, gauge := range gauges {
		fn := gauge.fn
		err = multierr.Append(err, reg.Register(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: metricNamespace, Name: gauge.name, Help: gauge.help},
			func() float64 { return fn(c.Stats()) },
		)))
	}

	return err
}
