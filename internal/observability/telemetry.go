package observability

import (
	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"
)

// Per-connection counters emitted through a go-metrics sink.
var (
	MetricConnPacketsIn      = []string{"kernelmesh", "connection", "packets", "in"}
	MetricConnPacketsOut     = []string{"kernelmesh", "connection", "packets", "out"}
	MetricConnBytesIn        = []string{"kernelmesh", "connection", "bytes", "in"}
	MetricConnBytesOut       = []string{"kernelmesh", "connection", "bytes", "out"}
	MetricConnPacketErrors   = []string{"kernelmesh", "connection", "packet", "error", "count"}
	MetricConnTransportCount = []string{"kernelmesh", "connection", "transport", "count"}
	MetricConnRecoveredCount = []string{"kernelmesh", "connection", "recovered", "count"}
	MetricNodeTableEvents    = []string{"kernelmesh", "node", "table", "event", "count"}
	MetricNodeResubmitted    = []string{"kernelmesh", "node", "resubmitted", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPipeline TelemetryLabel = "pipeline"
	LabelPeer     TelemetryLabel = "peer"
	LabelEvent    TelemetryLabel = "event"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L attaches the label to a zerolog event.
func (lab TelemetryLabel) L(e *zerolog.Event, val any) *zerolog.Event {
	return e.Interface(string(lab), val)
}

// SinkOrDefault returns sink, or the global go-metrics sink when nil.
func SinkOrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}
