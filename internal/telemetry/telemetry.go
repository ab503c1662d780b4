package telemetry

import (
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

var (
	MetricWorkerSpawnCount    = []string{"bolt", "worker", "spawn", "count"}
	MetricWorkerKillCount     = []string{"bolt", "worker", "kill", "count"}
	MetricWorkerPanicCount    = []string{"bolt", "worker", "panic", "count"}
	MetricConnEstCount        = []string{"bolt", "connection", "established", "count"}
	MetricConnFailCount       = []string{"bolt", "connection", "failed", "count"}
	MetricConnCloseCount      = []string{"bolt", "connection", "closed", "count"}
	MetricConnIOErrorCount    = []string{"bolt", "connection", "io", "error", "count"}
	MetricMsgOutCount         = []string{"bolt", "message", "out", "count"}
	MetricMsgOutBytes         = []string{"bolt", "message", "out", "bytes"}
	MetricMsgInCount          = []string{"bolt", "message", "in", "count"}
	MetricMsgInBytes          = []string{"bolt", "message", "in", "bytes"}
	MetricControlMsgCount     = []string{"bolt", "control", "message", "count"}
	MetricControlInvalidCount = []string{"bolt", "control", "invalid", "count"}
	MetricControlSessionCount = []string{"bolt", "control", "session", "count"}
	MetricHTTPLatencyMS       = []string{"bolt", "http", "latency", "ms"}
)

type Label string

var (
	LabelProtocol     Label = "protocol"
	LabelConnectionID Label = "connection_id"
	LabelTag          Label = "msg_type"
	LabelError        Label = "error"
	LabelSession      Label = "session_id"
)

// M builds a metrics label.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// Z builds a zap field under the same key.
func (lab Label) Z(val string) zap.Field {
	return zap.String(string(lab), val)
}

// SinkOrDefault falls back to the global metrics instance.
func SinkOrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}
