// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, tracing setup,
// and the admin HTTP surface (/metrics, /healthz, /readyz).
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all gateway metrics.
const meterName = "github.com/libertycall/gateway"

// Metrics holds the metric instruments for the call engine. All fields are
// safe for concurrent use; the OTel types synchronise internally.
type Metrics struct {
	// TranscriptLatency tracks time from audio frame receipt to the
	// corresponding final transcript callback.
	TranscriptLatency metric.Float64Histogram

	// CommandDuration tracks softswitch api command round trips. Use with
	// attribute.String("command", ...).
	CommandDuration metric.Float64Histogram

	// CallsStarted counts initialised calls. Use with
	// attribute.String("client_id", ...).
	CallsStarted metric.Int64Counter

	// Playbacks counts template broadcasts. Use with
	// attribute.String("template", ...).
	Playbacks metric.Int64Counter

	// BargeIns counts caller interruptions that broke playback.
	BargeIns metric.Int64Counter

	// Transfers counts operator transfer attempts. Use with
	// attribute.String("status", "ok"|"failed").
	Transfers metric.Int64Counter

	// Hangups counts engine-initiated hangups. Use with
	// attribute.String("reason", ...).
	Hangups metric.Int64Counter

	// ASRRestarts counts recognition stream restarts after transient
	// failures.
	ASRRestarts metric.Int64Counter

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets is tuned for conversational turn latencies in seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10,
}

// NewMetrics creates all instruments on the given provider. Tests should
// pass a provider with a manual reader to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptLatency, err = m.Float64Histogram("libertycall.asr.transcript_latency",
		metric.WithDescription("Latency from audio receipt to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommandDuration, err = m.Float64Histogram("libertycall.esl.command_duration",
		metric.WithDescription("Softswitch api command round-trip time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("libertycall.calls.started",
		metric.WithDescription("Calls initialised by the lifecycle manager."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("libertycall.playback.broadcasts",
		metric.WithDescription("Template audio broadcasts issued."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("libertycall.playback.barge_ins",
		metric.WithDescription("Playbacks broken by caller speech."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("libertycall.calls.transfers",
		metric.WithDescription("Operator transfer attempts."),
	); err != nil {
		return nil, err
	}
	if met.Hangups, err = m.Int64Counter("libertycall.calls.hangups",
		metric.WithDescription("Engine-initiated hangups."),
	); err != nil {
		return nil, err
	}
	if met.ASRRestarts, err = m.Int64Counter("libertycall.asr.restarts",
		metric.WithDescription("Recognition stream restarts after transient errors."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("libertycall.calls.active",
		metric.WithDescription("Currently live call sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}
