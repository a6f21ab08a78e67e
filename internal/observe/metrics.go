// Package observe provides the observability primitives shared by every
// wakeloop subsystem: OpenTelemetry metric instruments, tracing helpers, a
// trace-aware slog logger, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] binds to the global meter
// provider; tests should call [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all wakeloop metrics.
const meterName = "github.com/MrWong99/wakeloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Detection loop ---

	// Frames counts scored frames. Attribute "class": speech | silence.
	Frames metric.Int64Counter

	// FramesSkipped counts full frames discarded before scoring.
	// Attribute "reason": paused | busy.
	FramesSkipped metric.Int64Counter

	// SpotterCalls counts keyword spotter invocations.
	SpotterCalls metric.Int64Counter

	// Activations counts Idle→Active transitions of the detection loop.
	Activations metric.Int64Counter

	// ActivationDuration is the length of an activation window.
	// Attribute "outcome": wake | silence.
	ActivationDuration metric.Float64Histogram

	// --- Conversation loop ---

	// Wakes counts wake events. Attribute "source": kws | recognizer.
	Wakes metric.Int64Counter

	// Rewakes counts silent re-wakes. Attribute "reason": playback | timeout.
	Rewakes metric.Int64Counter

	// Exits counts conversation exits.
	// Attribute "reason": keyword | retries | stop.
	Exits metric.Int64Counter

	// Utterances counts finalized utterances forwarded to the processor.
	Utterances metric.Int64Counter

	// Conversing is 1 while a conversation is open.
	Conversing metric.Int64UpDownCounter

	// DroppedMessages counts messages dropped by full queues.
	// Attribute "queue": conversation | journal.
	DroppedMessages metric.Int64Counter

	// --- Device bridge ---

	// BridgeConnections is the number of connected devices (0 or 1).
	BridgeConnections metric.Int64UpDownCounter

	// BridgeEvents counts device events. Attribute "event": event name.
	BridgeEvents metric.Int64Counter

	// ShellDuration tracks run_shell round-trip latency.
	ShellDuration metric.Float64Histogram

	// --- Responder ---

	// ResponderDuration tracks LLM completion latency.
	ResponderDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Attributes "provider",
	// "kind", "status".
	ProviderRequests metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes
	// "method", "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request/response latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// activationBuckets covers activation windows from a single frame to several
// seconds of continuous speech.
var activationBuckets = []float64{
	0.032, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Frames, "wakeloop.detect.frames", "Frames scored by the VAD gate, by class."},
		{&met.FramesSkipped, "wakeloop.detect.frames_skipped", "Full frames discarded before scoring, by reason."},
		{&met.SpotterCalls, "wakeloop.detect.spotter_calls", "Keyword spotter invocations."},
		{&met.Activations, "wakeloop.detect.activations", "Activation windows opened by speech."},
		{&met.Wakes, "wakeloop.conversation.wakes", "Wake events by source."},
		{&met.Rewakes, "wakeloop.conversation.rewakes", "Silent re-wakes issued to the device, by reason."},
		{&met.Exits, "wakeloop.conversation.exits", "Conversation exits by reason."},
		{&met.Utterances, "wakeloop.conversation.utterances", "Finalized utterances forwarded for processing."},
		{&met.DroppedMessages, "wakeloop.dropped_messages", "Messages dropped by full queues, by queue."},
		{&met.BridgeEvents, "wakeloop.bridge.events", "Device events received, by event name."},
		{&met.ProviderRequests, "wakeloop.provider.requests", "Provider API requests by provider, kind, and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActivationDuration, err = m.Float64Histogram("wakeloop.detect.activation.duration",
		metric.WithDescription("Length of activation windows, by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(activationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ShellDuration, err = m.Float64Histogram("wakeloop.bridge.shell.duration",
		metric.WithDescription("Round-trip latency of run_shell requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponderDuration, err = m.Float64Histogram("wakeloop.responder.duration",
		metric.WithDescription("Latency of responder LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("wakeloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Conversing, err = m.Int64UpDownCounter("wakeloop.conversation.active",
		metric.WithDescription("1 while a conversation is open."),
	); err != nil {
		return nil, err
	}
	if met.BridgeConnections, err = m.Int64UpDownCounter("wakeloop.bridge.connections",
		metric.WithDescription("Number of connected devices."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// add increments c by one with a single string attribute.
func add(ctx context.Context, c metric.Int64Counter, key, value string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}

// RecordWake counts a wake event from source.
func (m *Metrics) RecordWake(ctx context.Context, source string) {
	add(ctx, m.Wakes, "source", source)
}

// RecordRewake counts a silent re-wake.
func (m *Metrics) RecordRewake(ctx context.Context, reason string) {
	add(ctx, m.Rewakes, "reason", reason)
}

// RecordExit counts a conversation exit.
func (m *Metrics) RecordExit(ctx context.Context, reason string) {
	add(ctx, m.Exits, "reason", reason)
}

// RecordDropped counts a message dropped by a full queue.
func (m *Metrics) RecordDropped(ctx context.Context, queue string) {
	add(ctx, m.DroppedMessages, "queue", queue)
}

// RecordBridgeEvent counts a device event.
func (m *Metrics) RecordBridgeEvent(ctx context.Context, event string) {
	add(ctx, m.BridgeEvents, "event", event)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
