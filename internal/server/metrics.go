package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/status"
)

const instrumentationName = "github.com/loqalabs/voicewire/server"

type metrics struct {
	messagesIn  metric.Int64Counter
	messagesOut metric.Int64Counter
	ignored     metric.Int64Counter
	sessions    metric.Int64Counter
	connections metric.Int64UpDownCounter
	decode      metric.Float64Histogram
	synthesis   metric.Float64Histogram
}

// newMetrics registers the server instruments on the global meter provider.
// Instruments that fail to register fall back to no-ops so the server keeps
// serving.
func newMetrics(tracker *status.Tracker, log *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	warn := func(name string, err error) {
		log.Warn("failed to initialize metric", slog.String("metric", name), slogError(err))
	}

	if m.messagesIn, err = meter.Int64Counter("voicewire.messages.in", metric.WithDescription("Frames received by endpoint and tag")); err != nil {
		warn("voicewire.messages.in", err)
	}
	if m.messagesOut, err = meter.Int64Counter("voicewire.messages.out", metric.WithDescription("Frames sent by endpoint and tag")); err != nil {
		warn("voicewire.messages.out", err)
	}
	if m.ignored, err = meter.Int64Counter("voicewire.status.ignored", metric.WithDescription("Client frames discarded on status connections")); err != nil {
		warn("voicewire.status.ignored", err)
	}
	if m.sessions, err = meter.Int64Counter("voicewire.sessions", metric.WithDescription("Session lifecycle events by endpoint and event")); err != nil {
		warn("voicewire.sessions", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("voicewire.connections", metric.WithDescription("Open connections by endpoint")); err != nil {
		warn("voicewire.connections", err)
	}
	if m.decode, err = meter.Float64Histogram("voicewire.stt.decode.duration", metric.WithUnit("s"), metric.WithDescription("Recognizer latency")); err != nil {
		warn("voicewire.stt.decode.duration", err)
	}
	if m.synthesis, err = meter.Float64Histogram("voicewire.tts.synthesis.duration", metric.WithUnit("s"), metric.WithDescription("Synthesizer latency")); err != nil {
		warn("voicewire.tts.synthesis.duration", err)
	}

	gauge, err := meter.Float64ObservableGauge("voicewire.utilization", metric.WithDescription("Active sessions divided by capacity"))
	if err != nil {
		warn("voicewire.utilization", err)
	} else {
		_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveFloat64(gauge, tracker.Utilization())
			return nil
		}, gauge)
		if err != nil {
			warn("voicewire.utilization", err)
		}
	}
	return m
}

func tagAttrs(endpoint string, tag protocol.Tag) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("tag", fmt.Sprintf("0x%02x", byte(tag))),
	)
}

func endpointAttrs(endpoint string, kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{attribute.String("endpoint", endpoint)}, kv...)...)
}

func (m *metrics) received(ctx context.Context, endpoint string, tag protocol.Tag) {
	if m.messagesIn != nil {
		m.messagesIn.Add(ctx, 1, tagAttrs(endpoint, tag))
	}
}

func (m *metrics) sent(ctx context.Context, endpoint string, tag protocol.Tag) {
	if m.messagesOut != nil {
		m.messagesOut.Add(ctx, 1, tagAttrs(endpoint, tag))
	}
}

func (m *metrics) ignoredFrame(ctx context.Context, tag protocol.Tag) {
	if m.ignored != nil {
		m.ignored.Add(ctx, 1, tagAttrs(endpointSTT, tag))
	}
}

func (m *metrics) session(ctx context.Context, endpoint, event string) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, endpointAttrs(endpoint, attribute.String("event", event)))
	}
}

func (m *metrics) connection(ctx context.Context, endpoint string, delta int64) {
	if m.connections != nil {
		m.connections.Add(ctx, delta, endpointAttrs(endpoint))
	}
}

func (m *metrics) decoded(ctx context.Context, seconds float64, ok bool) {
	if m.decode != nil {
		m.decode.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("ok", ok)))
	}
}

func (m *metrics) synthesized(ctx context.Context, engine string, seconds float64, ok bool) {
	if m.synthesis != nil {
		m.synthesis.Record(ctx, seconds, metric.WithAttributes(attribute.String("engine", engine), attribute.Bool("ok", ok)))
	}
}
