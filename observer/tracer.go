package observer

import (
	"context"
	"fmt"
	"strings"
	"time"

	nbot "github.com/davin/nbot"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements nbot.Tracer using OpenTelemetry. With instruments
// attached, agent spans additionally feed the agent execution metrics.
type otelTracer struct {
	inner trace.Tracer
	inst  *Instruments
}

// NewTracer returns an nbot.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend.
func NewTracer() nbot.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

// NewAgentTracer is NewTracer plus agent execution metrics: spans named
// "agent.<name>" count into agent.executions and agent.duration on End.
func NewAgentTracer(inst *Instruments) nbot.Tracer {
	return &otelTracer{inner: inst.Tracer, inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...nbot.SpanAttr) (context.Context, nbot.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	s := &otelSpan{inner: span}
	if t.inst != nil {
		if agent, ok := strings.CutPrefix(name, "agent."); ok {
			s.inst = t.inst
			s.ctx = ctx
			s.agent = agent
			s.start = time.Now()
		}
	}
	return ctx, s
}

// otelSpan implements nbot.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span

	inst   *Instruments
	ctx    context.Context
	agent  string
	start  time.Time
	failed bool
}

func (s *otelSpan) SetAttr(attrs ...nbot.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...nbot.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.failed = true
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	if s.inst != nil {
		status := "ok"
		if s.failed {
			status = "error"
		}
		s.inner.SetAttributes(AttrAgentStatus.String(status))
		s.inst.AgentExecutions.Add(s.ctx, 1, metric.WithAttributes(
			AttrAgentName.String(s.agent),
			attribute.String("status", status),
		))
		s.inst.AgentDuration.Record(s.ctx, float64(time.Since(s.start).Milliseconds()),
			metric.WithAttributes(AttrAgentName.String(s.agent)))
	}
	s.inner.End()
}

// toOTELAttr converts an nbot.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a nbot.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ nbot.Tracer = (*otelTracer)(nil)
	_ nbot.Span   = (*otelSpan)(nil)
)
