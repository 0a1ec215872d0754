package observer

import (
	"context"
	"sync"
	"time"

	"github.com/davin/nbot/chat"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ObservedCompleter wraps a chat.Completer with OTEL instrumentation. Token
// usage flows in through the UsageHook, which must be registered on the
// underlying chat.Client; NewCompleter wires both ends.
type ObservedCompleter struct {
	inner chat.Completer
	inst  *Instruments
	model string

	mu        sync.Mutex
	lastUsage chat.Usage
}

// WrapCompleter returns an instrumented completer that emits traces,
// metrics, and logs.
func WrapCompleter(inner chat.Completer, model string, inst *Instruments) *ObservedCompleter {
	return &ObservedCompleter{inner: inner, inst: inst, model: model}
}

// NewCompleter builds a retrying chat client with the usage hook attached
// and wraps it.
func NewCompleter(apiKey, model, baseURL string, inst *Instruments) *ObservedCompleter {
	o := &ObservedCompleter{inst: inst, model: model}
	client := chat.NewClient(apiKey, model, baseURL, chat.WithUsageFunc(o.UsageHook()))
	o.inner = chat.WithRetry(client)
	return o
}

// UsageHook returns the callback feeding reply token usage into the
// wrapper; pass it to chat.WithUsageFunc.
func (o *ObservedCompleter) UsageHook() func(chat.Usage) {
	return func(u chat.Usage) {
		o.mu.Lock()
		o.lastUsage = u
		o.mu.Unlock()
	}
}

func (o *ObservedCompleter) Name() string { return o.inner.Name() }

func (o *ObservedCompleter) Complete(ctx context.Context, msgs []chat.Message, opts ...chat.RequestOption) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat")
	span.SetAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	)
	defer span.End()

	o.mu.Lock()
	o.lastUsage = chat.Usage{}
	o.mu.Unlock()
	start := time.Now()

	reply, err := o.inner.Complete(ctx, msgs, opts...)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.mu.Lock()
	usage := o.lastUsage
	o.mu.Unlock()

	cost := o.inst.Cost.Calculate(o.model, usage.PromptTokens, usage.CompletionTokens)
	span.SetAttributes(
		AttrTokensInput.Int(usage.PromptTokens),
		AttrTokensOutput.Int(usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
	)

	modelAttrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, modelAttrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, modelAttrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", usage.PromptTokens),
		otellog.Int("llm.tokens.output", usage.CompletionTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return reply, err
}

// compile-time check
var _ chat.Completer = (*ObservedCompleter)(nil)
