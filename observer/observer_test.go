package observer

import (
	"context"
	"errors"
	"testing"

	nbot "github.com/davin/nbot"
	"github.com/davin/nbot/chat"
)

// mockCompleter for observer tests.
type mockCompleter struct {
	name  string
	reply string
	err   error
	usage chat.Usage
	hook  func(chat.Usage)
}

func (m *mockCompleter) Name() string { return m.name }

func (m *mockCompleter) Complete(_ context.Context, _ []chat.Message, _ ...chat.RequestOption) (string, error) {
	if m.hook != nil && m.usage.TotalTokens > 0 {
		m.hook(m.usage)
	}
	return m.reply, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedCompleterName(t *testing.T) {
	inner := &mockCompleter{name: "test-provider"}
	oc := WrapCompleter(inner, "test-model", testInstruments(t))

	if got := oc.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedCompleterComplete(t *testing.T) {
	inner := &mockCompleter{name: "p", reply: "hello from LLM", usage: chat.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	oc := WrapCompleter(inner, "m", testInstruments(t))
	inner.hook = oc.UsageHook()

	got, err := oc.Complete(context.Background(), []chat.Message{chat.TextMessage("user", "hi")})
	if err != nil {
		t.Fatalf("Complete returned unexpected error: %v", err)
	}
	if got != "hello from LLM" {
		t.Errorf("Complete = %q, want %q", got, "hello from LLM")
	}
}

func TestObservedCompleterError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockCompleter{name: "p", err: wantErr}
	oc := WrapCompleter(inner, "m", testInstruments(t))

	_, err := oc.Complete(context.Background(), nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Complete error = %v, want %v", err, wantErr)
	}
}

func TestAgentTracerSpans(t *testing.T) {
	tracer := NewAgentTracer(testInstruments(t))

	ctx, span := tracer.Start(context.Background(), "agent.task_planner",
		nbot.StringAttr("model_type", "planner"))
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	span.Event("agent.started")
	span.SetAttr(nbot.IntAttr("cell_index", 3))
	span.Error(errors.New("boom"))
	span.End()
}

func TestTracerPlainSpan(t *testing.T) {
	tracer := NewTracer()

	_, span := tracer.Start(context.Background(), "flow.run",
		nbot.StringAttr("flow.name", "task_executor"),
		nbot.BoolAttr("confirm", false),
		nbot.Float64Attr("budget", 1.5),
	)
	span.End()
}
