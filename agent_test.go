package nbot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davin/nbot/chat"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// fakeCompleter returns a scripted reply and records the messages it saw.
type fakeCompleter struct {
	reply string
	err   error
	msgs  []chat.Message
	calls int
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(_ context.Context, msgs []chat.Message, _ ...chat.RequestOption) (string, error) {
	f.calls++
	f.msgs = msgs
	return f.reply, f.err
}

// testEnv builds an agent environment over a one-cell notebook and the
// scripted completer.
func testEnv(t *testing.T, completer chat.Completer) (*Env, *output.Sink) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nb.ipynb")
	nb := &notebook.File{
		Cells:         []*notebook.RawCell{notebook.NewCodeCell("import pandas as pd\n")},
		Metadata:      map[string]any{},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
	if err := nb.WriteFile(path); err != nil {
		t.Fatalf("write notebook: %v", err)
	}
	nbctx := notebook.NewContext(path)
	nbctx.SetCurrentCell("-f task_executor", "not present")

	sink := output.NewSink()
	env := &Env{
		Notebook: nbctx,
		Task:     &Task{Data: notebook.Data{Subject: "test subject"}},
		Sink:     sink,
		Endpoints: map[ModelType]Endpoint{
			ModelReasoning: {BaseURL: "http://test", Model: "fake"},
			ModelCoding:    {BaseURL: "http://test", Model: "fake"},
			ModelPlanner:   {BaseURL: "http://test", Model: "fake"},
		},
		NewCompleter: func(ep Endpoint) chat.Completer { return completer },
	}
	return env, sink
}

func TestChatAgentCodeFormat(t *testing.T) {
	fc := &fakeCompleter{reply: "Intro text.\n```python\nx = 1\n```\nmiddle\n```python\ny = 2\n```\n```sql\nselect 1\n```"}
	env, _ := testEnv(t, fc)

	var got *Reply
	agent := NewChatAgent("coder", env,
		WithPrompt("write code"),
		WithFormat(FormatCode, "python"),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			got = reply
			return false, StateDone, nil
		}),
	)
	failed, state, err := agent.Run(context.Background())
	if err != nil || failed {
		t.Fatalf("Run: failed=%v err=%v", failed, err)
	}
	if state != StateDone {
		t.Errorf("state = %s", state)
	}
	// Merge combine joins python blocks only; the sql block is ignored.
	if got.Text != "x = 1\n\n\ny = 2" {
		t.Errorf("combined code = %q", got.Text)
	}
	if fc.calls != 1 {
		t.Errorf("completer calls = %d", fc.calls)
	}
}

func TestChatAgentCombineModes(t *testing.T) {
	reply := "```python\nfirst\n```\n```python\nlast\n```"
	tests := []struct {
		mode CombineMode
		want string
	}{
		{CombineFirst, "first"},
		{CombineLast, "last"},
		{CombineMerge, "first\n\n\nlast"},
	}
	for _, tt := range tests {
		fc := &fakeCompleter{reply: reply}
		env, _ := testEnv(t, fc)
		var got string
		agent := NewChatAgent("coder", env,
			WithFormat(FormatCode, "python"),
			WithCombine(tt.mode),
			WithDisplayReply(false),
			OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
				got = reply.Text
				return false, StateDone, nil
			}),
		)
		if _, _, err := agent.Run(context.Background()); err != nil {
			t.Fatalf("Run(%s): %v", tt.mode, err)
		}
		if got != tt.want {
			t.Errorf("combine %s = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestChatAgentJSONMerge(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n{\"a\": 1}\n```\ntext between\n```json\n{\"b\": 2}\n```"}
	env, _ := testEnv(t, fc)

	var got *Reply
	agent := NewChatAgent("judge", env,
		WithFormat(FormatJSON, ""),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			got = reply
			return false, StateDone, nil
		}),
	)
	if _, _, err := agent.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	merged, _ := got.Value.(map[string]any)
	if merged["a"] != 1.0 || merged["b"] != 2.0 {
		t.Errorf("merged value = %v", got.Value)
	}
}

func TestChatAgentBareJSONPromoted(t *testing.T) {
	fc := &fakeCompleter{reply: `{"is_correct": true, "score": 0.5}`}
	env, _ := testEnv(t, fc)

	var got *Reply
	agent := NewChatAgent("judge", env,
		WithFormat(FormatJSON, ""),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			got = reply
			return false, StateDone, nil
		}),
	)
	if _, _, err := agent.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	value, _ := got.Value.(map[string]any)
	if value["is_correct"] != true {
		t.Errorf("value = %v", got.Value)
	}
}

func TestChatAgentSchemaRejectsBadReply(t *testing.T) {
	fc := &fakeCompleter{reply: `{"score": 2.0}`}
	env, _ := testEnv(t, fc)

	agent := NewChatAgent("judge", env,
		WithFormat(FormatJSON, ""),
		WithSchema(newVerdictSchema(t)),
		WithDisplayReply(false),
	)
	failed, state, err := agent.Run(context.Background())
	if err == nil || !failed || state != StateError {
		t.Errorf("schema violation should fail the agent: failed=%v state=%s err=%v", failed, state, err)
	}
}

func TestChatAgentEmptyReply(t *testing.T) {
	fc := &fakeCompleter{reply: "<think>only thoughts</think>"}
	env, _ := testEnv(t, fc)

	agent := NewChatAgent("quiet", env, WithFormat(FormatText, ""), WithDisplayReply(false))
	failed, _, err := agent.Run(context.Background())
	if !failed || !errors.Is(err, ErrEmptyReply) {
		t.Errorf("want ErrEmptyReply, got failed=%v err=%v", failed, err)
	}

	// With accept-empty the agent succeeds without a handler.
	fc2 := &fakeCompleter{reply: "<think>only thoughts</think>"}
	env2, _ := testEnv(t, fc2)
	agent = NewChatAgent("quiet", env2, WithFormat(FormatText, ""), WithAcceptEmpty(true), WithDisplayReply(false))
	failed, state, err := agent.Run(context.Background())
	if failed || err != nil || state != "" {
		t.Errorf("accept-empty run: failed=%v state=%s err=%v", failed, state, err)
	}
}

func TestChatAgentCompleterError(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("endpoint down")}
	env, _ := testEnv(t, fc)

	agent := NewChatAgent("doomed", env, WithDisplayReply(false))
	failed, state, err := agent.Run(context.Background())
	if !failed || state != StateError || err == nil {
		t.Errorf("completer failure should error the agent: failed=%v state=%s err=%v", failed, state, err)
	}
	if !strings.Contains(err.Error(), "doomed") {
		t.Errorf("error should name the agent: %v", err)
	}
}

func TestChatAgentMissingEndpoint(t *testing.T) {
	env, _ := testEnv(t, &fakeCompleter{reply: "x"})
	env.Endpoints = map[ModelType]Endpoint{}

	agent := NewChatAgent("lost", env, WithDisplayReply(false))
	failed, _, err := agent.Run(context.Background())
	if !failed || !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("want ErrNoEndpoint, got failed=%v err=%v", failed, err)
	}
}

// seqCompleter plays back one reply per call.
type seqCompleter struct {
	replies []string
	calls   int
}

func (s *seqCompleter) Name() string { return "seq" }

func (s *seqCompleter) Complete(_ context.Context, _ []chat.Message, _ ...chat.RequestOption) (string, error) {
	reply := s.replies[min(s.calls, len(s.replies)-1)]
	s.calls++
	return reply, nil
}

func TestChatAgentRetriesBadReply(t *testing.T) {
	// First reply violates the schema, second one passes; the agent should
	// recover within its own retry budget without reporting a failure.
	sc := &seqCompleter{replies: []string{`{"score": 2.0}`, `{"is_correct": true, "score": 0.5}`}}
	env, _ := testEnv(t, sc)

	var got *Reply
	agent := NewChatAgent("judge", env,
		WithFormat(FormatJSON, ""),
		WithSchema(newVerdictSchema(t)),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			got = reply
			return false, StateDone, nil
		}),
	)
	failed, state, err := agent.Run(context.Background())
	if err != nil || failed {
		t.Fatalf("Run: failed=%v err=%v", failed, err)
	}
	if state != StateDone {
		t.Errorf("state = %s", state)
	}
	if sc.calls != 2 {
		t.Errorf("completer calls = %d, want 2", sc.calls)
	}
	value, _ := got.Value.(map[string]any)
	if value["is_correct"] != true {
		t.Errorf("value = %v", got.Value)
	}
}

func TestChatAgentReplyRetriesExhausted(t *testing.T) {
	sc := &seqCompleter{replies: []string{"<think>nothing else</think>"}}
	env, _ := testEnv(t, sc)

	agent := NewChatAgent("quiet", env,
		WithFormat(FormatText, ""),
		WithDisplayReply(false),
		WithReplyRetries(1),
	)
	failed, state, err := agent.Run(context.Background())
	if !failed || state != StateError || !errors.Is(err, ErrEmptyReply) {
		t.Errorf("want ErrEmptyReply after exhaustion: failed=%v state=%s err=%v", failed, state, err)
	}
	if sc.calls != 2 {
		t.Errorf("completer calls = %d, want 2", sc.calls)
	}
}

func TestChatAgentPromptRendering(t *testing.T) {
	fc := &fakeCompleter{reply: "fine"}
	env, _ := testEnv(t, fc)

	agent := NewChatAgent("templated", env,
		WithPrompt("Subject: {{.task.Subject}} Format: {{.OUTPUT_FORMAT}}"),
		WithFormat(FormatRaw, ""),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			return false, StateDone, nil
		}),
	)
	if _, _, err := agent.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fc.msgs) != 1 {
		t.Fatalf("messages = %+v", fc.msgs)
	}
	sent := fc.msgs[0].Content[0].Text
	if !strings.Contains(sent, "Subject: test subject") || !strings.Contains(sent, "Format: raw") {
		t.Errorf("rendered prompt = %q", sent)
	}
}

func TestDisplaySegmentsMirroredToSink(t *testing.T) {
	fc := &fakeCompleter{reply: "<think>pondering</think>Answer.\n```python\nx = 1\n```"}
	env, _ := testEnv(t, fc)

	var captured *output.Payload
	sink := output.NewSink(output.WithDisplayer(output.DisplayFunc(func(p *output.Payload) {
		captured = p
	})))
	env.Sink = sink

	agent := NewChatAgent("chatty", env,
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			return false, StateDone, nil
		}),
	)
	if _, _, err := agent.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sink.Flush(true)
	if captured == nil {
		t.Fatal("nothing rendered")
	}
	md := captured.Data["text/markdown"]
	if !strings.Contains(md, "Answer.") || !strings.Contains(md, "Code Block") {
		t.Errorf("reply segments missing from sink:\n%s", md)
	}
}
