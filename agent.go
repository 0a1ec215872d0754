package nbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/chat"
	"github.com/davin/nbot/kernel"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// Agent is one step of a flow stage. Run reports the flow state it reached
// and whether it failed; an error is treated by the engine as a failure with
// the error sentinel state.
type Agent interface {
	Name() string
	Run(ctx context.Context) (failed bool, state State, err error)
}

// Env is the shared wiring every agent runs with.
type Env struct {
	Notebook   *notebook.Context
	Task       *Task
	Sink       *output.Sink
	Dispatcher *action.Dispatcher
	Caps       Capabilities
	Runtime    kernel.Runtime
	Endpoints  map[ModelType]Endpoint
	Logger     *slog.Logger
	Tracer     Tracer

	// NewCompleter overrides client construction, used by tests and by the
	// retry wiring in the session.
	NewCompleter func(ep Endpoint) chat.Completer
}

func (e *Env) sink() *output.Sink {
	if e.Sink != nil {
		return e.Sink
	}
	return output.Get()
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// completer builds the chat client for a model type.
func (e *Env) completer(mt ModelType) (chat.Completer, error) {
	ep, ok := e.Endpoints[mt]
	if !ok {
		return nil, fmt.Errorf("%w for %s model", ErrNoEndpoint, mt)
	}
	if e.NewCompleter != nil {
		return e.NewCompleter(ep), nil
	}
	return chat.WithRetry(chat.NewClient(ep.APIKey, ep.Model, ep.BaseURL)), nil
}

// Reply is an agent's combined model reply: Text for raw/text/code formats,
// Value (or List for list-combine) for JSON.
type Reply struct {
	Format OutputFormat
	Text   string
	Value  any
	List   []any
}

// Empty reports whether the combined reply carries nothing.
func (r *Reply) Empty() bool {
	if r.Format == FormatJSON {
		return r.Value == nil && len(r.List) == 0
	}
	return strings.TrimSpace(r.Text) == ""
}

// Decode unmarshals a JSON reply value into out, validating it first when a
// schema is given.
func (r *Reply) Decode(schema *Schema, out any) error {
	if schema != nil {
		return schema.DecodeInto(r.Value, out)
	}
	raw, err := json.Marshal(r.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ReplyHandler consumes the combined reply and reports the stage state.
type ReplyHandler func(ctx context.Context, env *Env, reply *Reply) (failed bool, state State, err error)

// ChatAgent is the base LLM agent: it renders its prompt against the
// notebook contexts, sends one chat exchange, decodes the reply into
// segments and combines them by the configured format.
type ChatAgent struct {
	name         string
	env          *Env
	prompt       string
	format       OutputFormat
	codeLang     string
	schema       *Schema
	displayReply bool
	combine      CombineMode
	acceptEmpty  bool
	modelType    ModelType
	replyRetries int
	onReply      ReplyHandler
}

// AgentOption configures a ChatAgent.
type AgentOption func(*ChatAgent)

// WithPrompt sets the prompt template.
func WithPrompt(prompt string) AgentOption {
	return func(a *ChatAgent) { a.prompt = prompt }
}

// WithFormat sets the expected reply format and, for code, its language.
func WithFormat(format OutputFormat, lang string) AgentOption {
	return func(a *ChatAgent) {
		a.format = format
		if lang != "" {
			a.codeLang = lang
		}
	}
}

// WithSchema attaches a JSON reply schema; it is rendered into the prompt
// and enforced on the combined reply.
func WithSchema(s *Schema) AgentOption {
	return func(a *ChatAgent) { a.schema = s }
}

// WithCombine sets the segment combine mode (default merge).
func WithCombine(mode CombineMode) AgentOption {
	return func(a *ChatAgent) { a.combine = mode }
}

// WithModelType selects the endpoint the agent talks to (default reasoning).
func WithModelType(mt ModelType) AgentOption {
	return func(a *ChatAgent) { a.modelType = mt }
}

// WithDisplayReply toggles mirroring reply segments into the sink.
func WithDisplayReply(display bool) AgentOption {
	return func(a *ChatAgent) { a.displayReply = display }
}

// WithAcceptEmpty allows an empty combined reply.
func WithAcceptEmpty(accept bool) AgentOption {
	return func(a *ChatAgent) { a.acceptEmpty = accept }
}

// WithReplyRetries sets how many extra exchanges the agent attempts when a
// reply fails to decode, validate or combine. Transport errors are not
// retried here, the surrounding stage handles those.
func WithReplyRetries(n int) AgentOption {
	return func(a *ChatAgent) { a.replyRetries = n }
}

// OnReply sets the handler that turns the combined reply into a stage state.
func OnReply(fn ReplyHandler) AgentOption {
	return func(a *ChatAgent) { a.onReply = fn }
}

// NewChatAgent creates a chat agent with the base profile defaults: raw
// format, merge combine, reasoning model, reply display on.
func NewChatAgent(name string, env *Env, opts ...AgentOption) *ChatAgent {
	a := &ChatAgent{
		name:         name,
		env:          env,
		prompt:       "You are a helpful assistant.",
		format:       FormatRaw,
		codeLang:     "python",
		displayReply: true,
		combine:      CombineMerge,
		modelType:    ModelReasoning,
		replyRetries: 2,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ChatAgent) Name() string { return a.name }

// Run performs one prompt/reply exchange and hands the combined reply to
// the agent's handler.
func (a *ChatAgent) Run(ctx context.Context) (bool, State, error) {
	if a.env.Tracer != nil {
		var span Span
		ctx, span = a.env.Tracer.Start(ctx, "agent."+a.name, StringAttr("model_type", string(a.modelType)))
		defer span.End()
	}

	contexts, err := a.prepareContexts()
	if err != nil {
		return true, StateError, err
	}
	composer, err := chat.NewComposer(contexts, promptBlocks)
	if err != nil {
		return true, StateError, err
	}
	if err := composer.Add(a.prompt, "user"); err != nil {
		return true, StateError, err
	}

	completer, err := a.env.completer(a.modelType)
	if err != nil {
		return true, StateError, err
	}
	var reply *Reply
	for attempt := 0; ; attempt++ {
		a.env.logger().Info("sending chat request",
			"agent", a.name, "model_type", string(a.modelType), "attempt", attempt+1)
		raw, err := completer.Complete(ctx, composer.Messages())
		if err != nil {
			return true, StateError, fmt.Errorf("agent %s: %w", a.name, err)
		}

		segments := chat.Decode(raw, chat.DecodeOptions{})
		if a.displayReply {
			a.displaySegments(segments)
		}
		reply, err = a.combineSegments(segments)
		if err == nil && reply.Empty() && !a.acceptEmpty {
			err = fmt.Errorf("agent %s: %w", a.name, ErrEmptyReply)
		}
		if err == nil {
			break
		}
		if attempt >= a.replyRetries {
			return true, StateError, err
		}
		a.env.logger().Warn("bad reply, retrying", "agent", a.name, "attempt", attempt+1, "error", err)
		a.env.sink().Warn("bad reply from %s, retrying: %v", a.name, err)
	}
	if a.onReply == nil {
		return false, "", nil
	}
	return a.onReply(ctx, a.env, reply)
}

// displaySegments mirrors decoded segments into the sink.
func (a *ChatAgent) displaySegments(segments []chat.Segment) {
	sink := a.env.sink()
	for _, seg := range segments {
		switch seg.Kind {
		case chat.SegmentThink:
			sink.OutputBlock(seg.Content, "", output.WithTitle("Thought Block"), output.WithCollapsed(true))
		case chat.SegmentCode:
			sink.OutputBlock(seg.Content, "",
				output.WithTitle("Code Block"), output.WithFormat("code"), output.WithLang(seg.Lang))
		case chat.SegmentFence:
			sink.OutputBlock(seg.Content, "",
				output.WithTitle("Fence Block"), output.WithFormat("code"), output.WithLang("text"))
		default:
			sink.OutputMarkdown(seg.Content, "")
		}
	}
}

// prepareContexts builds the template context map shared by all prompts.
func (a *ChatAgent) prepareContexts() (map[string]any, error) {
	cells, err := a.env.Notebook.Cells()
	if err != nil {
		return nil, fmt.Errorf("load notebook context: %w", err)
	}
	contexts := map[string]any{
		"cells":            CellViews(cells),
		"task":             a.env.Task,
		"OUTPUT_FORMAT":    string(a.format),
		"OUTPUT_CODE_LANG": a.codeLang,
	}
	if a.schema != nil {
		contexts["OUTPUT_JSON_SCHEMA"] = a.schema.Doc()
		contexts["OUTPUT_JSON_EXAMPLE"] = a.schema.Example()
	}
	return contexts, nil
}

// combineSegments folds decoded segments into one reply per the agent's
// format and combine mode.
func (a *ChatAgent) combineSegments(segments []chat.Segment) (*Reply, error) {
	reply := &Reply{Format: a.format}
	switch a.format {
	case FormatRaw:
		text, err := combineText(a.combine, segments, func(s chat.Segment) (string, bool) {
			return s.Raw, true
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.name, err)
		}
		reply.Text = strings.TrimSpace(text)
	case FormatText:
		text, err := combineText(a.combine, segments, func(s chat.Segment) (string, bool) {
			return s.Content, s.Kind == chat.SegmentText
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.name, err)
		}
		reply.Text = strings.TrimSpace(text)
	case FormatCode:
		text, err := combineCode(a.combine, segments, a.codeLang)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.name, err)
		}
		reply.Text = strings.TrimSpace(text)
	case FormatJSON:
		if err := a.combineJSON(segments, reply); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", a.format)
	}
	return reply, nil
}

func combineText(mode CombineMode, segments []chat.Segment, pick func(chat.Segment) (string, bool)) (string, error) {
	var parts []string
	for _, seg := range segments {
		if text, ok := pick(seg); ok {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	switch mode {
	case CombineFirst:
		return parts[0], nil
	case CombineLast:
		return parts[len(parts)-1], nil
	case CombineMerge:
		return strings.Join(parts, ""), nil
	}
	return "", fmt.Errorf("unsupported combine mode %s for text output", mode)
}

func combineCode(mode CombineMode, segments []chat.Segment, lang string) (string, error) {
	var parts []string
	for _, seg := range segments {
		if seg.Kind == chat.SegmentCode && seg.Lang == lang {
			parts = append(parts, seg.Content)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	switch mode {
	case CombineFirst:
		return parts[0], nil
	case CombineLast:
		return parts[len(parts)-1], nil
	case CombineMerge:
		return strings.Join(parts, "\n"), nil
	}
	return "", fmt.Errorf("unsupported combine mode %s for code output", mode)
}

func (a *ChatAgent) combineJSON(segments []chat.Segment, reply *Reply) error {
	var values []any
	for _, seg := range segments {
		if seg.Kind != chat.SegmentCode || seg.Lang != "json" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(seg.Content), &v); err != nil {
			return fmt.Errorf("decode json segment: %w", err)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil
	}
	switch a.combine {
	case CombineFirst:
		reply.Value = values[0]
	case CombineLast:
		reply.Value = values[len(values)-1]
	case CombineList:
		reply.List = values
	case CombineMerge:
		merged := map[string]any{}
		for _, v := range values {
			m, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("merge combine needs object segments, got %T", v)
			}
			for k, val := range m {
				merged[k] = val
			}
		}
		reply.Value = merged
	default:
		return fmt.Errorf("unsupported combine mode %s for json output", a.combine)
	}
	if a.schema != nil {
		if reply.Value != nil {
			if err := a.schema.Validate(reply.Value); err != nil {
				return err
			}
		}
		for _, v := range reply.List {
			if err := a.schema.Validate(v); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ Agent = (*ChatAgent)(nil)
