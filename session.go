package nbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/chat"
	"github.com/davin/nbot/internal/config"
	"github.com/davin/nbot/kernel"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// Session executes one agent cell: it parses the magic line and options,
// builds the agent environment from config and runs the selected flow.
type Session struct {
	cfg          config.Config
	notebookPath string

	sink         *output.Sink
	dispatcher   *action.Dispatcher
	runtime      kernel.Runtime
	tracer       Tracer
	logger       *slog.Logger
	setSource    func(string)
	newCompleter func(ep Endpoint) chat.Completer
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSink sets the output sink (default: the process-wide sink).
func WithSink(s *output.Sink) SessionOption {
	return func(ses *Session) { ses.sink = s }
}

// WithDispatcher sets the action dispatcher (default: the process-wide one).
func WithDispatcher(d *action.Dispatcher) SessionOption {
	return func(ses *Session) { ses.dispatcher = d }
}

// WithRuntime sets the kernel runtime (default: HTTP runtime from config).
func WithRuntime(r kernel.Runtime) SessionOption {
	return func(ses *Session) { ses.runtime = r }
}

// WithSessionTracer sets the tracer.
func WithSessionTracer(t Tracer) SessionOption {
	return func(ses *Session) { ses.tracer = t }
}

// WithSessionLogger sets the structured logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(ses *Session) { ses.logger = l }
}

// WithSetSource receives the reserialized cell source after each stage.
func WithSetSource(fn func(string)) SessionOption {
	return func(ses *Session) { ses.setSource = fn }
}

// WithCompleterFactory overrides chat client construction.
func WithCompleterFactory(fn func(ep Endpoint) chat.Completer) SessionOption {
	return func(ses *Session) { ses.newCompleter = fn }
}

// NewSession creates a session for the notebook at path.
func NewSession(cfg config.Config, notebookPath string, opts ...SessionOption) (*Session, error) {
	s := &Session{
		cfg:          cfg,
		notebookPath: notebookPath,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = output.Get()
	}
	if s.dispatcher == nil {
		caps := s.capabilities()
		action.DefaultServe = caps.UserConfirm || caps.UserSupplyInfo
		d, err := action.Default()
		if err != nil {
			return nil, err
		}
		s.dispatcher = d
	}
	if s.runtime == nil && cfg.Kernel.GatewayURL != "" {
		s.runtime = kernel.NewHTTPRuntime(cfg.Kernel.GatewayURL,
			kernel.WithKernelName(cfg.Kernel.KernelName),
			kernel.WithTimeout(cfg.Kernel.Timeout),
			kernel.WithStartupTimeout(cfg.Kernel.StartupTimeout),
		)
	}
	return s, nil
}

func (s *Session) capabilities() Capabilities {
	return Capabilities{
		SaveMetadata:   s.cfg.Capabilities.SaveMetadata,
		UserConfirm:    s.cfg.Capabilities.UserConfirm,
		UserSupplyInfo: s.cfg.Capabilities.UserSupplyInfo,
		SetCellContent: s.cfg.Capabilities.SetCellContent,
	}
}

func (s *Session) endpoints() map[ModelType]Endpoint {
	eps := map[ModelType]Endpoint{}
	for role, mc := range s.cfg.Endpoints() {
		eps[ModelType(role)] = Endpoint{BaseURL: mc.BaseURL, APIKey: mc.APIKey, Model: mc.Model}
	}
	return eps
}

// Run executes one agent cell given its magic line and body. The line may
// be passed with or without the leading magic name. It returns the stage
// the flow stopped at.
func (s *Session) Run(ctx context.Context, line, cell string) (StageName, error) {
	args := strings.TrimSpace(line)
	args = strings.TrimSpace(strings.TrimPrefix(args, notebook.MagicName))
	magicLine := notebook.MagicName
	if args != "" {
		magicLine += " " + args
	}

	if isBlank(cell) {
		s.sink.OutputMarkdown(
			"The cell is **empty**, we can't do anything.\n\n"+
				"We will fill it with a placeholder, please **RERUN** the cell again.", "")
		if s.setSource != nil {
			s.setSource(magicLine + "\n\n# " + time.Now().Format("2006-01-02 15:04:05"))
		}
		s.sink.Flush(true)
		return "", nil
	}

	agentCell, err := notebook.ParseAgentCell(magicLine + "\n" + cell)
	if err != nil {
		return "", fmt.Errorf("parse agent cell: %w", err)
	}

	nbctx := notebook.NewContext(s.notebookPath)
	nbctx.SetCurrentCell(args, cell)
	cellIdx, err := nbctx.CurIndex()
	if err != nil {
		s.logger.Warn("locating the current cell failed", "error", err)
		cellIdx = -1
	}

	task := &Task{
		Data:       agentCell.Data,
		Source:     agentCell.Body,
		AgentStage: StageName(agentCell.Spec.Stage),
		CellIdx:    cellIdx,
		Magic:      agentCell.Spec,
		SetSource:  s.setSource,
	}
	task.EnsureTaskID()

	caps := s.capabilities()
	env := &Env{
		Notebook:     nbctx,
		Task:         task,
		Sink:         s.sink,
		Dispatcher:   s.dispatcher,
		Caps:         caps,
		Runtime:      s.runtime,
		Endpoints:    s.endpoints(),
		Logger:       s.logger,
		Tracer:       s.tracer,
		NewCompleter: s.newCompleter,
	}

	flow := FlowByName(agentCell.Spec.EffectiveFlow())
	engine := NewEngine(env, flow,
		WithMaxTries(s.cfg.Flow.MaxTries),
		WithStageConfirm(s.cfg.Flow.StageConfirm),
		WithStageContinue(s.cfg.Flow.StageContinue),
	)
	return engine.Run(ctx, StageName(agentCell.Spec.Stage))
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
