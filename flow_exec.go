package nbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/eval"
)

// Engine walks a flow's stage graph: it runs each stage's agents, logs an
// evaluation record per stage, follows the reported state's transition and
// stops at the flow's stop stages or when the retry budget is spent.
type Engine struct {
	env  *Env
	flow *Flow

	maxTries      int
	stageConfirm  bool
	stageContinue bool
	now           func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxTries bounds how many failed stages the engine retries (default 5).
func WithMaxTries(n int) EngineOption {
	return func(e *Engine) { e.maxTries = n }
}

// WithStageConfirm asks the user to confirm each stage transition.
func WithStageConfirm(confirm bool) EngineOption {
	return func(e *Engine) { e.stageConfirm = confirm }
}

// WithStageContinue keeps the engine walking stages within one run instead
// of stopping after the first transition.
func WithStageContinue(cont bool) EngineOption {
	return func(e *Engine) { e.stageContinue = cont }
}

// NewEngine creates an engine for one flow run.
func NewEngine(env *Env, flow *Flow, opts ...EngineOption) *Engine {
	e := &Engine{
		env:           env,
		flow:          flow,
		maxTries:      5,
		stageConfirm:  true,
		stageContinue: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the flow from start (the flow's start stage when empty) and
// returns the stage the run stopped at.
func (e *Engine) Run(ctx context.Context, start StageName) (StageName, error) {
	sink := e.env.sink()
	logger := e.env.logger()

	stage := start
	if stage == "" {
		stage = e.flow.Start
	}

	nTries := 0
	stageCount := 0
	flowDuration := 0.0
	for nTries <= e.maxTries {
		if err := ctx.Err(); err != nil {
			return stage, err
		}
		sink.SetStage(stage.Title())

		begin := e.now()
		failed, state, agentName := e.runStage(ctx, stage)
		stageCount++
		stageDuration := e.now().Sub(begin).Seconds()
		flowDuration += stageDuration
		logger.Info("stage completed",
			"flow", e.flow.Name, "stage", string(stage), "state", string(state),
			"failed", failed, "duration", stageDuration)
		e.evaluateStage(ctx, stage, agentName, failed, stageDuration)

		if state != StateError {
			next, err := e.flow.Transition(stage, state, ActionContinue)
			if err != nil {
				return stage, err
			}
			e.persistStage(next)
			if e.flow.Stop[next] {
				sink.Info("flow stopped at stage %s", string(next))
				stage = next
				break
			}
		}

		if failed {
			nTries++
			if nTries > e.maxTries {
				sink.OutputMarkdown(fmt.Sprintf("**Max flow tries reached** during stage `%s`, **Stop!**", stage), "")
				break
			}
		}

		if e.stageConfirm && e.env.Caps.UserConfirm && e.env.Dispatcher != nil {
			act, err := e.confirmStage(ctx, stage, state, failed)
			if err != nil {
				return stage, err
			}
			next, err := e.flow.Transition(stage, state, act)
			if err != nil {
				return stage, err
			}
			e.persistStage(next)
			if act == ActionStop {
				sink.Info("flow stopped by user, next stage set to %s", string(next))
				stage = next
				break
			}
			stage = next
		} else {
			next, err := e.flow.Transition(stage, state, ActionContinue)
			if err != nil {
				return stage, err
			}
			e.persistStage(next)
			stage = next
		}
		if !e.stageContinue {
			break
		}
	}

	e.finalize(ctx, stage, stageCount, flowDuration)
	sink.Flush(true)
	return stage, nil
}

// runStage executes the stage's agents in order; the last agent's outcome
// wins. Agent errors degrade to a failed error state rather than aborting
// the flow.
func (e *Engine) runStage(ctx context.Context, stage StageName) (bool, State, string) {
	sink := e.env.sink()
	logger := e.env.logger()

	node, err := e.flow.Node(stage)
	if err != nil {
		sink.Warn("stage %s: %v", string(stage), err)
		return true, StateError, ""
	}
	failed, state, agentName := true, StateError, ""
	for _, construct := range node.Agents {
		agent := construct(e.env)
		agentName = agent.Name()
		logger.Info("executing stage", "stage", string(stage), "agent", agentName)
		failed, state, err = agent.Run(ctx)
		if err != nil {
			logger.Warn("stage agent failed", "stage", string(stage), "agent", agentName, "error", err)
			sink.OutputMarkdown(fmt.Sprintf("**Error** during stage `%s` agent `%s`: `%v`", stage, agentName, err), "")
			return true, StateError, agentName
		}
	}
	return failed, state, agentName
}

// evaluateStage logs the stage's evaluation record, running the node's
// evaluator when it has one and falling back to a default record.
func (e *Engine) evaluateStage(ctx context.Context, stage StageName, agentName string, failed bool, duration float64) {
	sink := e.env.sink()
	node, err := e.flow.Node(stage)
	if err != nil {
		return
	}

	var rec eval.Record
	if node.Evaluator != nil {
		evaluator := node.Evaluator(e.env)
		rec, err = evaluator.Evaluate(ctx)
		if err != nil {
			e.env.logger().Warn("stage evaluation failed", "stage", string(stage), "evaluator", evaluator.Name(), "error", err)
			sink.OutputMarkdown(fmt.Sprintf("**Error** during stage `%s` evaluation: `%v`", stage, err), "")
			return
		}
	} else {
		r := eval.NewStageRecord()
		r.Evaluator = "default"
		rec = r
	}
	if sr, ok := rec.(*eval.StageRecord); ok {
		sr.Flow = e.flow.Name
		sr.Stage = string(stage)
		sr.Agent = agentName
		sr.CellIndex = e.env.Task.CellIdx
		sr.ExecutionDuration = duration
		sr.IsSuccess = !failed
	}
	sink.LogEvaluation(rec)
}

// persistStage writes the next stage back to the agent cell.
func (e *Engine) persistStage(next StageName) {
	e.env.Task.AgentStage = next
	e.env.Task.UpdateCell(e.env.sink(), e.env.Caps)
}

// confirmPrompt is the transition confirmation shown to the user.
func (e *Engine) confirmPrompt(stage StageName, state State, failed bool) string {
	next, err := e.flow.Transition(stage, state, ActionContinue)
	if err != nil {
		next = stage
	}
	if failed {
		return fmt.Sprintf("Stage `%s` FAILED!\n Continue from stage `%s`? \n"+
			"(C)ontinue, (R)etry, s(K)ip, (S)top, default `continue`", stage, next)
	}
	return fmt.Sprintf("Continue to stage `%s`? \n"+
		"(C)ontinue, (R)etry, s(K)ip, (S)top, default `continue`", next)
}

// confirmStage asks the frontend which transition action to take.
func (e *Engine) confirmStage(ctx context.Context, stage StageName, state State, failed bool) (NextAction, error) {
	sink := e.env.sink()
	prompt := e.confirmPrompt(stage, state, failed)
	sink.OutputMarkdown("**Confirm**: "+prompt, "")
	sink.Flush(false)

	req := action.New(action.KindRequestUserConfirm, "flow_engine", &action.RequestUserConfirmParams{
		Prompt: prompt,
		Choices: []action.ConfirmChoice{
			{Label: "(C)ontinue", Value: string(ActionContinue)},
			{Label: "(R)etry", Value: string(ActionRetry)},
			{Label: "s(K)ip", Value: string(ActionSkip)},
			{Label: "(S)top", Value: string(ActionStop)},
		},
		Default: string(ActionContinue),
	})
	if err := e.env.Dispatcher.Send(req); err != nil {
		return ActionContinue, err
	}
	reply, err := e.env.Dispatcher.AwaitReply(ctx, req)
	if err != nil {
		return ActionContinue, fmt.Errorf("await stage confirmation: %w", err)
	}
	params, ok := reply.Params.(*action.ReceiveUserConfirmParams)
	if !ok {
		return ActionContinue, fmt.Errorf("unexpected confirm reply params %T", reply.Params)
	}
	act, err := MatchAction(params.Result)
	if err != nil {
		return "", fmt.Errorf("confirm stage %s: %w", stage, err)
	}
	return act, nil
}

// MatchAction maps a confirmation answer to a transition action: the empty
// answer and "c" continue, single letters c/r/k/s and unambiguous prefixes
// select their action.
func MatchAction(input string) (NextAction, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	switch {
	case input == "" || input == "c" || (len(input) > 1 && strings.HasPrefix(string(ActionContinue), input)):
		return ActionContinue, nil
	case input == "r" || (len(input) > 1 && strings.HasPrefix(string(ActionRetry), input)):
		return ActionRetry, nil
	case input == "k" || (len(input) > 1 && strings.HasPrefix(string(ActionSkip), input)):
		return ActionSkip, nil
	case input == "s" || (len(input) > 1 && strings.HasPrefix(string(ActionStop), input)):
		return ActionStop, nil
	}
	return "", fmt.Errorf("unknown action: %s", input)
}

// finalize emits the run-level evaluation record for terminal stages.
func (e *Engine) finalize(ctx context.Context, stage StageName, stageCount int, flowDuration float64) {
	sink := e.env.sink()
	switch stage {
	case StageGlobalFinished:
		sink.OutputMarkdown("Task execution **finished** globally.", "")
		rec := e.runEvaluator(ctx, e.flow.GlobalEvaluator, func() eval.Record {
			r := eval.NewNotebookRecord()
			r.Evaluator = "default"
			return r
		})
		if rec == nil {
			return
		}
		if nr, ok := rec.(*eval.NotebookRecord); ok {
			nr.CellIndex = e.env.Task.CellIdx
			nr.IsSuccess = true
		}
		sink.LogEvaluation(rec)
	case StageCompleted:
		sink.Info("flow completed in %.2f seconds with %d stages", flowDuration, stageCount)
		rec := e.runEvaluator(ctx, e.flow.FlowEvaluator, func() eval.Record {
			r := eval.NewFlowRecord()
			r.Evaluator = "default"
			return r
		})
		if rec == nil {
			return
		}
		if fr, ok := rec.(*eval.FlowRecord); ok {
			fr.Flow = e.flow.Name
			fr.StageCount = stageCount
			fr.ExecutionDuration = flowDuration
			fr.CellIndex = e.env.Task.CellIdx
			fr.IsSuccess = true
		}
		sink.LogEvaluation(rec)
	}
}

// runEvaluator runs an optional evaluator, degrading to the default record
// on absence and to nothing on error.
func (e *Engine) runEvaluator(ctx context.Context, construct EvaluatorConstructor, fallback func() eval.Record) eval.Record {
	if construct == nil {
		return fallback()
	}
	evaluator := construct(e.env)
	rec, err := evaluator.Evaluate(ctx)
	if err != nil {
		e.env.logger().Warn("flow evaluation failed", "evaluator", evaluator.Name(), "error", err)
		e.env.sink().OutputMarkdown(fmt.Sprintf("**Error** during flow evaluation: `%v`", err), "")
		return nil
	}
	return rec
}
