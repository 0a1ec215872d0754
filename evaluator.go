package nbot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/davin/nbot/eval"
	"github.com/davin/nbot/output"
)

// Evaluator scores an execution and returns the record to log. The engine
// stamps the common fields (timestamp, cell index, flow, stage, agent,
// duration, success) afterwards, so evaluators only fill what they measure.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context) (eval.Record, error)
}

// EvaluatorConstructor builds an evaluator bound to the agent environment.
type EvaluatorConstructor func(env *Env) Evaluator

// DummyTaskEvaluator emits a bare success stage record without consulting a
// model. It is the default stage evaluator.
type DummyTaskEvaluator struct{}

// NewDummyTaskEvaluator creates the no-op stage evaluator.
func NewDummyTaskEvaluator(env *Env) Evaluator { return &DummyTaskEvaluator{} }

func (*DummyTaskEvaluator) Name() string { return "dummy_task" }

func (e *DummyTaskEvaluator) Evaluate(ctx context.Context) (eval.Record, error) {
	rec := eval.NewStageRecord()
	rec.Evaluator = e.Name()
	rec.IsSuccess = true
	rec.CorrectScore = 1
	return rec, nil
}

// DummyFlowEvaluator emits a bare success flow record.
type DummyFlowEvaluator struct{}

// NewDummyFlowEvaluator creates the no-op flow evaluator.
func NewDummyFlowEvaluator(env *Env) Evaluator { return &DummyFlowEvaluator{} }

func (*DummyFlowEvaluator) Name() string { return "dummy_flow" }

func (e *DummyFlowEvaluator) Evaluate(ctx context.Context) (eval.Record, error) {
	rec := eval.NewFlowRecord()
	rec.Evaluator = e.Name()
	rec.IsSuccess = true
	rec.CorrectScore = 1
	return rec, nil
}

// DummyGlobalEvaluator emits a bare success notebook record.
type DummyGlobalEvaluator struct{}

// NewDummyGlobalEvaluator creates the no-op notebook evaluator.
func NewDummyGlobalEvaluator(env *Env) Evaluator { return &DummyGlobalEvaluator{} }

func (*DummyGlobalEvaluator) Name() string { return "dummy_global" }

func (e *DummyGlobalEvaluator) Evaluate(ctx context.Context) (eval.Record, error) {
	rec := eval.NewNotebookRecord()
	rec.Evaluator = e.Name()
	rec.IsSuccess = true
	rec.CorrectScore = 1
	return rec, nil
}

// planningEvalReply is the structured verdict of the planning evaluator.
type planningEvalReply struct {
	IsCorrect    bool    `json:"is_correct" jsonschema:"required,description=Whether the produced global plan addresses the user goal"`
	QualityScore float64 `json:"quality_score" jsonschema:"required,minimum=0,maximum=1,description=Plan quality in the range 0 to 1"`
	Feedback     string  `json:"feedback,omitempty" jsonschema:"description=Short critique of the plan"`
}

var planningEvalSchema = MustSchema(&planningEvalReply{}, &planningEvalReply{
	IsCorrect:    true,
	QualityScore: 0.9,
	Feedback:     "The plan covers loading, analysis and reporting in a sensible order.",
})

const planningEvalPrompt = `**Role**:

You are a strict reviewer of task plans. Judge whether the produced global
plan addresses the user's goal and score its quality.

**The user's goal**:

{{.task.Source}}

**The produced plan**:

{{.task.Result}}

{{template "TASK_OUTPUT_FORMAT" .}}

Review the plan now:
`

// FlowGlobalPlanningEvaluator asks a reasoning model to score the global
// plan produced by the planning flow.
type FlowGlobalPlanningEvaluator struct {
	env *Env
}

// NewFlowGlobalPlanningEvaluator creates the LLM-backed planning evaluator.
func NewFlowGlobalPlanningEvaluator(env *Env) Evaluator {
	return &FlowGlobalPlanningEvaluator{env: env}
}

func (*FlowGlobalPlanningEvaluator) Name() string { return "flow_global_planning" }

func (e *FlowGlobalPlanningEvaluator) Evaluate(ctx context.Context) (eval.Record, error) {
	rec := eval.NewFlowRecord()
	rec.Evaluator = e.Name()

	agent := NewChatAgent("flow_global_planning_evaluator", e.env,
		WithPrompt(planningEvalPrompt),
		WithFormat(FormatJSON, ""),
		WithSchema(planningEvalSchema),
		WithModelType(ModelReasoning),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			var verdict planningEvalReply
			if err := reply.Decode(planningEvalSchema, &verdict); err != nil {
				return true, StateError, err
			}
			rec.IsSuccess = verdict.IsCorrect
			rec.CorrectScore = verdict.QualityScore
			rec.PlanningScore = verdict.QualityScore
			renderEvalReply(env.sink(), &verdict)
			return false, StateDone, nil
		}),
	)
	failed, _, err := agent.Run(ctx)
	if err != nil {
		return nil, err
	}
	if failed {
		return nil, fmt.Errorf("planning evaluator did not produce a verdict")
	}
	return rec, nil
}

func renderEvalReply(sink *output.Sink, verdict any) {
	raw, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return
	}
	sink.OutputBlock(string(raw), "",
		output.WithTitle("Evaluator Reply"), output.WithFormat("code"), output.WithLang("json"), output.WithCollapsed(true))
}

// taskExecEvalReply is the structured verdict of the subtask evaluator.
type taskExecEvalReply struct {
	IsCorrect      bool    `json:"is_correct" jsonschema:"required,description=Whether the final result matches the subtask goal"`
	CorrectScore   float64 `json:"correct_score" jsonschema:"required,minimum=0,maximum=1,description=How well the final result matches the subtask goal"`
	PlanningScore  float64 `json:"planning_score" jsonschema:"minimum=0,maximum=1,description=How well the subtask plan serves the global goal"`
	ReasoningScore float64 `json:"reasoning_score" jsonschema:"minimum=0,maximum=1,description=Soundness of the reasoning with no conflicts against earlier subtasks"`
	CodingScore    float64 `json:"coding_score" jsonschema:"minimum=0,maximum=1,description=Quality of the generated code against the plan"`
	Feedback       string  `json:"feedback,omitempty" jsonschema:"description=Short critique of the subtask execution"`
}

var taskExecEvalSchema = MustSchema(&taskExecEvalReply{}, &taskExecEvalReply{
	IsCorrect:      true,
	CorrectScore:   0.95,
	PlanningScore:  0.85,
	ReasoningScore: 0.9,
	CodingScore:    0.75,
})

const taskExecEvalPrompt = `**Role**:

You are a strict reviewer of subtask executions. Score how well the
produced result matches the subtask goal.

{{template "TASK_CONTEXTS" .}}

{{template "CODE_CONTEXTS" .}}

---

**Subtask goal**:

{{.task.Subject}}

{{if .task.CodingPrompt}}**Code requirements**:

{{.task.CodingPrompt}}

**Generated code**:

` + "```python\n{{.task.Source}}\n```" + `

**Execution output**:

` + "```text\n{{.task.CellOutput}}\n```" + `
{{end}}
**Summary instructions**:

{{.task.SummaryPrompt}}

**Final result**:

` + "```markdown\n{{.task.Result}}\n```" + `

{{if .task.ImportantInfos}}**Important infos**:

` + "```json\n{{json .task.ImportantInfos}}\n```" + `
{{end}}
{{template "TASK_OUTPUT_FORMAT" .}}

Review the subtask execution now:
`

// FlowTaskExecEvaluator asks a reasoning model to score the completed
// subtask flow: result correctness plus planning, reasoning and coding
// quality.
type FlowTaskExecEvaluator struct {
	env *Env
}

// NewFlowTaskExecEvaluator creates the LLM-backed subtask evaluator.
func NewFlowTaskExecEvaluator(env *Env) Evaluator {
	return &FlowTaskExecEvaluator{env: env}
}

func (*FlowTaskExecEvaluator) Name() string { return "flow_task_executor" }

func (e *FlowTaskExecEvaluator) Evaluate(ctx context.Context) (eval.Record, error) {
	rec := eval.NewFlowRecord()
	rec.Evaluator = e.Name()

	agent := NewChatAgent("flow_task_exec_evaluator", e.env,
		WithPrompt(taskExecEvalPrompt),
		WithFormat(FormatJSON, ""),
		WithSchema(taskExecEvalSchema),
		WithModelType(ModelReasoning),
		WithDisplayReply(false),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			var verdict taskExecEvalReply
			if err := reply.Decode(taskExecEvalSchema, &verdict); err != nil {
				return true, StateError, err
			}
			rec.IsSuccess = verdict.IsCorrect
			rec.CorrectScore = verdict.CorrectScore
			rec.PlanningScore = verdict.PlanningScore
			rec.ReasoningScore = verdict.ReasoningScore
			rec.CodingScore = verdict.CodingScore
			renderEvalReply(env.sink(), &verdict)
			return false, StateDone, nil
		}),
	)
	failed, _, err := agent.Run(ctx)
	if err != nil {
		return nil, err
	}
	if failed {
		return nil, fmt.Errorf("task exec evaluator did not produce a verdict")
	}
	return rec, nil
}

var (
	_ Evaluator = (*DummyTaskEvaluator)(nil)
	_ Evaluator = (*DummyFlowEvaluator)(nil)
	_ Evaluator = (*DummyGlobalEvaluator)(nil)
	_ Evaluator = (*FlowGlobalPlanningEvaluator)(nil)
	_ Evaluator = (*FlowTaskExecEvaluator)(nil)
)
