package nbot

import (
	"context"
	"fmt"

	"github.com/davin/nbot/notebook"
)

// plannerReply is the structured output of the task planner.
type plannerReply struct {
	State                string                `json:"state" jsonschema:"enum=coding_planned,enum=reasoning_planned,enum=request_info,enum=global_finished,description=Planner decision for the next subtask"`
	SubtaskID            string                `json:"subtask_id,omitempty" jsonschema:"description=Stable id of the planned subtask"`
	SubtaskSubject       string                `json:"subtask_subject,omitempty" jsonschema:"description=Goal of the planned subtask"`
	SubtaskCodingPrompt  string                `json:"subtask_coding_prompt,omitempty" jsonschema:"description=Instructions for the code generator"`
	SubtaskSummaryPrompt string                `json:"subtask_summary_prompt,omitempty" jsonschema:"description=Instructions for the result summariser"`
	SubtaskVerifyPrompt  string                `json:"subtask_verify_prompt,omitempty" jsonschema:"description=Instructions for verifying the subtask result"`
	RequestSupplyInfos   []notebook.SupplyInfo `json:"request_supply_infos,omitempty" jsonschema:"description=Open questions the user must answer before planning can continue"`
}

var plannerSchema = MustSchema(&plannerReply{}, &plannerReply{
	State:                "coding_planned",
	SubtaskID:            "subtask-1",
	SubtaskSubject:       "Load the dataset and report basic statistics",
	SubtaskCodingPrompt:  "Read data.csv with pandas and print describe() output",
	SubtaskSummaryPrompt: "Summarise the dataset shape and notable columns",
})

const taskPlannerPrompt = `**Role**:

You are a task planning expert working inside a Jupyter notebook. Based on
the global plan and the progress so far, decide the next subtask.

**Rules**:

- Plan exactly one next subtask, or finish when the global goal is reached.
- Use state "coding_planned" when the subtask needs generated code,
  "reasoning_planned" when it can be answered by reasoning over the context,
  "request_info" when the user must supply missing information first, and
  "global_finished" when every subtask of the global plan is completed.
- Keep subtask prompts concrete and self-contained.

{{template "TASK_CONTEXTS" .}}

{{template "CODE_CONTEXTS" .}}

{{template "TASK_OUTPUT_FORMAT" .}}

Decide the next subtask now:
`

// NewTaskPlanner plans the next subtask from the global plan and notebook
// progress. Its reply state drives the planning stage transitions.
func NewTaskPlanner(env *Env) Agent {
	return NewChatAgent("task_planner", env,
		WithPrompt(taskPlannerPrompt),
		WithFormat(FormatJSON, ""),
		WithSchema(plannerSchema),
		WithModelType(ModelPlanner),
		OnReply(plannerOnReply),
	)
}

func plannerOnReply(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
	var plan plannerReply
	if err := reply.Decode(plannerSchema, &plan); err != nil {
		return true, StateError, err
	}

	task := env.Task
	keepID := task.TaskID
	task.Data.Clear()
	task.TaskID = keepID

	switch State(plan.State) {
	case StateCodingPlanned:
		if plan.SubtaskSubject == "" || plan.SubtaskCodingPrompt == "" {
			return true, StateError, fmt.Errorf("planner: coding_planned needs subject and coding prompt")
		}
		applyPlan(task, &plan)
		return false, StateCodingPlanned, nil
	case StateReasoningPlanned:
		if plan.SubtaskSubject == "" {
			return true, StateError, fmt.Errorf("planner: reasoning_planned needs a subject")
		}
		applyPlan(task, &plan)
		return false, StateReasoningPlanned, nil
	case StateRequestInfo:
		if len(plan.RequestSupplyInfos) == 0 {
			return true, StateError, fmt.Errorf("planner: request_info needs supply infos")
		}
		task.RequestAboveSupplyInfos = plan.RequestSupplyInfos
		return false, StateRequestInfo, nil
	case StateGlobalFinished:
		return false, StateGlobalFinished, nil
	}
	return true, StateError, fmt.Errorf("planner: unknown state %q", plan.State)
}

func applyPlan(task *Task, plan *plannerReply) {
	if plan.SubtaskID != "" {
		task.TaskID = plan.SubtaskID
	}
	task.Subject = plan.SubtaskSubject
	task.CodingPrompt = plan.SubtaskCodingPrompt
	task.SummaryPrompt = plan.SubtaskSummaryPrompt
	task.VerifyPrompt = plan.SubtaskVerifyPrompt
}

const masterPlannerPrompt = `**Role**:

You are a task planning expert. The user has stated a global goal in the
current notebook. Produce a complete global plan: an ordered list of
concrete subtasks with clear goals and expected outputs, written as
markdown.

{{template "TASK_CONTEXTS" .}}

---

**The user's global goal**

{{.task.Source}}

---

Write the global plan now:
`

// NewMasterPlanner generates the global plan for the planning cell.
func NewMasterPlanner(env *Env) Agent {
	return NewChatAgent("master_planner", env,
		WithPrompt(masterPlannerPrompt),
		WithFormat(FormatText, ""),
		WithModelType(ModelPlanner),
		OnReply(func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
			env.Task.Issue = ""
			env.Task.Result = reply.Text
			return false, StateDone, nil
		}),
	)
}
