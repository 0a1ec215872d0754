package nbot

import (
	"context"

	"github.com/davin/nbot/notebook"
)

// summaryReply is the structured output of the summariser and the reasoner.
type summaryReply struct {
	Summary             string                `json:"summary" jsonschema:"required,description=Concise result of the subtask"`
	ImportantInfos      map[string]any        `json:"important_infos,omitempty" jsonschema:"description=Key facts later subtasks will need"`
	RequestConfirmInfos []notebook.SupplyInfo `json:"request_confirm_infos,omitempty" jsonschema:"description=Questions the user should confirm before continuing"`
}

var summarySchema = MustSchema(&summaryReply{}, &summaryReply{
	Summary: "Loaded 1432 rows; the amount column has 12 missing values.",
	ImportantInfos: map[string]any{
		"row_count": 1432,
	},
})

const taskSummariserPrompt = `**Role**:

You are a result summarisation expert. The current subtask's code has been
executed; summarise what it achieved for the subsequent subtasks.

**Task**:

{{.task.Subject}}

**Summary instructions**:

{{.task.SummaryPrompt}}

**Executed code**:

` + "```python\n{{.task.Source}}\n```" + `

**Execution output**:

` + "```text\n{{.task.CellOutput}}\n```" + `

**Execution result**:

` + "```text\n{{.task.CellResult}}\n```" + `

{{template "TASK_OUTPUT_FORMAT" .}}

Summarise the subtask result now:
`

// NewTaskSummariser condenses the executed subtask into a result summary,
// requesting user confirmation when the output raises questions.
func NewTaskSummariser(env *Env) Agent {
	return NewChatAgent("task_summariser", env,
		WithPrompt(taskSummariserPrompt),
		WithFormat(FormatJSON, ""),
		WithSchema(summarySchema),
		WithModelType(ModelReasoning),
		OnReply(summaryOnReply),
	)
}

const taskReasonerPrompt = `**Role**:

You are a reasoning expert. The current subtask can be completed by
reasoning over the notebook context alone, without generating code.

**Task**:

{{.task.Subject}}

{{template "TASK_CONTEXTS" .}}

{{template "CODE_CONTEXTS" .}}

{{template "TASK_OUTPUT_FORMAT" .}}

Work the subtask out and report the result now:
`

// NewTaskReasoner answers a reasoning subtask directly from the context.
func NewTaskReasoner(env *Env) Agent {
	return NewChatAgent("task_reasoner", env,
		WithPrompt(taskReasonerPrompt),
		WithFormat(FormatJSON, ""),
		WithSchema(summarySchema),
		WithModelType(ModelReasoning),
		OnReply(summaryOnReply),
	)
}

// summaryOnReply stores the summary on the task. Pending confirmation
// questions divert the flow to the below-cell info request.
func summaryOnReply(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
	var sum summaryReply
	if err := reply.Decode(summarySchema, &sum); err != nil {
		return true, StateError, err
	}
	task := env.Task
	task.Issue = ""
	task.Result = sum.Summary
	if len(sum.ImportantInfos) > 0 {
		task.ImportantInfos = sum.ImportantInfos
	}
	if len(sum.RequestConfirmInfos) > 0 {
		task.RequestBelowSupplyInfos = sum.RequestConfirmInfos
		return false, StateRequestInfo, nil
	}
	return false, StateDone, nil
}
