package nbot

import (
	"context"
	"fmt"
	"time"
)

const taskCoderPrompt = `**Role**:

You are an expert Python programmer working inside a Jupyter notebook. The
kernel state from the executed cells above is still live; build on it
instead of repeating work.

**Task**:

{{.task.Subject}}

**Instructions**:

{{.task.CodingPrompt}}

{{template "TASK_CONTEXTS" .}}

{{template "CODE_CONTEXTS" .}}

{{template "TASK_OUTPUT_FORMAT" .}}

Write the code for this subtask now:
`

// NewTaskCoder generates the code cell body for the planned subtask.
func NewTaskCoder(env *Env) Agent {
	return NewChatAgent("task_coder", env,
		WithPrompt(taskCoderPrompt),
		WithFormat(FormatCode, "python"),
		WithModelType(ModelCoding),
		OnReply(coderOnReply("Coder")),
	)
}

const taskDebuggerPrompt = `**Role**:

You are an expert Python debugger working inside a Jupyter notebook. The
generated code for the current subtask failed; fix it.

**Task**:

{{.task.Subject}}

**Instructions**:

{{.task.CodingPrompt}}

**Failing code**:

` + "```python\n{{.task.Source}}\n```" + `

**Execution error**:

` + "```text\n{{.task.CellError}}\n```" + `

{{template "CODE_CONTEXTS" .}}

{{template "TASK_OUTPUT_FORMAT" .}}

Write the corrected code now:
`

// NewCodeDebugger rewrites the subtask code after an execution failure.
func NewCodeDebugger(env *Env) Agent {
	return NewChatAgent("code_debugger", env,
		WithPrompt(taskDebuggerPrompt),
		WithFormat(FormatCode, "python"),
		WithModelType(ModelCoding),
		OnReply(coderOnReply("Debugger")),
	)
}

// coderOnReply stamps the generated code and stores it as the task source.
func coderOnReply(role string) ReplyHandler {
	return func(ctx context.Context, env *Env, reply *Reply) (bool, State, error) {
		header := fmt.Sprintf("# Generated by Notebook Agent (%s) %s\n", role, time.Now().Format(time.RFC3339))
		env.Task.Source = header + reply.Text
		return false, StateDone, nil
	}
}
