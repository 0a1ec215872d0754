package nbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/davin/nbot/kernel"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// CodeExecutor runs the task's generated source on the kernel runtime and
// folds the capture into the task's cell output, result and error slots.
// Its state is the boolean execution outcome.
type CodeExecutor struct {
	env *Env
}

// NewCodeExecutor creates the executor agent.
func NewCodeExecutor(env *Env) Agent {
	return &CodeExecutor{env: env}
}

func (e *CodeExecutor) Name() string { return "code_executor" }

func (e *CodeExecutor) Run(ctx context.Context) (bool, State, error) {
	task := e.env.Task
	task.CellOutput = ""
	task.CellResult = ""
	task.CellError = ""
	if strings.TrimSpace(task.Source) == "" {
		task.CellError = "no code to execute"
		return true, StateFalse, nil
	}
	if e.env.Runtime == nil {
		return true, StateError, fmt.Errorf("code executor: no kernel runtime configured")
	}

	result, err := e.env.Runtime.Execute(ctx, task.Source)
	if err != nil {
		return true, StateError, fmt.Errorf("code executor: %w", err)
	}

	var parts []string
	if result.Stdout != "" {
		parts = append(parts, "Stdout:\n\n"+result.Stdout)
	}
	if result.Stderr != "" {
		parts = append(parts, "Stderr:\n\n"+result.Stderr)
	}
	if texts := displayTexts(result.Displays); len(texts) > 0 {
		parts = append(parts, "Outputs:\n\n"+strings.Join(texts, "\n"))
	}
	task.CellOutput = notebook.Truncate(strings.Join(parts, "\n\n"), notebook.MaxOutputSize)

	sink := e.env.sink()
	if task.CellOutput != "" {
		sink.OutputBlock(task.CellOutput, "", output.WithTitle("Execution Output"), output.WithFormat("code"), output.WithLang("text"))
	}

	if result.Failed() {
		text := result.Err.Ename + ": " + result.Err.Evalue + "\nTraceback:\n" + result.Err.FormatTraceback()
		task.CellError = notebook.Truncate(text, notebook.MaxErrorSize)
		sink.OutputBlock(task.CellError, "", output.WithTitle("Execution Error"), output.WithFormat("code"), output.WithLang("text"))
		return true, StateFalse, nil
	}
	task.CellResult = notebook.Truncate(result.Result, notebook.MaxResultSize)
	return false, StateTrue, nil
}

// displayTexts extracts prose from display outputs, preferring markdown.
func displayTexts(displays []kernel.Display) []string {
	var texts []string
	for _, d := range displays {
		if md, ok := d.Data["text/markdown"]; ok && md != "" {
			texts = append(texts, md)
			continue
		}
		if txt, ok := d.Data["text/plain"]; ok && txt != "" {
			texts = append(texts, txt)
		}
	}
	return texts
}

var _ Agent = (*CodeExecutor)(nil)
