package nbot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// PrepareNextCell inserts the next agent cell below the current one so the
// user only has to execute it to continue the flow.
type PrepareNextCell struct {
	env *Env
}

// NewPrepareNextCell creates the next-cell preparation agent.
func NewPrepareNextCell(env *Env) Agent {
	return &PrepareNextCell{env: env}
}

func (p *PrepareNextCell) Name() string { return "prepare_next_cell" }

func nextCellSource() string {
	return notebook.MagicName + "\n\n" +
		"# Execute this cell to generate the next task\n" +
		"# " + time.Now().Format(time.RFC3339) + "\n" +
		"# Special Note: Ensure the notebook is SAVED before executing this cell!\n"
}

func (p *PrepareNextCell) Run(ctx context.Context) (bool, State, error) {
	source := nextCellSource()
	if p.env.Caps.SetCellContent && p.env.Dispatcher != nil {
		act := action.New(action.KindSetCellContent, p.Name(), &action.SetCellContentParams{
			Index:  1,
			Type:   "code",
			Source: source,
		})
		if err := p.env.Dispatcher.Send(act); err != nil {
			return true, StateError, err
		}
		p.env.sink().Info("prepared the next agent cell, save the notebook and execute it")
		return false, StateDone, nil
	}
	sink := p.env.sink()
	sink.OutputMarkdown("Add a code cell below this one with the following content, save the notebook, then execute it:", "")
	sink.OutputBlock(source, "",
		output.WithTitle("Next Agent Cell"), output.WithFormat("code"), output.WithLang("python"))
	return false, StateDone, nil
}

var _ Agent = (*PrepareNextCell)(nil)

// OutputTaskResult renders the finished task's result and the accumulated
// important infos into the sink.
type OutputTaskResult struct {
	env *Env
}

// NewOutputTaskResult creates the result rendering agent.
func NewOutputTaskResult(env *Env) Agent {
	return &OutputTaskResult{env: env}
}

func (o *OutputTaskResult) Name() string { return "output_task_result" }

func (o *OutputTaskResult) Run(ctx context.Context) (bool, State, error) {
	task := o.env.Task
	sink := o.env.sink()
	if task.Subject != "" {
		sink.OutputMarkdown(fmt.Sprintf("**Task**: %s", task.Subject), "")
	}
	if task.Result != "" {
		sink.OutputMarkdown(task.Result, "")
	} else {
		sink.OutputMarkdown("*The task produced no result text.*", "")
	}
	if len(task.ImportantInfos) > 0 {
		raw, err := json.MarshalIndent(task.ImportantInfos, "", "  ")
		if err != nil {
			return true, StateError, err
		}
		sink.OutputBlock(string(raw), "",
			output.WithTitle("Important Infos"), output.WithFormat("code"), output.WithLang("json"), output.WithCollapsed(true))
	}
	return false, StateDone, nil
}

var _ Agent = (*OutputTaskResult)(nil)
