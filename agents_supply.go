package nbot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// SupplyWhere places the requested info block relative to the agent cell.
type SupplyWhere int

const (
	// SupplyAbove requests info needed before planning can continue; the
	// answers belong above the agent cell so they enter its context.
	SupplyAbove SupplyWhere = iota
	// SupplyBelow requests confirmation of the produced result; the answers
	// belong below the agent cell.
	SupplyBelow
)

const supplyInfoHeader = "### USER_SUPPLY_INFO:"

// UserSupplyAgent collects missing information from the user. Preference
// order: a blocking frontend request, a pre-filled cell insert the user can
// edit, printed instructions.
type UserSupplyAgent struct {
	env   *Env
	where SupplyWhere
}

// NewRequestAboveSupply requests planner-blocking info above the cell.
func NewRequestAboveSupply(env *Env) Agent {
	return &UserSupplyAgent{env: env, where: SupplyAbove}
}

// NewRequestBelowSupply requests result confirmation below the cell.
func NewRequestBelowSupply(env *Env) Agent {
	return &UserSupplyAgent{env: env, where: SupplyBelow}
}

func (a *UserSupplyAgent) Name() string {
	if a.where == SupplyAbove {
		return "request_above_supply"
	}
	return "request_below_supply"
}

func (a *UserSupplyAgent) infos() []notebook.SupplyInfo {
	if a.where == SupplyAbove {
		return a.env.Task.RequestAboveSupplyInfos
	}
	return a.env.Task.RequestBelowSupplyInfos
}

func (a *UserSupplyAgent) title() string {
	if a.where == SupplyAbove {
		return "Information required to continue planning"
	}
	return "Please confirm the produced result"
}

func (a *UserSupplyAgent) Run(ctx context.Context) (bool, State, error) {
	infos := a.infos()
	if len(infos) == 0 {
		return false, StateDone, nil
	}
	switch {
	case a.env.Caps.UserSupplyInfo && a.env.Dispatcher != nil:
		return a.requestInteractive(ctx, infos)
	case a.env.Caps.SetCellContent && a.env.Dispatcher != nil:
		return a.insertCell(infos)
	default:
		return a.printInstructions(infos)
	}
}

// requestInteractive sends a blocking supply request and waits for the
// frontend's reply.
func (a *UserSupplyAgent) requestInteractive(ctx context.Context, infos []notebook.SupplyInfo) (bool, State, error) {
	req := action.New(action.KindRequestUserSupplyInfo, a.Name(), &action.RequestUserSupplyInfoParams{
		Title:  a.title(),
		Issues: infos,
	})
	if err := a.env.Dispatcher.Send(req); err != nil {
		return true, StateError, err
	}
	reply, err := a.env.Dispatcher.AwaitReply(ctx, req)
	if err != nil {
		return true, StateError, fmt.Errorf("await user supply info: %w", err)
	}
	params, ok := reply.Params.(*action.ReceiveUserSupplyInfoParams)
	if !ok {
		return true, StateError, fmt.Errorf("unexpected reply params %T", reply.Params)
	}
	task := a.env.Task
	if task.ImportantInfos == nil {
		task.ImportantInfos = map[string]any{}
	}
	sink := a.env.sink()
	for _, r := range params.Replies {
		task.ImportantInfos[r.Prompt] = r.Reply
		sink.OutputMarkdown(fmt.Sprintf("- **%s**: %s", r.Prompt, r.Reply), "")
	}
	// Persist the answers into the notebook as a raw cell so they survive
	// the session and re-enter the agent's context on the next run.
	if a.env.Caps.SetCellContent {
		act := action.New(action.KindSetCellContent, a.Name(), &action.SetCellContentParams{
			Index:  a.insertIndex(),
			Type:   "raw",
			Source: renderSupply(a.title(), params.Replies),
		})
		if err := a.env.Dispatcher.Send(act); err != nil {
			return true, StateError, err
		}
	}
	return false, StateDone, nil
}

// insertIndex places the new cell relative to the agent cell.
func (a *UserSupplyAgent) insertIndex() int {
	if a.where == SupplyAbove {
		return -1
	}
	return 1
}

// insertCell asks the frontend to insert a pre-filled raw cell the user can
// edit and re-run from.
func (a *UserSupplyAgent) insertCell(infos []notebook.SupplyInfo) (bool, State, error) {
	act := action.New(action.KindSetCellContent, a.Name(), &action.SetCellContentParams{
		Index:  a.insertIndex(),
		Type:   "raw",
		Source: renderSupply(a.title(), supplyEntries(infos)),
	})
	if err := a.env.Dispatcher.Send(act); err != nil {
		return true, StateError, err
	}
	a.env.sink().Info("inserted a USER_SUPPLY_INFO cell, fill it in and re-run the agent cell")
	return false, StateDone, nil
}

// printInstructions falls back to plain output when the frontend cannot be
// driven.
func (a *UserSupplyAgent) printInstructions(infos []notebook.SupplyInfo) (bool, State, error) {
	sink := a.env.sink()
	where := "below"
	if a.where == SupplyAbove {
		where = "above"
	}
	sink.OutputMarkdown(fmt.Sprintf(
		"Please add a markdown cell %s this one with the following block, answer each question, then re-run this cell:",
		where), "")
	sink.OutputBlock(supplyBlock(a.title(), infos), "",
		output.WithTitle("User Supply Info"), output.WithFormat("code"), output.WithLang("markdown"))
	return false, StateDone, nil
}

// supplyEntries turns the open questions into an editable question/answer
// list, pre-filled with the examples.
func supplyEntries(infos []notebook.SupplyInfo) []notebook.SupplyReply {
	entries := make([]notebook.SupplyReply, len(infos))
	for i, info := range infos {
		entries[i] = notebook.SupplyReply{Prompt: info.Prompt, Reply: info.Example}
	}
	return entries
}

// renderSupply renders a USER_SUPPLY_INFO block for a raw cell, bare JSON
// under the titled header.
func renderSupply(title string, entries []notebook.SupplyReply) string {
	raw, _ := json.MarshalIndent(entries, "", "  ")
	return supplyInfoHeader + " " + title + "[JSON]\n\n" + string(raw) + "\n"
}

// supplyBlock is the fenced rendering for markdown instructions.
func supplyBlock(title string, infos []notebook.SupplyInfo) string {
	raw, _ := json.MarshalIndent(supplyEntries(infos), "", "  ")
	return supplyInfoHeader + " " + title + "[JSON]\n\n```json\n" + string(raw) + "\n```\n"
}

var _ Agent = (*UserSupplyAgent)(nil)
