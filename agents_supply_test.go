package nbot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

func supplyEnv(t *testing.T, caps Capabilities, infos []notebook.SupplyInfo) *Env {
	t.Helper()
	d, err := action.NewDispatcher(false)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return &Env{
		Task:       &Task{Data: notebook.Data{RequestAboveSupplyInfos: infos}},
		Sink:       output.NewSink(),
		Dispatcher: d,
		Caps:       caps,
	}
}

// answerSupply waits for the next supply-info request on the dispatcher and
// replies with the given answers.
func answerSupply(t *testing.T, d *action.Dispatcher, replies []notebook.SupplyReply) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			req := d.Fetch()
			if req == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			if req.Action != action.KindRequestUserSupplyInfo {
				continue
			}
			d.PutReply(&action.Reply{
				UUID: req.UUID,
				Reply: action.New(action.KindReceiveUserSupplyInfo, "test",
					&action.ReceiveUserSupplyInfoParams{Replies: replies}),
			})
			return
		}
	}()
}

func TestSupplyAgentInteractiveWritesCell(t *testing.T) {
	infos := []notebook.SupplyInfo{{Prompt: "Which dataset?", Example: "iris"}}
	env := supplyEnv(t, Capabilities{UserSupplyInfo: true, SetCellContent: true}, infos)
	answerSupply(t, env.Dispatcher, []notebook.SupplyReply{{Prompt: "Which dataset?", Reply: "titanic"}})

	agent := NewRequestAboveSupply(env)
	failed, state, err := agent.Run(context.Background())
	if err != nil || failed || state != StateDone {
		t.Fatalf("Run: failed=%v state=%s err=%v", failed, state, err)
	}
	if env.Task.ImportantInfos["Which dataset?"] != "titanic" {
		t.Errorf("important infos = %v", env.Task.ImportantInfos)
	}

	// The answers are written back above the agent cell as a raw cell.
	act := env.Dispatcher.Fetch()
	if act == nil || act.Action != action.KindSetCellContent {
		t.Fatalf("expected a set_cell_content action, got %+v", act)
	}
	params, ok := act.Params.(*action.SetCellContentParams)
	if !ok {
		t.Fatalf("params are %T", act.Params)
	}
	if params.Type != "raw" || params.Index != -1 {
		t.Errorf("cell placement = type %q index %d, want raw above", params.Type, params.Index)
	}
	if !strings.Contains(params.Source, "### USER_SUPPLY_INFO:") ||
		!strings.Contains(params.Source, "titanic") {
		t.Errorf("cell source = %q", params.Source)
	}
	if strings.Contains(params.Source, "```") {
		t.Errorf("raw cell source should not be fenced: %q", params.Source)
	}
}

func TestSupplyAgentInteractiveWithoutCellWrite(t *testing.T) {
	infos := []notebook.SupplyInfo{{Prompt: "Which dataset?"}}
	env := supplyEnv(t, Capabilities{UserSupplyInfo: true}, infos)
	answerSupply(t, env.Dispatcher, []notebook.SupplyReply{{Prompt: "Which dataset?", Reply: "titanic"}})

	agent := NewRequestAboveSupply(env)
	if failed, _, err := agent.Run(context.Background()); err != nil || failed {
		t.Fatalf("Run: failed=%v err=%v", failed, err)
	}
	if act := env.Dispatcher.Fetch(); act != nil {
		t.Errorf("no cell write expected without the capability, got %+v", act)
	}
}

func TestSupplyAgentInsertCellFallback(t *testing.T) {
	infos := []notebook.SupplyInfo{{Prompt: "Which dataset?", Example: "iris"}}
	env := supplyEnv(t, Capabilities{SetCellContent: true}, infos)

	agent := NewRequestAboveSupply(env)
	failed, state, err := agent.Run(context.Background())
	if err != nil || failed || state != StateDone {
		t.Fatalf("Run: failed=%v state=%s err=%v", failed, state, err)
	}

	act := env.Dispatcher.Fetch()
	if act == nil || act.Action != action.KindSetCellContent {
		t.Fatalf("expected a set_cell_content action, got %+v", act)
	}
	params, ok := act.Params.(*action.SetCellContentParams)
	if !ok {
		t.Fatalf("params are %T", act.Params)
	}
	if params.Type != "raw" || params.Index != -1 {
		t.Errorf("cell placement = type %q index %d, want raw above", params.Type, params.Index)
	}
	// The questions are pre-filled with their examples for the user to edit.
	if !strings.Contains(params.Source, "iris") {
		t.Errorf("cell source = %q", params.Source)
	}
}

func TestSupplyAgentBelowPlacement(t *testing.T) {
	env := supplyEnv(t, Capabilities{SetCellContent: true}, nil)
	env.Task.RequestBelowSupplyInfos = []notebook.SupplyInfo{{Prompt: "Is the result correct?"}}

	agent := NewRequestBelowSupply(env)
	if failed, _, err := agent.Run(context.Background()); err != nil || failed {
		t.Fatalf("Run: failed=%v err=%v", failed, err)
	}
	act := env.Dispatcher.Fetch()
	if act == nil {
		t.Fatal("expected a set_cell_content action")
	}
	params := act.Params.(*action.SetCellContentParams)
	if params.Index != 1 {
		t.Errorf("index = %d, want 1 for below placement", params.Index)
	}
}
