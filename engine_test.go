package nbot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/eval"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// scriptedAgent reports a fixed outcome and counts its runs.
type scriptedAgent struct {
	name   string
	failed bool
	state  State
	err    error
	runs   int
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Run(ctx context.Context) (bool, State, error) {
	a.runs++
	return a.failed, a.state, a.err
}

// engineEnv builds a minimal environment with a capture displayer.
func engineEnv() (*Env, func() *output.Payload) {
	var captured *output.Payload
	sink := output.NewSink(output.WithDisplayer(output.DisplayFunc(func(p *output.Payload) {
		captured = p
	})))
	env := &Env{
		Task: &Task{Data: notebook.Data{TaskID: "t-1"}, CellIdx: 3},
		Sink: sink,
	}
	return env, func() *output.Payload { return captured }
}

func TestEngineRunsToCompletion(t *testing.T) {
	agent := &scriptedAgent{name: "worker", state: StateDone}
	flow, err := NewFlow("unit", "start", map[StageName]*StageNode{
		"start": {
			Agents: []Constructor{func(env *Env) Agent { return agent }},
			Next:   map[State]StageName{StateDone: StageCompleted},
		},
		StageCompleted: {},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	env, captured := engineEnv()
	stage, err := NewEngine(env, flow).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stage != StageCompleted {
		t.Errorf("final stage = %s", stage)
	}
	if agent.runs != 1 {
		t.Errorf("agent runs = %d", agent.runs)
	}

	p := captured()
	if p == nil {
		t.Fatal("nothing rendered")
	}
	records, _ := p.Metadata[notebook.MetaEvalRecords].([]eval.Record)
	if len(records) != 2 {
		t.Fatalf("eval records = %d, want stage + flow", len(records))
	}
	sr, ok := records[0].(*eval.StageRecord)
	if !ok {
		t.Fatalf("first record is %T", records[0])
	}
	if sr.Flow != "unit" || sr.Stage != "start" || sr.Agent != "worker" || !sr.IsSuccess {
		t.Errorf("stage record = %+v", sr)
	}
	if sr.CellIndex != 3 || sr.Timestamp == 0 {
		t.Errorf("stage record not stamped: %+v", sr)
	}
	fr, ok := records[1].(*eval.FlowRecord)
	if !ok {
		t.Fatalf("second record is %T", records[1])
	}
	if fr.Flow != "unit" || fr.StageCount != 1 || !fr.IsSuccess {
		t.Errorf("flow record = %+v", fr)
	}
}

func TestEngineRetryBudget(t *testing.T) {
	agent := &scriptedAgent{name: "broken", err: errors.New("boom")}
	flow, err := NewFlow("unit", "start", map[StageName]*StageNode{
		"start": {
			Agents: []Constructor{func(env *Env) Agent { return agent }},
			Next:   map[State]StageName{StateDone: StageCompleted},
		},
		StageCompleted: {},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	env, captured := engineEnv()
	stage, err := NewEngine(env, flow, WithMaxTries(2)).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The error state retries the stage until the budget is spent.
	if stage != "start" {
		t.Errorf("final stage = %s", stage)
	}
	if agent.runs != 3 {
		t.Errorf("agent runs = %d, want the initial try plus 2 retries", agent.runs)
	}

	p := captured()
	if p == nil {
		t.Fatal("nothing rendered")
	}
	records, _ := p.Metadata[notebook.MetaEvalRecords].([]eval.Record)
	if len(records) != 3 {
		t.Fatalf("eval records = %d", len(records))
	}
	for _, rec := range records {
		sr, ok := rec.(*eval.StageRecord)
		if !ok || sr.IsSuccess {
			t.Errorf("failed stage record expected, got %+v", rec)
		}
	}
}

func TestEngineSingleStepMode(t *testing.T) {
	first := &scriptedAgent{name: "first", state: StateDone}
	second := &scriptedAgent{name: "second", state: StateDone}
	flow, err := NewFlow("unit", "a", map[StageName]*StageNode{
		"a": {
			Agents: []Constructor{func(env *Env) Agent { return first }},
			Next:   map[State]StageName{StateDone: "b"},
		},
		"b": {
			Agents: []Constructor{func(env *Env) Agent { return second }},
			Next:   map[State]StageName{StateDone: StageCompleted},
		},
		StageCompleted: {},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	env, _ := engineEnv()
	stage, err := NewEngine(env, flow, WithStageContinue(false)).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stage != "b" {
		t.Errorf("single-step run stopped at %s", stage)
	}
	if first.runs != 1 || second.runs != 0 {
		t.Errorf("runs = %d/%d, want only the first stage executed", first.runs, second.runs)
	}
}

func TestEngineGlobalFinish(t *testing.T) {
	agent := &scriptedAgent{name: "closer", state: StateGlobalFinished}
	flow, err := NewFlow("unit", "start", map[StageName]*StageNode{
		"start": {
			Agents: []Constructor{func(env *Env) Agent { return agent }},
			Next:   map[State]StageName{StateGlobalFinished: StageGlobalFinished},
		},
		StageGlobalFinished: {},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	env, captured := engineEnv()
	stage, err := NewEngine(env, flow).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stage != StageGlobalFinished {
		t.Errorf("final stage = %s", stage)
	}

	p := captured()
	records, _ := p.Metadata[notebook.MetaEvalRecords].([]eval.Record)
	if len(records) != 2 {
		t.Fatalf("eval records = %d", len(records))
	}
	nr, ok := records[1].(*eval.NotebookRecord)
	if !ok {
		t.Fatalf("final record is %T, want a notebook record", records[1])
	}
	if !nr.IsSuccess || nr.CellIndex != 3 {
		t.Errorf("notebook record = %+v", nr)
	}
}

// answerConfirm waits for the next confirmation request on the dispatcher
// and replies with the given answer.
func answerConfirm(t *testing.T, d *action.Dispatcher, answer string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			req := d.Fetch()
			if req == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			if req.Action != action.KindRequestUserConfirm {
				continue
			}
			d.PutReply(&action.Reply{
				UUID: req.UUID,
				Reply: action.New(action.KindReceiveUserConfirm, "test",
					&action.ReceiveUserConfirmParams{Result: answer}),
			})
			return
		}
	}()
}

func confirmFlow(t *testing.T, agent Agent) *Flow {
	t.Helper()
	flow, err := NewFlow("unit", "a", map[StageName]*StageNode{
		"a": {
			Agents: []Constructor{func(env *Env) Agent { return agent }},
			Next:   map[State]StageName{StateDone: "b"},
		},
		"b": {
			Next: map[State]StageName{StateDone: StageCompleted},
		},
		StageCompleted: {},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return flow
}

func TestEngineConfirmUnknownAnswerFails(t *testing.T) {
	agent := &scriptedAgent{name: "worker", state: StateDone}
	flow := confirmFlow(t, agent)

	env, _ := engineEnv()
	d, err := action.NewDispatcher(false)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()
	env.Dispatcher = d
	env.Caps.UserConfirm = true
	answerConfirm(t, d, "x")

	_, err = NewEngine(env, flow).Run(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Errorf("unrecognized confirm answer should fail the run, got %v", err)
	}
}

func TestEngineConfirmStop(t *testing.T) {
	agent := &scriptedAgent{name: "worker", state: StateDone}
	flow := confirmFlow(t, agent)

	env, _ := engineEnv()
	d, err := action.NewDispatcher(false)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()
	env.Dispatcher = d
	env.Caps.UserConfirm = true
	answerConfirm(t, d, "s")

	stage, err := NewEngine(env, flow).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Stop keeps the flow at the current stage for the next run.
	if stage != "a" {
		t.Errorf("stopped run ended at %s, want a", stage)
	}
	if agent.runs != 1 {
		t.Errorf("agent runs = %d", agent.runs)
	}
}

func TestEngineStageEvaluator(t *testing.T) {
	agent := &scriptedAgent{name: "worker", state: StateDone}
	flow, err := NewFlow("unit", "start", map[StageName]*StageNode{
		"start": {
			Agents:    []Constructor{func(env *Env) Agent { return agent }},
			Evaluator: NewDummyTaskEvaluator,
			Next:      map[State]StageName{StateDone: StageCompleted},
		},
		StageCompleted: {},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	env, captured := engineEnv()
	if _, err := NewEngine(env, flow).Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	records, _ := captured().Metadata[notebook.MetaEvalRecords].([]eval.Record)
	sr, ok := records[0].(*eval.StageRecord)
	if !ok {
		t.Fatalf("first record is %T", records[0])
	}
	if sr.Evaluator != "dummy_task" || sr.CorrectScore != 1 {
		t.Errorf("stage record = %+v", sr)
	}
}
