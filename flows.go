package nbot

import "strings"

// Task executor stage names beyond the shared terminals.
const (
	StagePlanning         StageName = "planning"
	StageRequestInfoAbove StageName = "request_info_above"
	StageRequestInfoBelow StageName = "request_info_below"
	StageCoding           StageName = "coding"
	StageExecuting        StageName = "executing"
	StageDebugging        StageName = "debugging"
	StageReasoning        StageName = "reasoning"
	StageSummary          StageName = "summary"
	StagePrepareNext      StageName = "prepare_next"
	StageOutputResult     StageName = "output_result"
)

// mustFlow panics on a malformed stage graph; the graphs below are static.
func mustFlow(f *Flow, err error) *Flow {
	if err != nil {
		panic(err)
	}
	return f
}

// NewTaskExecutorFlow builds the subtask execution flow: plan, generate
// code, execute, debug on failure, summarise, and prepare the next agent
// cell; reasoning subtasks skip the code path. The flow pauses at
// planning_paused while waiting for user-supplied info and terminates at
// completed or global_finished.
func NewTaskExecutorFlow() *Flow {
	f := mustFlow(NewFlow("task_executor", StagePlanning, map[StageName]*StageNode{
		StagePlanning: {
			Agents: []Constructor{NewTaskPlanner},
			Next: map[State]StageName{
				StateCodingPlanned:    StageCoding,
				StateReasoningPlanned: StageReasoning,
				StateRequestInfo:      StageRequestInfoAbove,
				StateGlobalFinished:   StageGlobalFinished,
			},
		},
		StageRequestInfoAbove: {
			Agents: []Constructor{NewRequestAboveSupply},
			Next:   map[State]StageName{StateAny: StagePlanningPaused},
		},
		StagePlanningPaused: {
			Agents: []Constructor{NewTaskPlanner},
			Next: map[State]StageName{
				StateCodingPlanned:    StageCoding,
				StateReasoningPlanned: StageReasoning,
				StateRequestInfo:      StageRequestInfoAbove,
				StateGlobalFinished:   StageCompleted,
			},
		},
		StageCoding: {
			Agents: []Constructor{NewTaskCoder},
			Next:   map[State]StageName{StateAny: StageExecuting},
		},
		StageExecuting: {
			Agents: []Constructor{NewCodeExecutor},
			Next: map[State]StageName{
				StateTrue:  StageSummary,
				StateFalse: StageDebugging,
			},
		},
		StageDebugging: {
			Agents: []Constructor{NewCodeDebugger},
			Next:   map[State]StageName{StateAny: StageExecuting},
		},
		StageReasoning: {
			Agents: []Constructor{NewTaskReasoner},
			Next: map[State]StageName{
				StateDone:        StageCompleted,
				StateRequestInfo: StageRequestInfoBelow,
			},
		},
		StageSummary: {
			Agents: []Constructor{NewTaskSummariser},
			States: map[State]map[NextAction]StageName{
				StateDone: {
					ActionDefault: StagePrepareNext,
					ActionStop:    StageExecuting,
				},
			},
			Next: map[State]StageName{
				StateRequestInfo: StageRequestInfoBelow,
			},
		},
		StagePrepareNext: {
			Agents: []Constructor{NewPrepareNextCell},
			Next:   map[State]StageName{StateAny: StageCompleted},
		},
		StageRequestInfoBelow: {
			Agents: []Constructor{NewPrepareNextCell, NewRequestBelowSupply},
			Next:   map[State]StageName{StateAny: StageCompleted},
		},
		StageCompleted: {
			Agents: []Constructor{NewCodeExecutor},
			Next: map[State]StageName{
				StateTrue:  StageOutputResult,
				StateFalse: StageDebugging,
			},
		},
		StageOutputResult: {
			Agents: []Constructor{NewOutputTaskResult},
			Next:   map[State]StageName{StateAny: StageCompleted},
		},
		StageGlobalFinished: {
			Agents: []Constructor{NewOutputTaskResult},
			Next:   map[State]StageName{StateAny: StageGlobalFinished},
		},
	}))
	f.FlowEvaluator = NewFlowTaskExecEvaluator
	f.GlobalEvaluator = NewDummyGlobalEvaluator
	return f
}

// NewMasterPlannerFlow builds the global planning flow: one planning
// exchange followed by rendering the produced plan.
func NewMasterPlannerFlow() *Flow {
	f := mustFlow(NewFlow("master_planner", StageStart, map[StageName]*StageNode{
		StageStart: {
			Agents:    []Constructor{NewMasterPlanner},
			Evaluator: NewDummyTaskEvaluator,
			Next:      map[State]StageName{StateAny: StageCompleted},
		},
		StageCompleted: {
			Agents: []Constructor{NewOutputTaskResult},
			Next:   map[State]StageName{StateAny: StageCompleted},
		},
	}))
	f.Stop = map[StageName]bool{StageCompleted: true}
	f.FlowEvaluator = NewFlowGlobalPlanningEvaluator
	f.GlobalEvaluator = NewDummyGlobalEvaluator
	return f
}

// FlowByName resolves a flow factory from the magic's -f flag. Names with
// the "planning" prefix select the master planner flow.
func FlowByName(name string) *Flow {
	if strings.HasPrefix(name, "planning") {
		return NewMasterPlannerFlow()
	}
	return NewTaskExecutorFlow()
}
