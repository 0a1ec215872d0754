package nbot

// Constructor builds an agent bound to the shared environment.
type Constructor func(env *Env) Agent

// agentConstructors maps agent names to their constructors, used to resolve
// agents referenced by name in configuration.
var agentConstructors = map[string]Constructor{
	"task_planner":         NewTaskPlanner,
	"master_planner":       NewMasterPlanner,
	"task_coder":           NewTaskCoder,
	"code_debugger":        NewCodeDebugger,
	"code_executor":        NewCodeExecutor,
	"task_summariser":      NewTaskSummariser,
	"task_reasoner":        NewTaskReasoner,
	"request_above_supply": NewRequestAboveSupply,
	"request_below_supply": NewRequestBelowSupply,
	"prepare_next_cell":    NewPrepareNextCell,
	"output_task_result":   NewOutputTaskResult,
}

// AgentByName resolves an agent constructor.
func AgentByName(name string) (Constructor, bool) {
	c, ok := agentConstructors[name]
	return c, ok
}

// evaluatorConstructors maps evaluator names to their constructors.
var evaluatorConstructors = map[string]EvaluatorConstructor{
	"dummy_task":           NewDummyTaskEvaluator,
	"dummy_flow":           NewDummyFlowEvaluator,
	"dummy_global":         NewDummyGlobalEvaluator,
	"flow_global_planning": NewFlowGlobalPlanningEvaluator,
	"flow_task_executor":   NewFlowTaskExecEvaluator,
}

// EvaluatorByName resolves an evaluator constructor.
func EvaluatorByName(name string) (EvaluatorConstructor, bool) {
	c, ok := evaluatorConstructors[name]
	return c, ok
}
