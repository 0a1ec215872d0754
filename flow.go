package nbot

import "fmt"

// StageNode is one node of a flow graph: the agents it runs in order, an
// optional stage evaluator and its outgoing transitions. Next is transition
// sugar for the common case of one target stage per state; States spells the
// full per-action table out where retry/skip/stop need distinct targets.
type StageNode struct {
	Agents    []Constructor
	Evaluator EvaluatorConstructor

	Next   map[State]StageName
	States map[State]map[NextAction]StageName
}

// Flow is a normalized stage graph.
type Flow struct {
	Name   string
	Start  StageName
	Stop   map[StageName]bool
	Stages map[StageName]*StageNode

	// FlowEvaluator scores the whole run when the flow completes;
	// GlobalEvaluator scores the notebook when the global goal is reached.
	// Both default to success records when nil.
	FlowEvaluator   EvaluatorConstructor
	GlobalEvaluator EvaluatorConstructor
}

// stopStages are the stages every flow pauses or terminates at.
func stopStages() map[StageName]bool {
	return map[StageName]bool{
		StageCompleted:      true,
		StagePlanningPaused: true,
		StageGlobalFinished: true,
	}
}

// NewFlow builds and normalizes a flow over the given stage nodes.
func NewFlow(name string, start StageName, stages map[StageName]*StageNode) (*Flow, error) {
	if start == "" {
		start = StageStart
	}
	f := &Flow{
		Name:   name,
		Start:  start,
		Stop:   stopStages(),
		Stages: stages,
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return f, nil
}

// normalize folds the Next sugar into States and fills the implicit
// transitions: retry and stop loop back to the stage itself, skip follows
// continue, and the error state retries the stage unless mapped explicitly.
func (f *Flow) normalize() error {
	for name, node := range f.Stages {
		if node.States == nil {
			node.States = map[State]map[NextAction]StageName{}
		}
		for state, target := range node.Next {
			if _, ok := node.States[state]; ok {
				return fmt.Errorf("flow %s stage %s: state %s in both Next and States", f.Name, name, state)
			}
			node.States[state] = map[NextAction]StageName{ActionDefault: target}
		}
		node.Next = nil

		if _, ok := node.States[StateError]; !ok {
			node.States[StateError] = map[NextAction]StageName{ActionDefault: name}
		}
		for _, actions := range node.States {
			if _, ok := actions[ActionContinue]; !ok {
				if target, ok := actions[ActionDefault]; ok {
					actions[ActionContinue] = target
				}
			}
			if _, ok := actions[ActionRetry]; !ok {
				actions[ActionRetry] = name
			}
			if _, ok := actions[ActionStop]; !ok {
				actions[ActionStop] = name
			}
			if _, ok := actions[ActionSkip]; !ok {
				if target, ok := actions[ActionContinue]; ok {
					actions[ActionSkip] = target
				}
			}
		}
	}
	for name, node := range f.Stages {
		for state, actions := range node.States {
			for act, target := range actions {
				if _, ok := f.Stages[target]; !ok {
					return fmt.Errorf("flow %s stage %s: %s/%s points to unknown stage %s",
						f.Name, name, state, act, target)
				}
			}
		}
	}
	if _, ok := f.Stages[f.Start]; !ok {
		return fmt.Errorf("flow %s: missing start stage %s", f.Name, f.Start)
	}
	return nil
}

// Node returns the stage node for name.
func (f *Flow) Node(stage StageName) (*StageNode, error) {
	node, ok := f.Stages[stage]
	if !ok {
		return nil, fmt.Errorf("flow %s: unknown stage %s", f.Name, stage)
	}
	return node, nil
}

// Transition resolves the next stage for a reported state and a chosen
// action, falling back to the wildcard state and the default action.
func (f *Flow) Transition(stage StageName, state State, act NextAction) (StageName, error) {
	node, err := f.Node(stage)
	if err != nil {
		return "", err
	}
	actions, ok := node.States[state]
	if !ok {
		actions, ok = node.States[StateAny]
	}
	if !ok {
		return "", fmt.Errorf("flow %s stage %s: no transition for state %s", f.Name, stage, state)
	}
	if target, ok := actions[act]; ok {
		return target, nil
	}
	if target, ok := actions[ActionDefault]; ok {
		return target, nil
	}
	return "", fmt.Errorf("flow %s stage %s: no transition for state %s action %s", f.Name, stage, state, act)
}
