package nbot

import (
	"strings"
	"time"

	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// ModelType selects which configured endpoint an agent talks to.
type ModelType string

const (
	ModelPlanner   ModelType = "planner"
	ModelCoding    ModelType = "coding"
	ModelReasoning ModelType = "reasoning"
)

// OutputFormat is the reply shape an agent expects from the model.
type OutputFormat string

const (
	FormatRaw  OutputFormat = "raw"
	FormatText OutputFormat = "text"
	FormatCode OutputFormat = "code"
	FormatJSON OutputFormat = "json"
)

// CombineMode picks how multiple reply segments collapse into one result.
type CombineMode string

const (
	CombineFirst CombineMode = "first"
	CombineLast  CombineMode = "last"
	CombineList  CombineMode = "list"
	CombineMerge CombineMode = "merge"
)

// Capabilities describe what the hosting frontend can do. They gate the
// action paths agents take: metadata persistence, confirmation prompts,
// info requests and cell edits.
type Capabilities struct {
	SaveMetadata   bool
	UserConfirm    bool
	UserSupplyInfo bool
	SetCellContent bool
}

// Endpoint is one model API target.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// State is the outcome token an agent reports to the flow engine.
type State string

const (
	// StateError is the sentinel set when an agent panics or errors out.
	StateError State = "_AGENT_STATE_ERROR_"
	// StateAny is the wildcard key in stage transition tables.
	StateAny State = "*"
	// StateTrue and StateFalse are the outcomes of boolean agents such as
	// the code executor.
	StateTrue  State = "true"
	StateFalse State = "false"
)

// Agent reply states used by the task flows.
const (
	StateCodingPlanned    State = "coding_planned"
	StateReasoningPlanned State = "reasoning_planned"
	StateRequestInfo      State = "request_info"
	StateGlobalFinished   State = "global_finished"
	StateDone             State = "done"
)

// StageName names one node of a flow.
type StageName string

const (
	StageStart          StageName = "start"
	StageCompleted      StageName = "completed"
	StagePlanningPaused StageName = "planning_paused"
	StageGlobalFinished StageName = "global_finished"
)

// Title renders the stage name for display: dots become dashes and the
// first letter is capitalized.
func (s StageName) Title() string {
	name := strings.ReplaceAll(string(s), ".", "-")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// NextAction is a transition selector, either the implicit CONTINUE or a
// user's choice from the stage confirmation prompt.
type NextAction string

const (
	ActionDefault  NextAction = "*"
	ActionContinue NextAction = "continue"
	ActionRetry    NextAction = "retry"
	ActionSkip     NextAction = "skip"
	ActionStop     NextAction = "stop"
)

// Task is the live state of the current agent cell: the persisted agent
// data plus the generated source and its latest execution capture.
type Task struct {
	notebook.Data

	Source     string
	CellOutput string
	CellResult string
	CellError  string
	AgentStage StageName
	CellIdx    int

	Magic *notebook.MagicSpec

	// SetSource, when set, receives the reserialized cell source
	// (set-next-input with replace in a live frontend, the batch runner
	// rewrites the cell in place).
	SetSource func(source string)
}

// EnsureTaskID assigns a fresh task id when none was carried in the cell.
func (t *Task) EnsureTaskID() {
	if t.TaskID == "" {
		t.TaskID = NewID()
	}
}

// UpdateCell pushes the task state back to the notebook: agent data goes to
// the sink's data store and the reserialized source goes through SetSource.
func (t *Task) UpdateCell(sink *output.Sink, caps Capabilities) {
	sink.OutputAgentData(t.dataUpdates())
	if t.SetSource == nil || t.Magic == nil {
		return
	}
	spec := *t.Magic
	if t.AgentStage != "" {
		spec.Stage = string(t.AgentStage)
	}
	cell := &notebook.AgentCell{Spec: &spec, Data: t.Data, Body: t.Source}
	t.SetSource(cell.Source(caps.SaveMetadata))
}

// dataUpdates flattens the agent data for the metadata data store.
func (t *Task) dataUpdates() map[string]any {
	updates := map[string]any{
		"task_id":     t.TaskID,
		"subject":     t.Subject,
		"issue":       t.Issue,
		"result":      t.Result,
		"agent_stage": string(t.AgentStage),
		"update_time": time.Now().Format(time.RFC3339),
	}
	if t.CodingPrompt != "" {
		updates["coding_prompt"] = t.CodingPrompt
	}
	if t.VerifyPrompt != "" {
		updates["verify_prompt"] = t.VerifyPrompt
	}
	if t.SummaryPrompt != "" {
		updates["summary_prompt"] = t.SummaryPrompt
	}
	if len(t.ImportantInfos) > 0 {
		updates["important_infos"] = t.ImportantInfos
	}
	if len(t.RequestAboveSupplyInfos) > 0 {
		updates["request_above_supply_infos"] = t.RequestAboveSupplyInfos
	}
	if len(t.RequestBelowSupplyInfos) > 0 {
		updates["request_below_supply_infos"] = t.RequestBelowSupplyInfos
	}
	return updates
}
