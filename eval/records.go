// Package eval defines the evaluation records emitted by flows and the JSONL
// sink they are appended to during batch runs.
package eval

import "fmt"

// RecordType partitions records by scope.
type RecordType string

const (
	TypeStage    RecordType = "STAGE"
	TypeFlow     RecordType = "FLOW"
	TypeNotebook RecordType = "NOTEBOOK"
)

// Record is the common surface of all evaluation records.
type Record interface {
	Type() RecordType
	Stamp() float64
	SetStamp(ts float64)
	SetNotebook(name string)
}

// Base carries the fields shared by every record type. Timestamps are
// fractional Unix seconds. CorrectScore is in [0, 1].
type Base struct {
	EvalType          RecordType `json:"eval_type"`
	Timestamp         float64    `json:"timestamp"`
	NotebookName      string     `json:"notebook_name,omitempty"`
	CellIndex         int        `json:"cell_index"`
	Evaluator         string     `json:"evaluator,omitempty"`
	ExecutionDuration float64    `json:"execution_duration,omitempty"`
	IsSuccess         bool       `json:"is_success"`
	CorrectScore      float64    `json:"correct_score"`
}

func (b *Base) Type() RecordType         { return b.EvalType }
func (b *Base) Stamp() float64           { return b.Timestamp }
func (b *Base) SetStamp(ts float64)      { b.Timestamp = ts }
func (b *Base) SetNotebook(name string)  { b.NotebookName = name }

// StageRecord scores one flow stage execution.
type StageRecord struct {
	Base
	Flow  string `json:"flow,omitempty"`
	Stage string `json:"stage,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// NewStageRecord creates a stage record with the type tag set.
func NewStageRecord() *StageRecord {
	return &StageRecord{Base: Base{EvalType: TypeStage}}
}

// FlowRecord scores one complete flow run.
type FlowRecord struct {
	Base
	Flow          string  `json:"flow,omitempty"`
	StageCount    int     `json:"stage_count,omitempty"`
	PlanningScore float64 `json:"planning_score,omitempty"`
	CodingScore   float64 `json:"coding_score,omitempty"`
	ReasoningScore float64 `json:"reasoning_score,omitempty"`
}

// NewFlowRecord creates a flow record with the type tag set.
func NewFlowRecord() *FlowRecord {
	return &FlowRecord{Base: Base{EvalType: TypeFlow}}
}

// NotebookRecord scores a whole notebook run.
type NotebookRecord struct {
	Base
	FlowCount     int     `json:"flow_count,omitempty"`
	PlanningScore float64 `json:"planning_score,omitempty"`
	CodingScore   float64 `json:"coding_score,omitempty"`
}

// NewNotebookRecord creates a notebook record with the type tag set.
func NewNotebookRecord() *NotebookRecord {
	return &NotebookRecord{Base: Base{EvalType: TypeNotebook}}
}

// Decode rebuilds a typed record from a decoded JSON map, dispatching on
// eval_type.
func Decode(m map[string]any, into func(any) error) (Record, error) {
	t, _ := m["eval_type"].(string)
	switch RecordType(t) {
	case TypeStage:
		r := NewStageRecord()
		return r, into(r)
	case TypeFlow:
		r := NewFlowRecord()
		return r, into(r)
	case TypeNotebook:
		r := NewNotebookRecord()
		return r, into(r)
	}
	return nil, fmt.Errorf("unknown eval_type %q", t)
}
