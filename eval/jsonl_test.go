package eval

import (
	"path/filepath"
	"testing"
)

func TestJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	store, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}

	stage := NewStageRecord()
	stage.Timestamp = 1.5
	stage.NotebookName = "run.ipynb"
	stage.Flow = "task_executor"
	stage.Stage = "coding"
	stage.Agent = "task_coder"
	stage.IsSuccess = true
	stage.CorrectScore = 0.75

	flow := NewFlowRecord()
	flow.Timestamp = 2.5
	flow.StageCount = 4
	flow.PlanningScore = 0.8

	nb := NewNotebookRecord()
	nb.Timestamp = 3.5
	nb.FlowCount = 2

	for _, rec := range []Record{stage, flow, nb} {
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Append flushes per record, so the file is readable before Close.
	records, err := ReadJSONL(path)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}

	sr, ok := records[0].(*StageRecord)
	if !ok {
		t.Fatalf("record 0 = %T, want StageRecord", records[0])
	}
	if sr.Flow != "task_executor" || sr.Stage != "coding" || sr.Agent != "task_coder" {
		t.Errorf("stage record = %+v", sr)
	}
	if !sr.IsSuccess || sr.CorrectScore != 0.75 || sr.NotebookName != "run.ipynb" {
		t.Errorf("stage record fields = %+v", sr)
	}

	fr, ok := records[1].(*FlowRecord)
	if !ok || fr.StageCount != 4 || fr.PlanningScore != 0.8 {
		t.Errorf("flow record = %+v", records[1])
	}
	nr, ok := records[2].(*NotebookRecord)
	if !ok || nr.FlowCount != 2 {
		t.Errorf("notebook record = %+v", records[2])
	}
}

func TestRecordInterface(t *testing.T) {
	rec := NewStageRecord()
	if rec.Type() != TypeStage {
		t.Errorf("type = %s", rec.Type())
	}
	rec.SetStamp(42.5)
	if rec.Stamp() != 42.5 {
		t.Errorf("stamp = %v", rec.Stamp())
	}
	rec.SetNotebook("a.ipynb")
	if rec.NotebookName != "a.ipynb" {
		t.Errorf("notebook = %q", rec.NotebookName)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(map[string]any{"eval_type": "BOGUS"}, func(any) error { return nil })
	if err == nil {
		t.Error("unknown eval_type should fail")
	}
	_, err = Decode(map[string]any{}, func(any) error { return nil })
	if err == nil {
		t.Error("missing eval_type should fail")
	}
}
