package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/davin/nbot/eval"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestAppendAndRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stage := eval.NewStageRecord()
	stage.Timestamp = 1000.5
	stage.NotebookName = "demo.ipynb"
	stage.CellIndex = 3
	stage.Evaluator = "dummy_task"
	stage.Flow = "task_executor"
	stage.Stage = "coding"
	stage.Agent = "task_coder"
	stage.IsSuccess = true
	stage.CorrectScore = 1

	flow := eval.NewFlowRecord()
	flow.Timestamp = 1001.0
	flow.NotebookName = "demo.ipynb"
	flow.CellIndex = 3
	flow.Flow = "task_executor"
	flow.StageCount = 7
	flow.IsSuccess = true
	flow.CorrectScore = 0.8
	flow.PlanningScore = 0.9

	for _, rec := range []eval.Record{stage, flow} {
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Records(ctx, "demo.ipynb")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}

	sr, ok := got[0].(*eval.StageRecord)
	if !ok {
		t.Fatalf("record 0: expected *eval.StageRecord, got %T", got[0])
	}
	if sr.Stage != "coding" || sr.Agent != "task_coder" || !sr.IsSuccess {
		t.Errorf("unexpected stage record: %+v", sr)
	}

	fr, ok := got[1].(*eval.FlowRecord)
	if !ok {
		t.Fatalf("record 1: expected *eval.FlowRecord, got %T", got[1])
	}
	if fr.StageCount != 7 || math.Abs(fr.PlanningScore-0.9) > 1e-9 {
		t.Errorf("unexpected flow record: %+v", fr)
	}
}

func TestRecordsFilterByNotebook(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, nb := range []string{"a.ipynb", "b.ipynb", "a.ipynb"} {
		rec := eval.NewStageRecord()
		rec.NotebookName = nb
		rec.Timestamp = 1
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Records(ctx, "a.ipynb")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("notebook filter: expected 2 records, got %d", len(got))
	}

	all, err := s.Records(ctx, "")
	if err != nil {
		t.Fatalf("Records all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("no filter: expected 3 records, got %d", len(all))
	}

	names, err := s.Notebooks(ctx)
	if err != nil {
		t.Fatalf("Notebooks: %v", err)
	}
	if len(names) != 2 || names[0] != "a.ipynb" || names[1] != "b.ipynb" {
		t.Errorf("Notebooks = %v, want [a.ipynb b.ipynb]", names)
	}
}

func TestReporterSummarize(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	add := func(nb string, success bool, score, dur float64) {
		rec := eval.NewStageRecord()
		rec.NotebookName = nb
		rec.IsSuccess = success
		rec.CorrectScore = score
		rec.ExecutionDuration = dur
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	add("nb1.ipynb", true, 1.0, 2.0)
	add("nb1.ipynb", false, 0.0, 4.0)
	add("nb2.ipynb", true, 0.5, 1.0)

	fr := eval.NewFlowRecord()
	fr.NotebookName = "nb1.ipynb"
	fr.IsSuccess = true
	fr.CorrectScore = 1.0
	if err := s.Append(fr); err != nil {
		t.Fatalf("Append flow: %v", err)
	}

	r := NewReporter(s.DB())
	summaries, err := r.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	nb1 := summaries[0]
	if nb1.Notebook != "nb1.ipynb" || nb1.Records != 3 || nb1.Stages != 2 || nb1.Flows != 1 {
		t.Errorf("unexpected nb1 summary: %+v", nb1)
	}
	if math.Abs(nb1.SuccessRate-2.0/3.0) > 1e-9 {
		t.Errorf("nb1 success rate = %v, want 2/3", nb1.SuccessRate)
	}
	if math.Abs(nb1.MeanDuration-2.0) > 1e-9 {
		t.Errorf("nb1 mean duration = %v, want 2", nb1.MeanDuration)
	}

	one, ok, err := r.SummarizeNotebook(ctx, "nb2.ipynb")
	if err != nil {
		t.Fatalf("SummarizeNotebook: %v", err)
	}
	if !ok || one.Records != 1 || math.Abs(one.MeanCorrect-0.5) > 1e-9 {
		t.Errorf("unexpected nb2 summary: ok=%v %+v", ok, one)
	}

	_, ok, err = r.SummarizeNotebook(ctx, "missing.ipynb")
	if err != nil {
		t.Fatalf("SummarizeNotebook missing: %v", err)
	}
	if ok {
		t.Error("expected no summary for missing notebook")
	}
}
