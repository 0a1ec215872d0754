// Package batch executes a notebook end to end: plain code cells go through
// the kernel runtime, agent cells run the in-process flow session, and the
// evaluation records they emit are collected into a record store. The
// executed notebook is saved after every cell so aborted runs keep their
// progress.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	nbot "github.com/davin/nbot"
	"github.com/davin/nbot/action"
	"github.com/davin/nbot/eval"
	"github.com/davin/nbot/internal/config"
	"github.com/davin/nbot/kernel"
	"github.com/davin/nbot/notebook"
	"github.com/davin/nbot/output"
)

// Runner executes one notebook.
type Runner struct {
	cfg        config.Config
	inputPath  string
	outputPath string

	logger      *slog.Logger
	runtime     kernel.Runtime
	store       eval.Store
	ownsStore   bool
	replay      func(*action.Action)
	sessionOpts []nbot.SessionOption

	execCount int
	sawFlow   bool
	sawGlobal bool
	agentRan  bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithRuntime sets the kernel runtime (default: HTTP runtime from config).
func WithRuntime(rt kernel.Runtime) Option {
	return func(r *Runner) { r.runtime = rt }
}

// WithStore sets the evaluation record store (default: the JSONL file from
// the batch config; no records are kept when neither is set). The caller
// owns an injected store.
func WithStore(s eval.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithActionReplay receives every action record newer than the cell's
// stored action timestamp. The default only logs them.
func WithActionReplay(fn func(*action.Action)) Option {
	return func(r *Runner) { r.replay = fn }
}

// WithSessionOptions appends options to every agent cell session.
func WithSessionOptions(opts ...nbot.SessionOption) Option {
	return func(r *Runner) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// New creates a Runner for the notebook at inputPath. The executed copy is
// written to the configured output path, or "<input>_executed.ipynb" next
// to the input when unset.
func New(cfg config.Config, inputPath string, opts ...Option) *Runner {
	// Batch runs are headless: nobody can answer confirm or supply-info
	// prompts, so those capabilities are forced off.
	cfg.Capabilities.UserConfirm = false
	cfg.Capabilities.UserSupplyInfo = false
	cfg.Flow.StageConfirm = false

	out := cfg.Batch.OutputPath
	if out == "" {
		base := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
		out = base + "_executed.ipynb"
	}

	r := &Runner{
		cfg:        cfg,
		inputPath:  inputPath,
		outputPath: out,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OutputPath returns where the executed notebook is written.
func (r *Runner) OutputPath() string { return r.outputPath }

// Run executes the notebook. The first error from a code cell stops the run
// unless allow_errors is set; the partially executed notebook is kept either
// way.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Batch.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Batch.Timeout)
		defer cancel()
	}

	nb, err := notebook.ReadFile(r.inputPath)
	if err != nil {
		return err
	}
	r.logger.Info("running notebook", "input", r.inputPath, "output", r.outputPath)

	header := notebook.NewCodeCell(fmt.Sprintf(
		"# Executed notebook: %s\n# Output saved to: %s\n\n__evaluation_ipynb_file__ = '%s'\n",
		filepath.Base(r.inputPath), r.outputPath, r.outputPath,
	), notebook.TagExclude)
	nb.Cells = append([]*notebook.RawCell{header}, nb.Cells...)

	if err := nb.WriteFile(r.outputPath); err != nil {
		return err
	}

	if r.store == nil && r.cfg.Batch.EvaluationPath != "" {
		store, err := eval.OpenJSONL(r.cfg.Batch.EvaluationPath)
		if err != nil {
			return err
		}
		r.store = store
		r.ownsStore = true
	}
	if r.ownsStore {
		defer r.store.Close()
	}

	if r.runtime == nil {
		r.runtime = kernel.NewHTTPRuntime(r.cfg.Kernel.GatewayURL,
			kernel.WithKernelName(r.cfg.Batch.KernelName),
			kernel.WithTimeout(r.cfg.Batch.Timeout),
			kernel.WithStartupTimeout(r.cfg.Batch.StartupTimeout),
		)
		defer r.runtime.Shutdown(context.Background())
	}

	runErr := r.runCells(ctx, nb)

	r.synthesizeMissing(runErr)

	if err := nb.WriteFile(r.outputPath); err != nil {
		return err
	}
	return runErr
}

func (r *Runner) runCells(ctx context.Context, nb *notebook.File) error {
	executed := 0
	for idx := 0; idx < len(nb.Cells); idx++ {
		cell := nb.Cells[idx]
		if err := ctx.Err(); err != nil {
			return err
		}
		if cell.CellType != "code" {
			continue
		}
		if tag := r.cfg.Batch.SkipCellsTag; tag != "" && cell.HasTag(tag) {
			r.logger.Info("skipping tagged cell", "cell", idx, "tag", tag)
			continue
		}
		if max := r.cfg.Batch.MaxCells; max > 0 && executed >= max {
			r.logger.Warn("max cells reached, stopping", "max", max)
			return nil
		}
		executed++

		var err error
		if isAgentCell(cell.SourceText()) {
			err = r.runAgentCell(ctx, idx, cell)
		} else {
			err = r.runCodeCell(ctx, idx, cell)
		}

		idx += r.harvest(nb, idx, cell)

		if werr := nb.WriteFile(r.outputPath); werr != nil {
			return werr
		}
		if err != nil {
			if r.cfg.Batch.AllowErrors {
				r.logger.Warn("cell failed, continuing", "cell", idx, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func isAgentCell(source string) bool {
	return strings.HasPrefix(strings.TrimSpace(source), notebook.MagicName)
}

// runCodeCell executes one plain code cell on the kernel and writes its
// outputs back into the cell.
func (r *Runner) runCodeCell(ctx context.Context, idx int, cell *notebook.RawCell) error {
	r.logger.Info("executing code cell", "cell", idx)
	res, err := r.runtime.Execute(ctx, cell.SourceText())
	if err != nil {
		return fmt.Errorf("cell %d: %w", idx, err)
	}

	r.execCount++
	n := r.execCount
	cell.ExecutionCount = &n
	cell.Outputs = nil
	if res.Stdout != "" {
		cell.Outputs = append(cell.Outputs, notebook.StreamOutput("stdout", res.Stdout))
	}
	if res.Stderr != "" {
		cell.Outputs = append(cell.Outputs, notebook.StreamOutput("stderr", res.Stderr))
	}
	for _, d := range res.Displays {
		data := make(map[string]any, len(d.Data))
		for mime, v := range d.Data {
			data[mime] = v
		}
		cell.Outputs = append(cell.Outputs, notebook.DisplayOutput(data, d.Metadata))
	}
	if res.Result != "" {
		cell.Outputs = append(cell.Outputs, notebook.ResultOutput(res.Result))
	}
	if res.Err != nil {
		cell.Outputs = append(cell.Outputs, notebook.ErrorOutput(res.Err.Ename, res.Err.Evalue, res.Err.Traceback))
		return fmt.Errorf("cell %d raised %s: %s", idx, res.Err.Ename, res.Err.Evalue)
	}
	return nil
}

// runAgentCell runs one %%bot cell through an in-process session. The last
// rendered display payload becomes the cell's output and set-source updates
// replace the cell source, the way the frontend applies them.
func (r *Runner) runAgentCell(ctx context.Context, idx int, cell *notebook.RawCell) error {
	r.logger.Info("executing agent cell", "cell", idx)
	r.agentRan = true

	line, body, _ := strings.Cut(strings.TrimSpace(cell.SourceText()), "\n")

	var last *output.Payload
	sink := output.NewSink(output.WithDisplayer(output.DisplayFunc(func(p *output.Payload) {
		last = p
	})))

	opts := append([]nbot.SessionOption{
		nbot.WithSink(sink),
		nbot.WithRuntime(r.runtime),
		nbot.WithSessionLogger(r.logger),
		nbot.WithSetSource(cell.SetSource),
	}, r.sessionOpts...)

	sess, err := nbot.NewSession(r.cfg, r.outputPath, opts...)
	if err != nil {
		return fmt.Errorf("cell %d: %w", idx, err)
	}
	stage, runErr := sess.Run(ctx, line, body)
	sink.Flush(true)

	r.execCount++
	n := r.execCount
	cell.ExecutionCount = &n
	cell.Outputs = nil
	if last != nil {
		data := make(map[string]any, len(last.Data))
		for mime, v := range last.Data {
			data[mime] = v
		}
		cell.Outputs = append(cell.Outputs, notebook.DisplayOutput(data, last.Metadata))
	}
	if runErr != nil {
		return fmt.Errorf("cell %d: %w", idx, runErr)
	}
	r.logger.Info("agent cell finished", "cell", idx, "stage", string(stage))
	return nil
}

// harvest folds a cell's display-output agent metadata back into the cell
// and the record store: data-store promotion when the output stamp is
// newer, evaluation records stamped with the notebook name, and action
// records newer than the cell's action timestamp. It returns how many cells
// were inserted at or above idx so the caller can keep its position; cells
// inserted below are executed when the walk reaches them.
func (r *Runner) harvest(nb *notebook.File, idx int, cell *notebook.RawCell) int {
	shift := 0
	if cell.Metadata == nil {
		cell.Metadata = map[string]any{}
	}
	dataStamp := floatVal(cell.Metadata[notebook.MetaDataTimestamp])
	actionStamp := floatVal(cell.Metadata[notebook.MetaActionStamp])

	for _, out := range cell.Outputs {
		if out.OutputType != "display_data" {
			continue
		}
		meta := out.Metadata

		if stored, _ := meta[notebook.MetaDataStore].(bool); stored {
			if ts := floatVal(meta[notebook.MetaDataTimestamp]); ts > dataStamp && meta[notebook.MetaData] != nil {
				r.logger.Info("promoting agent data to cell metadata", "cell", idx)
				dataStamp = ts
				cell.Metadata[notebook.MetaDataStore] = true
				cell.Metadata[notebook.MetaDataTimestamp] = ts
				mergeData(cell.Metadata, meta[notebook.MetaData])
			}
		}

		for _, rec := range decodeEvalRecords(meta[notebook.MetaEvalRecords]) {
			rec.SetNotebook(r.outputPath)
			r.logger.Info("evaluation record",
				"cell", idx, "type", string(rec.Type()))
			switch rec.Type() {
			case eval.TypeFlow:
				r.sawFlow = true
			case eval.TypeNotebook:
				r.sawGlobal = true
			}
			if r.store != nil {
				if err := r.store.Append(rec); err != nil {
					r.logger.Error("appending evaluation record failed", "error", err)
				}
			}
		}

		for _, act := range decodeActions(meta[notebook.MetaActionRecords]) {
			if act.Timestamp <= actionStamp {
				continue
			}
			actionStamp = act.Timestamp
			cell.Metadata[notebook.MetaActionStamp] = actionStamp
			if r.replay != nil {
				r.replay(act)
			} else {
				shift += r.applyAction(nb, idx+shift, act)
			}
		}
	}
	return shift
}

// applyAction applies one recorded action to the notebook, the way the
// frontend would have. It returns 1 when a cell was inserted at or above idx.
func (r *Runner) applyAction(nb *notebook.File, idx int, act *action.Action) int {
	params, ok := act.Params.(*action.SetCellContentParams)
	if !ok {
		r.logger.Info("action record", "cell", idx, "action", act.Action, "uuid", act.UUID)
		return 0
	}
	if params.Index == 0 {
		r.logger.Info("replacing cell source from action record", "cell", idx, "uuid", act.UUID)
		nb.Cells[idx].SetSource(params.Source)
		return 0
	}

	cell := notebook.NewCodeCell(params.Source, params.Tags...)
	if params.Type != "" && params.Type != "code" {
		cell.CellType = params.Type
	}
	if params.Metadata != nil {
		for k, v := range params.Metadata {
			cell.Metadata[k] = v
		}
	}
	pos := idx + params.Index
	if params.Index < 0 {
		pos++
	}
	pos = max(0, min(pos, len(nb.Cells)))
	r.logger.Info("inserting cell from action record",
		"cell", idx, "at", pos, "type", cell.CellType, "uuid", act.UUID)
	nb.Cells = slices.Insert(nb.Cells, pos, cell)
	if pos <= idx {
		return 1
	}
	return 0
}

// synthesizeMissing appends failure FLOW and NOTEBOOK records when a run
// that executed agent cells (or failed) ended without producing them, so
// the record file always carries terminal records.
func (r *Runner) synthesizeMissing(runErr error) {
	if r.store == nil || (!r.agentRan && runErr == nil) {
		return
	}
	if !r.sawFlow {
		rec := eval.NewFlowRecord()
		rec.NotebookName = r.outputPath
		rec.Evaluator = "batch_runner"
		rec.IsSuccess = false
		r.stamp(rec)
		if err := r.store.Append(rec); err != nil {
			r.logger.Error("appending synthesized flow record failed", "error", err)
		}
	}
	if !r.sawGlobal {
		rec := eval.NewNotebookRecord()
		rec.NotebookName = r.outputPath
		rec.Evaluator = "batch_runner"
		rec.IsSuccess = false
		r.stamp(rec)
		if err := r.store.Append(rec); err != nil {
			r.logger.Error("appending synthesized notebook record failed", "error", err)
		}
	}
}

func (r *Runner) stamp(rec eval.Record) {
	if rec.Stamp() == 0 {
		rec.SetStamp(nbot.NowStamp())
	}
}

// mergeData merges an agent data payload into the cell's stored data map.
// Non-map payloads replace the stored value.
func mergeData(cellMeta map[string]any, data any) {
	incoming, ok := data.(map[string]any)
	if !ok {
		cellMeta[notebook.MetaData] = data
		return
	}
	stored, ok := cellMeta[notebook.MetaData].(map[string]any)
	if !ok {
		stored = map[string]any{}
	}
	for k, v := range incoming {
		stored[k] = v
	}
	cellMeta[notebook.MetaData] = stored
}

// decodeEvalRecords normalizes the evaluation record list: typed records
// from an in-process sink pass through, JSON maps loaded from disk are
// rebuilt into typed records.
func decodeEvalRecords(v any) []eval.Record {
	switch recs := v.(type) {
	case []eval.Record:
		return recs
	case []any:
		var out []eval.Record
		for _, raw := range recs {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			buf, err := json.Marshal(m)
			if err != nil {
				continue
			}
			rec, err := eval.Decode(m, func(dst any) error { return json.Unmarshal(buf, dst) })
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		return out
	}
	return nil
}

// decodeActions normalizes the action record list the same way.
func decodeActions(v any) []*action.Action {
	switch acts := v.(type) {
	case []*action.Action:
		return acts
	case []any:
		var out []*action.Action
		for _, raw := range acts {
			switch a := raw.(type) {
			case *action.Action:
				out = append(out, a)
			case map[string]any:
				buf, err := json.Marshal(a)
				if err != nil {
					continue
				}
				act, err := action.DecodeAction(buf)
				if err != nil {
					continue
				}
				out = append(out, act)
			}
		}
		return out
	}
	return nil
}

func floatVal(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}
