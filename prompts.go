package nbot

import (
	"strings"

	"github.com/davin/nbot/notebook"
)

// CellView is the template-facing projection of a context cell. Index
// numbering is precomputed so prompt templates stay flat.
type CellView struct {
	Type     string
	Source   string
	Subject  string
	Outputs  []string
	ErrorOut string
	Done     bool
	IsTask   bool
	IsCode   bool
	TaskIdx  int
	CodeIdx  int
}

// HasSource reports whether the cell has non-blank source.
func (v CellView) HasSource() bool {
	return strings.TrimSpace(v.Source) != ""
}

// CellViews projects context cells for prompt templates, numbering task and
// code cells.
func CellViews(cells []*notebook.Cell) []CellView {
	views := make([]CellView, 0, len(cells))
	taskIdx, codeIdx := 0, 0
	for _, cell := range cells {
		view := CellView{
			Type:     string(cell.Type),
			Source:   cell.NormalizeSource(),
			Subject:  cell.Data.Subject,
			Outputs:  cell.Outputs,
			ErrorOut: cell.ErrorOut,
			Done:     len(cell.Outputs) > 0,
			IsTask:   cell.IsTaskContext(),
			IsCode:   cell.IsCodeContext(),
		}
		if cell.Type == notebook.CellTask && view.HasSource() {
			taskIdx++
			view.TaskIdx = taskIdx
		}
		if view.IsCode && view.HasSource() {
			codeIdx++
			view.CodeIdx = codeIdx
		}
		views = append(views, view)
	}
	return views
}

// Shared prompt blocks referenced from agent prompts with
// {{template "NAME" .}}.
const (
	taskContextsBlock = `**Global plan and subtask progress**:

{{range .cells -}}
{{if and (eq .Type "planning") .HasSource -}}
{{.Source}}
{{range .Outputs}}{{.}}
{{end}}
{{else if and (eq .Type "task") .HasSource -}}
## Subtask {{.TaskIdx}} ({{if .Done}}completed{{else}}pending{{end}})

### Goal
{{.Subject}}

### Result
{{range .Outputs}}{{.}}
{{end}}
{{else if and .IsTask .HasSource -}}
{{.Source}}
{{end -}}
{{end -}}
`

	codeContextsBlock = "**Executed code**:\n\n" +
		"```python\n" +
		`{{range .cells -}}
{{if and .IsCode .HasSource -}}
{{if .TaskIdx}}## Cell[{{.CodeIdx}}] for Task[{{.TaskIdx}}]:{{else}}## Cell[{{.CodeIdx}}]:{{end}}

{{.Source}}

{{end -}}
{{end -}}` +
		"```\n"

	taskOutputFormatBlock = `{{if eq .OUTPUT_FORMAT "code" -}}
**Output format**:

Reply with a single {{.OUTPUT_CODE_LANG}} code block, fenced markdown style:

` + "```{{.OUTPUT_CODE_LANG}}\n...\n```" + `

{{else if eq .OUTPUT_FORMAT "json" -}}
**Output format**:

Reply with JSON data in a fenced markdown block:

` + "```json\n...\n```" + `

The data must conform to this JSON Schema:

` + "```json\n{{.OUTPUT_JSON_SCHEMA}}\n```" + `

Example:

` + "```json\n{{.OUTPUT_JSON_EXAMPLE}}\n```" + `

{{end -}}
`
)

// promptBlocks are the named templates available to every agent prompt.
var promptBlocks = map[string]string{
	"TASK_CONTEXTS":      taskContextsBlock,
	"CODE_CONTEXTS":      codeContextsBlock,
	"TASK_OUTPUT_FORMAT": taskOutputFormatBlock,
}
