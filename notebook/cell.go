// Package notebook models Jupyter notebook cells as context for the agent
// flows: cell typing, context tagging, output loading with truncation, the
// %%bot magic cell format and the on-disk notebook file.
package notebook

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
	CellPlanning CellType = "planning"
	CellTask     CellType = "task"
)

// Context size limits. Content over a limit is collapsed to head + "..." +
// tail so the result is at most limit+3 bytes and stable under re-collapse.
const (
	MaxOutputSize = 24 * 1024
	MaxResultSize = 24 * 1024
	MaxErrorSize  = 4 * 1024
)

// Truncate collapses s to at most limit+3 bytes, keeping the first and last
// limit/2 bytes. Applying it twice yields the same result.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit/2] + "..." + s[len(s)-limit/2:]
}

// Context tags carried by cells. User tags from the BOT_CONTEXT directive
// are uppercased and prefixed CTX_.
const (
	TagCode    = "CTX_CODE"
	TagTask    = "CTX_TASK"
	TagExclude = "CTX_EXCLUDE"
)

const contextDirective = "# BOT_CONTEXT:"

// Cell is one notebook cell prepared for prompt context assembly.
type Cell struct {
	Type     CellType
	Source   string
	Context  []string
	Outputs  []string
	ErrorOut string
	Metadata map[string]any

	// Agent data fields, populated for task and planning cells.
	Data Data
}

// splitContextDirective strips a first-line "# BOT_CONTEXT: a,b" directive
// from source, returning the remaining source and the CTX_ tags.
func splitContextDirective(source string) (string, []string) {
	line, rest, found := strings.Cut(source, "\n")
	if !strings.HasPrefix(strings.TrimSpace(line), contextDirective) {
		return source, nil
	}
	spec := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), contextDirective))
	var tags []string
	for _, tag := range strings.Split(spec, ",") {
		tag = strings.ToUpper(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		tags = append(tags, "CTX_"+tag)
	}
	if !found {
		rest = ""
	}
	return rest, tags
}

// HasContext reports whether the cell carries the given CTX_ tag.
func (c *Cell) HasContext(tag string) bool {
	for _, t := range c.Context {
		if t == tag {
			return true
		}
	}
	return false
}

// IsCodeContext reports whether the cell contributes to the executed-code
// context block.
func (c *Cell) IsCodeContext() bool {
	if c.HasContext(TagExclude) {
		return false
	}
	return c.Type == CellCode || c.HasContext(TagCode)
}

// IsTaskContext reports whether the cell contributes to the task context
// block.
func (c *Cell) IsTaskContext() bool {
	if c.HasContext(TagExclude) {
		return false
	}
	switch c.Type {
	case CellTask, CellPlanning, CellMarkdown:
		return true
	}
	return c.HasContext(TagTask)
}

// Output is one entry of a cell's outputs array in notebook JSON.
type Output struct {
	OutputType string         `json:"output_type"`
	Name       string         `json:"name,omitempty"`
	Text       multiline      `json:"text,omitempty"`
	Ename      string         `json:"ename,omitempty"`
	Evalue     string         `json:"evalue,omitempty"`
	Traceback  []string       `json:"traceback,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StreamOutput builds a stream output (stdout or stderr).
func StreamOutput(name, text string) *Output {
	return &Output{OutputType: "stream", Name: name, Text: multiline(text)}
}

// DisplayOutput builds a display_data output from a mimebundle.
func DisplayOutput(data map[string]any, metadata map[string]any) *Output {
	return &Output{OutputType: "display_data", Data: data, Metadata: metadata}
}

// ResultOutput builds an execute_result output with a text/plain repr.
func ResultOutput(text string) *Output {
	return &Output{OutputType: "execute_result", Data: map[string]any{"text/plain": text}}
}

// ErrorOutput builds an error output.
func ErrorOutput(ename, evalue string, traceback []string) *Output {
	return &Output{OutputType: "error", Ename: ename, Evalue: evalue, Traceback: traceback}
}

// displayText extracts prose from a mimebundle, preferring markdown.
func displayText(data map[string]any) string {
	if md, ok := bundleText(data["text/markdown"]); ok {
		return md
	}
	if txt, ok := bundleText(data["text/plain"]); ok {
		return txt
	}
	return ""
}

func bundleText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		var b strings.Builder
		for _, line := range t {
			s, ok := line.(string)
			if !ok {
				return "", false
			}
			b.WriteString(s)
		}
		return b.String(), true
	}
	return "", false
}

// loadOutputs folds the cell's raw outputs into context strings. Stream and
// result outputs land in Outputs, error outputs and display payloads tagged
// reply_type "cell_error" land in ErrorOut.
func (c *Cell) loadOutputs(outputs []*Output) {
	for _, out := range outputs {
		switch out.OutputType {
		case "stream":
			c.Outputs = append(c.Outputs, Truncate(out.Name+":\n"+string(out.Text), MaxOutputSize))
		case "error":
			text := out.Ename + ": " + out.Evalue + "\nTraceback:\n" + strings.Join(out.Traceback, "\n")
			c.ErrorOut = Truncate(text, MaxErrorSize)
		case "execute_result":
			if text := displayText(out.Data); text != "" {
				c.Outputs = append(c.Outputs, Truncate(text, MaxResultSize))
			}
		case "display_data":
			if excluded, _ := out.Metadata["exclude_from_context"].(bool); excluded {
				continue
			}
			text := displayText(out.Data)
			if text == "" {
				continue
			}
			if reply, _ := out.Metadata["reply_type"].(string); reply == "cell_error" {
				c.ErrorOut = Truncate(text, MaxErrorSize)
			} else {
				c.Outputs = append(c.Outputs, Truncate(text, MaxOutputSize))
			}
		}
	}
}

// NormalizeSource returns the cell source in Unicode NFC, the form prompts
// are assembled in.
func (c *Cell) NormalizeSource() string {
	return norm.NFC.String(c.Source)
}

func (c *Cell) String() string {
	return fmt.Sprintf("Cell(%s, %d outputs)", c.Type, len(c.Outputs))
}
