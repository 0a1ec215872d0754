package notebook

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Metadata keys used to persist agent state on cells and display outputs.
const (
	MetaDataStore      = "jupyter-agent-data-store"
	MetaDataTimestamp  = "jupyter-agent-data-timestamp"
	MetaData           = "jupyter-agent-data"
	MetaEvalRecords    = "jupyter-agent-evaluation-records"
	MetaActionRecords  = "jupyter-agent-action-records"
	MetaActionStamp    = "jupyter-agent-action-timestamp"
	MetaExcludeContext = "exclude_from_context"
	MetaReplyType      = "reply_type"
)

// multiline decodes nbformat text that may be a string or a list of lines.
type multiline string

func (m *multiline) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*m = multiline(strings.Join(lines, ""))
	return nil
}

func (m multiline) MarshalJSON() ([]byte, error) {
	return json.Marshal(splitLines(string(m)))
}

// splitLines breaks text into nbformat source lines, each keeping its
// trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	var lines []string
	for line := range strings.Lines(s) {
		lines = append(lines, line)
	}
	return lines
}

// RawCell is a notebook cell as stored on disk.
type RawCell struct {
	CellType       string         `json:"cell_type"`
	Source         multiline      `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	Outputs        []*Output      `json:"outputs,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	ID             string         `json:"id,omitempty"`
}

// NewCodeCell builds a code cell with the given source and metadata tags.
func NewCodeCell(source string, tags ...string) *RawCell {
	meta := map[string]any{}
	if len(tags) > 0 {
		anyTags := make([]any, len(tags))
		for i, t := range tags {
			anyTags[i] = t
		}
		meta["tags"] = anyTags
	}
	return &RawCell{CellType: "code", Source: multiline(source), Metadata: meta}
}

// SourceText returns the cell source as one string.
func (c *RawCell) SourceText() string { return string(c.Source) }

// SetSource replaces the cell source.
func (c *RawCell) SetSource(source string) { c.Source = multiline(source) }

// HasTag reports whether the cell metadata carries the given tag.
func (c *RawCell) HasTag(tag string) bool {
	for _, t := range metaTags(c.Metadata) {
		if t == tag {
			return true
		}
	}
	return false
}

// File is an nbformat notebook document.
type File struct {
	Cells         []*RawCell     `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// ReadFile parses a notebook from disk.
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	var nb File
	if err := json.Unmarshal(raw, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", path, err)
	}
	return &nb, nil
}

// WriteFile saves the notebook back to disk.
func (f *File) WriteFile(path string) error {
	raw, err := json.MarshalIndent(f, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// metaTags returns the tag list from cell metadata.
func metaTags(meta map[string]any) []string {
	raw, _ := meta["tags"].([]any)
	var tags []string
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

// buildCell converts a raw cell into its context form: directive stripped,
// context tags merged, outputs folded, agent data restored.
func buildCell(raw *RawCell) *Cell {
	source, tags := splitContextDirective(string(raw.Source))
	tags = append(tags, metaTags(raw.Metadata)...)
	cell := &Cell{
		Source:   source,
		Context:  tags,
		Metadata: raw.Metadata,
	}
	switch raw.CellType {
	case "markdown":
		cell.Type = CellMarkdown
	case "raw":
		cell.Type = CellRaw
	case "code":
		cell.Type = CellCode
		if strings.HasPrefix(strings.TrimSpace(source), MagicName) {
			loadAgentCell(cell, source)
		}
	default:
		cell.Type = CellType(raw.CellType)
	}
	cell.loadOutputs(raw.Outputs)
	loadMetaData(cell, raw.Metadata)
	return cell
}

func loadAgentCell(cell *Cell, source string) {
	parsed, err := ParseAgentCell(strings.TrimSpace(source))
	if err != nil {
		return
	}
	cell.Type = parsed.Spec.CellType()
	cell.Source = parsed.Body
	cell.Data = parsed.Data
}

// loadMetaData restores agent data persisted in cell metadata. Metadata
// written by the save_metadata path wins over the options block.
func loadMetaData(cell *Cell, meta map[string]any) {
	if stored, _ := meta[MetaDataStore].(bool); !stored {
		return
	}
	raw, err := json.Marshal(meta[MetaData])
	if err != nil {
		return
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	if data.TaskID == "" && cell.Data.TaskID != "" {
		data.TaskID = cell.Data.TaskID
	}
	cell.Data = data
}

// Context lazily exposes the cells above the currently executing agent cell.
// Reparsing happens only when the notebook file's mtime changes.
type Context struct {
	Path string

	mu         sync.Mutex
	curLine    string
	curContent string
	mtime      time.Time
	cells      []*Cell
	curIdx     int
}

// NewContext creates a notebook context for the given .ipynb path.
func NewContext(path string) *Context {
	return &Context{Path: path, curIdx: -1}
}

// SetCurrentCell records the executing cell's magic arguments and body so
// parsing can locate it in the saved file.
func (c *Context) SetCurrentCell(line, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curLine = strings.TrimSpace(line)
	c.curContent = content
	c.mtime = time.Time{}
}

// Cells returns the context cells, all cells strictly above the current
// agent cell. When the current cell cannot be located every cell is
// returned.
func (c *Context) Cells() ([]*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return nil, err
	}
	return c.cells, nil
}

// CurIndex returns the index of the current agent cell in the file, or -1.
func (c *Context) CurIndex() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return -1, err
	}
	return c.curIdx, nil
}

func (c *Context) refresh() error {
	info, err := os.Stat(c.Path)
	if err != nil {
		return fmt.Errorf("stat notebook: %w", err)
	}
	if !c.mtime.IsZero() && info.ModTime().Equal(c.mtime) {
		return nil
	}
	nb, err := ReadFile(c.Path)
	if err != nil {
		return err
	}
	c.mtime = info.ModTime()
	c.cells = nil
	c.curIdx = -1
	for i, raw := range nb.Cells {
		if c.isCurrent(raw) {
			c.curIdx = i
			break
		}
		c.cells = append(c.cells, buildCell(raw))
	}
	return nil
}

// isCurrent matches a raw cell against the executing cell: the magic line
// minus the magic name must equal the recorded arguments and the body below
// it must equal the recorded content.
func (c *Context) isCurrent(raw *RawCell) bool {
	source := string(raw.Source)
	first, rest, _ := strings.Cut(source, "\n")
	first = strings.TrimSpace(first)
	if !strings.HasPrefix(first, MagicName) {
		return false
	}
	line := strings.TrimSpace(strings.TrimPrefix(first, MagicName))
	return line == c.curLine && rest == c.curContent
}
