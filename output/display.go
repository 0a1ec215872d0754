package output

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/davin/nbot/eval"
	"github.com/davin/nbot/notebook"
)

var errUnknownLevel = errors.New("unknown log level")

// Payload is one rendered display update: a mimebundle plus the metadata
// that carries agent state through the notebook file.
type Payload struct {
	Data     map[string]string
	Metadata map[string]any
}

// Displayer receives rendered payloads. The session wires this to the
// frontend, the batch runner captures payloads into cell outputs.
type Displayer interface {
	Display(p *Payload)
}

// NopDisplayer discards payloads.
type NopDisplayer struct{}

func (NopDisplayer) Display(*Payload) {}

// WriterDisplayer writes the markdown rendering to w, separated by rules.
type WriterDisplayer struct {
	W io.Writer
}

func (d WriterDisplayer) Display(p *Payload) {
	fmt.Fprintln(d.W, p.Data["text/markdown"])
	fmt.Fprintln(d.W, "---")
}

// DisplayFunc adapts a function to the Displayer interface.
type DisplayFunc func(p *Payload)

func (f DisplayFunc) Display(p *Payload) { f(p) }

// renderLocked builds the display payload from the buffered state. Callers
// hold s.mu.
func (s *Sink) renderLocked() *Payload {
	var b strings.Builder
	for _, stage := range s.stages {
		items := s.contents[stage]
		if len(items) == 0 {
			continue
		}
		if stage != "" {
			fmt.Fprintf(&b, "### Stage: %s\n\n", stage)
		}
		for _, item := range items {
			renderItem(&b, item)
		}
	}
	renderLogs(&b, s.logs, s.minLevel)

	md := b.String()
	payload := &Payload{
		Data: map[string]string{
			"text/markdown": md,
			"text/html":     renderHTML(md),
		},
		Metadata: map[string]any{
			notebook.MetaReplyType:      "AgentOutput",
			notebook.MetaExcludeContext: true,
		},
	}
	if s.dataStamp > 0 {
		payload.Metadata[notebook.MetaDataStore] = true
		payload.Metadata[notebook.MetaDataTimestamp] = s.dataStamp
		payload.Metadata[notebook.MetaData] = copyMap(s.data)
	}
	if len(s.evalRecords) > 0 {
		payload.Metadata[notebook.MetaEvalRecords] = append([]eval.Record(nil), s.evalRecords...)
	}
	if len(s.actions) > 0 {
		payload.Metadata[notebook.MetaActionRecords] = append([]any(nil), s.actions...)
	}
	return payload
}

func renderItem(b *strings.Builder, item *contentItem) {
	switch item.Kind {
	case kindBlock:
		content := item.Content
		if item.Format == "code" {
			content = "```" + item.Lang + "\n" + strings.TrimRight(content, "\n") + "\n```"
		}
		if item.Title != "" {
			open := " open"
			if item.Collapsed {
				open = ""
			}
			fmt.Fprintf(b, "<details%s>\n<summary>%s</summary>\n\n%s\n\n</details>\n\n", open, item.Title, content)
		} else {
			b.WriteString(content + "\n\n")
		}
	case kindText:
		if item.Lang != "" {
			fmt.Fprintf(b, "```%s\n%s\n```\n\n", item.Lang, strings.TrimRight(item.Content, "\n"))
		} else {
			b.WriteString(item.Content + "\n\n")
		}
	case kindMarkdown:
		b.WriteString(item.Content + "\n\n")
	}
}

func renderLogs(b *strings.Builder, logs []LogRecord, min Level) {
	var kept []LogRecord
	for _, rec := range logs {
		if rec.Level >= min {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		return
	}
	b.WriteString("### Logging\n\n```text\n")
	for _, rec := range kept {
		fmt.Fprintf(b, "[%s] %s\n", rec.Level, rec.Message)
	}
	b.WriteString("```\n")
}

func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
