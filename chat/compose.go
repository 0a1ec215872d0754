package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// jsonIndent renders a value as deterministic 2-space-indented JSON. Map keys
// come out sorted, so prompts are stable across runs.
func jsonIndent(v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Funcs are the template helpers available to every prompt template.
var Funcs = template.FuncMap{
	"json": jsonIndent,
	"trim": strings.TrimSpace,
}

// Composer renders prompt templates into chat messages. Named block
// templates (shared prompt sections) can be referenced from prompts with
// {{template "NAME" .}}. Consecutive messages of the same role merge into
// one multi-part message.
type Composer struct {
	contexts map[string]any
	root     *template.Template
	msgs     []Message
	n        int

	// Display, when set, is called with every rendered message so the
	// output sink can show the final prompt.
	Display func(role, content string)
}

// NewComposer creates a composer over the given context map and shared
// template blocks.
func NewComposer(contexts map[string]any, blocks map[string]string) (*Composer, error) {
	root := template.New("prompt").Funcs(Funcs)
	for name, body := range blocks {
		if _, err := root.New(name).Parse(body); err != nil {
			return nil, fmt.Errorf("parse block %s: %w", name, err)
		}
	}
	return &Composer{contexts: contexts, root: root}, nil
}

// Add renders content as a template against the composer contexts and
// appends it with the given role (default "user"). A message following one
// of the same role extends that message's content parts instead of starting
// a new message.
func (c *Composer) Add(content string, role string) error {
	if role == "" {
		role = "user"
	}
	c.n++
	tmpl, err := c.root.New(fmt.Sprintf("msg-%d", c.n)).Parse(content)
	if err != nil {
		return fmt.Errorf("parse prompt: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, c.contexts); err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}
	rendered := b.String()
	if c.Display != nil {
		c.Display(role, rendered)
	}
	if len(c.msgs) > 0 && c.msgs[len(c.msgs)-1].Role == role {
		last := &c.msgs[len(c.msgs)-1]
		last.Content = append(last.Content, Part{Type: "text", Text: rendered})
	} else {
		c.msgs = append(c.msgs, TextMessage(role, rendered))
	}
	return nil
}

// Messages returns the composed message list.
func (c *Composer) Messages() []Message {
	return c.msgs
}

// Clear drops all composed messages, keeping contexts and blocks.
func (c *Composer) Clear() {
	c.msgs = nil
}
