package notebook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SupplyInfo is one open question an agent wants the user to answer.
type SupplyInfo struct {
	Prompt  string `json:"prompt" yaml:"prompt"`
	Example string `json:"example,omitempty" yaml:"example,omitempty"`
}

// SupplyReply pairs a supply prompt with the user's answer.
type SupplyReply struct {
	Prompt string `json:"prompt" yaml:"prompt"`
	Reply  string `json:"reply" yaml:"reply"`
}

// Data is the agent state carried by a task or planning cell, persisted in
// the cell's options block and in the data-store metadata.
type Data struct {
	TaskID                  string         `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Subject                 string         `json:"subject,omitempty" yaml:"subject,omitempty"`
	CodingPrompt            string         `json:"coding_prompt,omitempty" yaml:"coding_prompt,omitempty"`
	VerifyPrompt            string         `json:"verify_prompt,omitempty" yaml:"verify_prompt,omitempty"`
	SummaryPrompt           string         `json:"summary_prompt,omitempty" yaml:"summary_prompt,omitempty"`
	Issue                   string         `json:"issue,omitempty" yaml:"issue,omitempty"`
	Result                  string         `json:"result,omitempty" yaml:"result,omitempty"`
	ImportantInfos          map[string]any `json:"important_infos,omitempty" yaml:"important_infos,omitempty"`
	RequestAboveSupplyInfos []SupplyInfo   `json:"request_above_supply_infos,omitempty" yaml:"request_above_supply_infos,omitempty"`
	RequestBelowSupplyInfos []SupplyInfo   `json:"request_below_supply_infos,omitempty" yaml:"request_below_supply_infos,omitempty"`
}

// dataField describes one serializable field of Data. JSON-typed fields are
// written as indented JSON inside the options block and decoded back from
// either structured YAML or a JSON string.
type dataField struct {
	key  string
	json bool
	get  func(*Data) any
	set  func(*Data, any) error
}

func stringField(key string, get func(*Data) *string) dataField {
	return dataField{
		key: key,
		get: func(d *Data) any {
			if v := *get(d); v != "" {
				return v
			}
			return nil
		},
		set: func(d *Data, v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("option %s: want string, got %T", key, v)
			}
			*get(d) = s
			return nil
		},
	}
}

func jsonField[T any](key string, get func(*Data) *T, empty func(T) bool) dataField {
	return dataField{
		key:  key,
		json: true,
		get: func(d *Data) any {
			if v := *get(d); !empty(v) {
				return v
			}
			return nil
		},
		set: func(d *Data, v any) error {
			raw, err := remarshal(v)
			if err != nil {
				return fmt.Errorf("option %s: %w", key, err)
			}
			return json.Unmarshal(raw, get(d))
		},
	}
}

// remarshal turns a decoded YAML value into JSON bytes. String values are
// treated as literal JSON, anything else is re-encoded.
func remarshal(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

var dataFields = []dataField{
	stringField("task_id", func(d *Data) *string { return &d.TaskID }),
	stringField("subject", func(d *Data) *string { return &d.Subject }),
	stringField("coding_prompt", func(d *Data) *string { return &d.CodingPrompt }),
	stringField("verify_prompt", func(d *Data) *string { return &d.VerifyPrompt }),
	stringField("summary_prompt", func(d *Data) *string { return &d.SummaryPrompt }),
	stringField("issue", func(d *Data) *string { return &d.Issue }),
	stringField("result", func(d *Data) *string { return &d.Result }),
	jsonField("important_infos",
		func(d *Data) *map[string]any { return &d.ImportantInfos },
		func(v map[string]any) bool { return len(v) == 0 }),
	jsonField("request_above_supply_infos",
		func(d *Data) *[]SupplyInfo { return &d.RequestAboveSupplyInfos },
		func(v []SupplyInfo) bool { return len(v) == 0 }),
	jsonField("request_below_supply_infos",
		func(d *Data) *[]SupplyInfo { return &d.RequestBelowSupplyInfos },
		func(v []SupplyInfo) bool { return len(v) == 0 }),
}

// Clear resets every agent data field.
func (d *Data) Clear() {
	*d = Data{}
}

const (
	optionsHeader = "## Task Options:"
	optionsFooter = "## ---"
)

// nowFn is swapped out in tests for deterministic update_time stamps.
var nowFn = time.Now

// FormatOptions renders the cell options block. With saveMetadata on, the
// durable fields live in metadata and only task_id and subject are written.
// Planning cells skip the result field, it is regenerated every run.
func FormatOptions(d *Data, cellType CellType, saveMetadata bool, now time.Time) string {
	var b strings.Builder
	b.WriteString(optionsHeader + "\n")
	for _, f := range dataFields {
		if saveMetadata && f.key != "task_id" && f.key != "subject" {
			continue
		}
		if cellType == CellPlanning && f.key == "result" {
			continue
		}
		v := f.get(d)
		if v == nil {
			continue
		}
		writeOptionLines(&b, f, v)
	}
	if !saveMetadata {
		writeYAMLOption(&b, "update_time", now.Format(time.RFC3339))
	}
	b.WriteString(optionsFooter)
	return b.String()
}

func writeOptionLines(b *strings.Builder, f dataField, v any) {
	if f.json {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return
		}
		b.WriteString("# " + f.key + ": |-\n")
		for _, line := range strings.Split(string(raw), "\n") {
			b.WriteString("#   " + line + "\n")
		}
		return
	}
	writeYAMLOption(b, f.key, v)
}

func writeYAMLOption(b *strings.Builder, key string, v any) {
	raw, err := yaml.Marshal(map[string]any{key: v})
	if err != nil {
		return
	}
	for line := range strings.Lines(strings.TrimRight(string(raw), "\n")) {
		b.WriteString("# " + strings.TrimRight(line, "\n") + "\n")
	}
}

// ParseOptions decodes an options block (the commented YAML between the
// header and footer markers) into d. Unknown keys are ignored.
func ParseOptions(block string, d *Data) error {
	var yamlText strings.Builder
	for line := range strings.Lines(block) {
		line = strings.TrimRight(line, "\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == optionsHeader || trimmed == optionsFooter {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "# "); ok {
			yamlText.WriteString(rest + "\n")
		} else if trimmed == "#" {
			yamlText.WriteString("\n")
		}
	}
	var opts map[string]any
	if err := yaml.Unmarshal([]byte(yamlText.String()), &opts); err != nil {
		return fmt.Errorf("parse options: %w", err)
	}
	for _, f := range dataFields {
		v, ok := opts[f.key]
		if !ok || v == nil {
			continue
		}
		if err := f.set(d, v); err != nil {
			return err
		}
	}
	return nil
}
