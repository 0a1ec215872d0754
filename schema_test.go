package nbot

import (
	"strings"
	"testing"
)

type verdictReply struct {
	IsCorrect bool    `json:"is_correct" jsonschema:"required"`
	Score     float64 `json:"score" jsonschema:"required,minimum=0,maximum=1"`
	Feedback  string  `json:"feedback,omitempty"`
}

func newVerdictSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(&verdictReply{}, &verdictReply{IsCorrect: true, Score: 0.9})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func TestSchemaDocAndExample(t *testing.T) {
	s := newVerdictSchema(t)
	if !strings.Contains(s.Doc(), "is_correct") || !strings.Contains(s.Doc(), "required") {
		t.Errorf("schema doc = %s", s.Doc())
	}
	if !strings.Contains(s.Example(), `"score": 0.9`) {
		t.Errorf("example = %s", s.Example())
	}
}

func TestSchemaValidate(t *testing.T) {
	s := newVerdictSchema(t)

	good := map[string]any{"is_correct": true, "score": 0.5}
	if err := s.Validate(good); err != nil {
		t.Errorf("valid value rejected: %v", err)
	}

	tests := []struct {
		name  string
		value map[string]any
	}{
		{"missing required", map[string]any{"is_correct": true}},
		{"wrong type", map[string]any{"is_correct": "yes", "score": 0.5}},
		{"out of range", map[string]any{"is_correct": true, "score": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Validate(tt.value); err == nil {
				t.Errorf("value %v should fail validation", tt.value)
			}
		})
	}
}

func TestSchemaDecodeInto(t *testing.T) {
	s := newVerdictSchema(t)
	var out verdictReply
	err := s.DecodeInto(map[string]any{"is_correct": true, "score": 0.75, "feedback": "fine"}, &out)
	if err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if !out.IsCorrect || out.Score != 0.75 || out.Feedback != "fine" {
		t.Errorf("decoded = %+v", out)
	}

	if err := s.DecodeInto(map[string]any{"score": 0.5}, &out); err == nil {
		t.Error("invalid value must not decode")
	}
}

func TestReplyDecodeWithoutSchema(t *testing.T) {
	r := &Reply{Format: FormatJSON, Value: map[string]any{"is_correct": true, "score": 0.25}}
	var out verdictReply
	if err := r.Decode(nil, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.IsCorrect || out.Score != 0.25 {
		t.Errorf("decoded = %+v", out)
	}
}

func TestReplyEmpty(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		want  bool
	}{
		{"blank text", Reply{Format: FormatText, Text: "  \n"}, true},
		{"text", Reply{Format: FormatText, Text: "hi"}, false},
		{"nil json", Reply{Format: FormatJSON}, true},
		{"json value", Reply{Format: FormatJSON, Value: map[string]any{}}, false},
		{"json list", Reply{Format: FormatJSON, List: []any{1}}, false},
	}
	for _, tt := range tests {
		if got := tt.reply.Empty(); got != tt.want {
			t.Errorf("%s: Empty() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
