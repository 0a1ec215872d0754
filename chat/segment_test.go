package chat

import (
	"strings"
	"testing"
)

func TestDecodeBasic(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		opts  DecodeOptions
		want  []Segment
	}{
		{
			name:  "plain text",
			reply: "hello world",
			want:  []Segment{{Kind: SegmentText, Content: "hello world"}},
		},
		{
			name:  "think dropped by default",
			reply: "<think>musing</think>the answer",
			want:  []Segment{{Kind: SegmentText, Content: "the answer"}},
		},
		{
			name:  "think kept on request",
			reply: "<think>musing</think>the answer",
			opts:  DecodeOptions{KeepThink: true},
			want: []Segment{
				{Kind: SegmentThink, Content: "musing"},
				{Kind: SegmentText, Content: "the answer"},
			},
		},
		{
			name:  "code block",
			reply: "```python\nprint(1)\n```",
			want:  []Segment{{Kind: SegmentCode, Lang: "python", Content: "\nprint(1)\n"}},
		},
		{
			name:  "language lowercased",
			reply: "```JSON\n{\"a\": 1}\n```",
			want:  []Segment{{Kind: SegmentCode, Lang: "json", Content: "\n{\"a\": 1}\n"}},
		},
		{
			name:  "bare fence",
			reply: "```\nraw text\n```",
			want:  []Segment{{Kind: SegmentFence, Content: "\nraw text\n"}},
		},
		{
			name:  "bare json promoted",
			reply: `{"verdict": true}`,
			want:  []Segment{{Kind: SegmentCode, Lang: "json", Content: `{"verdict": true}`}},
		},
		{
			name:  "json array promoted",
			reply: `[1, 2, 3]`,
			want:  []Segment{{Kind: SegmentCode, Lang: "json", Content: `[1, 2, 3]`}},
		},
		{
			name:  "invalid json stays text",
			reply: `{"broken": }`,
			want:  []Segment{{Kind: SegmentText, Content: `{"broken": }`}},
		},
		{
			name:  "mixed reply",
			reply: "Here is the code:\n```python\nx = 1\n```\nDone.",
			want: []Segment{
				{Kind: SegmentText, Content: "Here is the code:\n"},
				{Kind: SegmentCode, Lang: "python", Content: "\nx = 1\n"},
				{Kind: SegmentText, Content: "\nDone."},
			},
		},
		{
			name:  "unclosed fence",
			reply: "```python\nx = 1",
			want:  []Segment{{Kind: SegmentCode, Lang: "python", Content: "\nx = 1"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.reply, tt.opts)
			if len(got) != len(tt.want) {
				t.Fatalf("segments = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i].Kind != tt.want[i].Kind || got[i].Lang != tt.want[i].Lang || got[i].Content != tt.want[i].Content {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodeRawReconstruction(t *testing.T) {
	replies := []string{
		"plain",
		"<think>a</think>b",
		"before ```python\ncode\n``` after",
		"nested <think>outer <think>inner</think> tail</think> done",
		"```python\nouter ```json\ninner\n``` tail\n```",
		"unclosed <think>forever",
	}
	for _, reply := range replies {
		segs := Decode(reply, DecodeOptions{KeepThink: true, KeepEmpty: true})
		var b strings.Builder
		for _, seg := range segs {
			b.WriteString(seg.Raw)
		}
		if b.String() != reply {
			t.Errorf("raw reconstruction of %q = %q", reply, b.String())
		}
	}
}

func TestDecodeBlankSegmentsDropped(t *testing.T) {
	segs := Decode("  \n```python\n\n```\n  ", DecodeOptions{})
	if len(segs) != 0 {
		t.Errorf("blank segments should be dropped, got %+v", segs)
	}
}
