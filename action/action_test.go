package action

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/davin/nbot/notebook"
)

func TestDecodeActionRoundTrip(t *testing.T) {
	in := &Action{
		Timestamp: 12.5,
		UUID:      "u-1",
		Source:    "task_coder",
		Action:    KindSetCellContent,
		Params: &SetCellContentParams{
			Index:  1,
			Type:   "code",
			Source: "print('next')\n",
			Tags:   []string{"generated"},
		},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodeAction(raw)
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	if out.UUID != "u-1" || out.Timestamp != 12.5 || out.Action != KindSetCellContent {
		t.Errorf("envelope = %+v", out)
	}
	params, ok := out.Params.(*SetCellContentParams)
	if !ok {
		t.Fatalf("params = %T", out.Params)
	}
	if params.Index != 1 || params.Source != "print('next')\n" || params.Tags[0] != "generated" {
		t.Errorf("params = %+v", params)
	}
}

func TestDecodeActionKinds(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{KindRequestUserConfirm, "*action.RequestUserConfirmParams"},
		{KindReceiveUserConfirm, "*action.ReceiveUserConfirmParams"},
		{KindRequestUserSupplyInfo, "*action.RequestUserSupplyInfoParams"},
		{KindReceiveUserSupplyInfo, "*action.ReceiveUserSupplyInfoParams"},
	}
	for _, tt := range tests {
		raw, _ := json.Marshal(map[string]any{"action": tt.kind, "params": map[string]any{}})
		out, err := DecodeAction(raw)
		if err != nil {
			t.Fatalf("DecodeAction(%s): %v", tt.kind, err)
		}
		if got := fmt.Sprintf("%T", out.Params); got != tt.want {
			t.Errorf("params type for %s = %s, want %s", tt.kind, got, tt.want)
		}
	}
	if _, err := DecodeAction([]byte(`{"action": "launch_rocket"}`)); err == nil {
		t.Error("unknown kinds should fail")
	}
}

func TestNeedsReply(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{KindSetCellContent, false},
		{KindRequestUserConfirm, true},
		{KindRequestUserSupplyInfo, true},
		{KindReceiveUserConfirm, false},
	}
	for _, tt := range tests {
		a := New(tt.kind, "test", nil)
		if a.NeedsReply() != tt.want {
			t.Errorf("NeedsReply(%s) = %v, want %v", tt.kind, a.NeedsReply(), tt.want)
		}
	}
}

func TestSupplyInfoParams(t *testing.T) {
	in := &Action{
		Action: KindRequestUserSupplyInfo,
		Params: &RequestUserSupplyInfoParams{
			Title: "Open questions",
			Issues: []notebook.SupplyInfo{
				{Prompt: "Which column holds the price?", Example: "unit_price"},
			},
		},
	}
	raw, _ := json.Marshal(in)
	out, err := DecodeAction(raw)
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	params := out.Params.(*RequestUserSupplyInfoParams)
	if len(params.Issues) != 1 || params.Issues[0].Prompt != "Which column holds the price?" {
		t.Errorf("params = %+v", params)
	}
}
