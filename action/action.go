// Package action defines the out-of-band actions agents send to the
// notebook frontend (cell edits, confirmation prompts, info requests) and
// the dispatcher that queues them and collects replies over HTTP.
package action

import (
	"encoding/json"
	"fmt"

	"github.com/davin/nbot/notebook"
)

// Action kinds.
const (
	KindSetCellContent        = "set_cell_content"
	KindRequestUserConfirm    = "request_user_confirm"
	KindReceiveUserConfirm    = "receive_user_confirm"
	KindRequestUserSupplyInfo = "request_user_supply_info"
	KindReceiveUserSupplyInfo = "receive_user_supply_info"
)

// Action is one dispatched frontend action. Request kinds expecting a reply
// carry the dispatcher's reply endpoint in ReplyHost/ReplyPort.
type Action struct {
	Timestamp float64 `json:"timestamp"`
	UUID      string  `json:"uuid"`
	Source    string  `json:"source"`
	Action    string  `json:"action"`
	ReplyHost string  `json:"reply_host,omitempty"`
	ReplyPort int     `json:"reply_port,omitempty"`
	Params    any     `json:"params"`
}

// NeedsReply reports whether the action kind expects a frontend reply.
func (a *Action) NeedsReply() bool {
	switch a.Action {
	case KindRequestUserConfirm, KindRequestUserSupplyInfo:
		return true
	}
	return false
}

// SetCellContentParams edits a cell relative to the current one:
// index -1 inserts above, 0 replaces the current cell, 1+ inserts below.
type SetCellContentParams struct {
	Index    int            `json:"index"`
	Type     string         `json:"type"` // code, markdown or raw
	Source   string         `json:"source"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ConfirmChoice is one selectable answer of a confirmation prompt.
type ConfirmChoice struct {
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

type RequestUserConfirmParams struct {
	Prompt  string          `json:"prompt"`
	Choices []ConfirmChoice `json:"choices"`
	Default string          `json:"default,omitempty"`
}

type ReceiveUserConfirmParams struct {
	Result string `json:"result"`
}

type RequestUserSupplyInfoParams struct {
	Title  string                `json:"title,omitempty"`
	Issues []notebook.SupplyInfo `json:"issues"`
}

type ReceiveUserSupplyInfoParams struct {
	Replies []notebook.SupplyReply `json:"replies"`
}

// New builds an action of the given kind with typed params. Timestamp and
// UUID are filled by the dispatcher on send when left zero.
func New(kind, source string, params any) *Action {
	return &Action{Action: kind, Source: source, Params: params}
}

// decodeParams rebuilds typed params for a wire action by kind.
func decodeParams(kind string, raw json.RawMessage) (any, error) {
	var params any
	switch kind {
	case KindSetCellContent:
		params = &SetCellContentParams{}
	case KindRequestUserConfirm:
		params = &RequestUserConfirmParams{}
	case KindReceiveUserConfirm:
		params = &ReceiveUserConfirmParams{}
	case KindRequestUserSupplyInfo:
		params = &RequestUserSupplyInfoParams{}
	case KindReceiveUserSupplyInfo:
		params = &ReceiveUserSupplyInfoParams{}
	default:
		return nil, fmt.Errorf("unknown action: %s", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", kind, err)
		}
	}
	return params, nil
}

// wireAction mirrors Action with raw params for decoding.
type wireAction struct {
	Timestamp float64         `json:"timestamp"`
	UUID      string          `json:"uuid"`
	Source    string          `json:"source"`
	Action    string          `json:"action"`
	ReplyHost string          `json:"reply_host,omitempty"`
	ReplyPort int             `json:"reply_port,omitempty"`
	Params    json.RawMessage `json:"params"`
}

// DecodeAction parses a wire action, resolving its typed params.
func DecodeAction(raw []byte) (*Action, error) {
	var w wireAction
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	params, err := decodeParams(w.Action, w.Params)
	if err != nil {
		return nil, err
	}
	return &Action{
		Timestamp: w.Timestamp,
		UUID:      w.UUID,
		Source:    w.Source,
		Action:    w.Action,
		ReplyHost: w.ReplyHost,
		ReplyPort: w.ReplyPort,
		Params:    params,
	}, nil
}

// Reply wraps a received reply action with retrieval bookkeeping.
type Reply struct {
	ReplyTimestamp     float64 `json:"reply_timestamp"`
	RetrievedTimestamp float64 `json:"retrieved_timestamp,omitempty"`
	UUID               string  `json:"uuid"`
	Source             string  `json:"source,omitempty"`
	Action             string  `json:"action,omitempty"`
	Retrieved          bool    `json:"retrieved"`
	Reply              *Action `json:"reply"`
}
