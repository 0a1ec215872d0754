package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Request defaults, tuned for long prompt contexts with bounded completions.
const (
	DefaultMaxTokens           = 32 * 1024
	DefaultMaxCompletionTokens = 4 * 1024
	DefaultTemperature         = 0.8
)

// Part is one piece of a message's content list.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is one chat message. Content is a list of typed parts so that
// consecutive same-role additions can be merged instead of repeated.
type Message struct {
	Role    string `json:"role"`
	Content []Part `json:"content"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []Part{{Type: "text", Text: text}}}
}

// wireRequest is the chat completions request body.
type wireRequest struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
	Temperature         float64   `json:"temperature"`
	N                   int       `json:"n,omitempty"`
}

// RequestOption tweaks one request.
type RequestOption func(*wireRequest)

// WithMaxTokens caps the total token budget.
func WithMaxTokens(n int) RequestOption {
	return func(r *wireRequest) { r.MaxTokens = n }
}

// WithMaxCompletionTokens caps the completion token budget.
func WithMaxCompletionTokens(n int) RequestOption {
	return func(r *wireRequest) { r.MaxCompletionTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) RequestOption {
	return func(r *wireRequest) { r.Temperature = t }
}

type wireChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Usage is the token accounting reported by the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Choices []wireChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Error is a non-HTTP client failure (marshalling, transport, decoding).
type Error struct {
	Provider string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// StatusError is a non-200 response from the completions endpoint.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrEmptyReply is returned when the endpoint produced no choices.
var ErrEmptyReply = errors.New("empty reply")

// ParseRetryAfter parses a Retry-After header value, either delay seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
