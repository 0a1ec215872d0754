// Package chat speaks the OpenAI-compatible chat completions API and decodes
// model replies into typed segments (think blocks, fenced code, JSON, text).
//
// Works with OpenAI, OpenRouter, Groq, DeepSeek, Ollama, vLLM, LM Studio and
// any other endpoint implementing the chat completions API.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Completer sends one chat exchange and returns the raw assistant reply.
// Client is the HTTP implementation; WithRetry wraps any Completer.
type Completer interface {
	Name() string
	Complete(ctx context.Context, msgs []Message, opts ...RequestOption) (string, error)
}

// Client is an OpenAI-compatible chat completions client.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
	usageFn func(Usage)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithName overrides the provider name used in errors and logs.
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithLogger sets the structured logger for request events.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithUsageFunc registers a hook receiving the token usage of each reply.
func WithUsageFunc(fn func(Usage)) ClientOption {
	return func(c *Client) { c.usageFn = fn }
}

// NewClient creates a chat client. baseURL is the API base (e.g.
// "https://api.openai.com/v1", "http://localhost:11434/v1"); the
// /chat/completions path is appended automatically.
func NewClient(apiKey, model, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name (default "openai", configurable via WithName).
func (c *Client) Name() string { return c.name }

// Complete sends a non-streaming chat request and returns the first choice's
// content. A response without choices is ErrEmptyReply.
func (c *Client) Complete(ctx context.Context, msgs []Message, opts ...RequestOption) (string, error) {
	body := wireRequest{
		Model:               c.model,
		Messages:            msgs,
		MaxTokens:           DefaultMaxTokens,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		Temperature:         DefaultTemperature,
		N:                   1,
	}
	for _, opt := range opts {
		opt(&body)
	}
	if c.logger != nil {
		c.logger.Debug("sending chat request", "provider", c.name, "model", c.model, "messages", len(msgs))
	}

	resp, err := c.sendHTTP(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.httpErr(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", &Error{Provider: c.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if c.usageFn != nil && wire.Usage.TotalTokens > 0 {
		c.usageFn(wire.Usage)
	}
	if len(wire.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", c.name, ErrEmptyReply)
	}
	return wire.Choices[0].Message.Content, nil
}

// sendHTTP marshals the request body and posts it to the completions endpoint.
func (c *Client) sendHTTP(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	return resp, nil
}

// httpErr reads the response body and returns a StatusError for the retry
// middleware. Parses the Retry-After header when present (429/503).
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &StatusError{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ Completer = (*Client)(nil)
