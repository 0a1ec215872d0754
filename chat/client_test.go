package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func completionHandler(t *testing.T, reply string, check func(r *http.Request, body wireRequest)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if check != nil {
			check(r, body)
		}
		resp := map[string]any{
			"id": "cmpl-1",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestClientComplete(t *testing.T) {
	var usage Usage
	srv := httptest.NewServer(completionHandler(t, "the reply", func(r *http.Request, body wireRequest) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		if body.Model != "qwen3" {
			t.Errorf("model = %q", body.Model)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content[0].Text != "hi" {
			t.Errorf("messages = %+v", body.Messages)
		}
	}))
	defer srv.Close()

	c := NewClient("sk-test", "qwen3", srv.URL, WithUsageFunc(func(u Usage) { usage = u }))
	reply, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "the reply" {
		t.Errorf("reply = %q", reply)
	}
	if usage.TotalTokens != 15 {
		t.Errorf("usage hook got %+v", usage)
	}
}

func TestClientRequestOptions(t *testing.T) {
	srv := httptest.NewServer(completionHandler(t, "ok", func(r *http.Request, body wireRequest) {
		if body.MaxCompletionTokens != 512 {
			t.Errorf("max_completion_tokens = %d", body.MaxCompletionTokens)
		}
		if body.Temperature != 0.1 {
			t.Errorf("temperature = %v", body.Temperature)
		}
	}))
	defer srv.Close()

	c := NewClient("", "m", srv.URL)
	_, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")},
		WithMaxCompletionTokens(512), WithTemperature(0.1))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewClient("", "m", srv.URL)
	_, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")})
	if !errors.Is(err, ErrEmptyReply) {
		t.Errorf("want ErrEmptyReply, got %v", err)
	}
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("", "m", srv.URL)
	_, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if se.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", se.Status)
	}
	if se.RetryAfter != 7*time.Second {
		t.Errorf("retry-after = %v", se.RetryAfter)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		completionHandler(t, "recovered", nil)(w, r)
	}))
	defer srv.Close()

	c := WithRetry(NewClient("", "m", srv.URL), RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))
	reply, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := WithRetry(NewClient("", "m", srv.URL), RetryBaseDelay(time.Millisecond))
	_, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Fatalf("want 400 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("permanent errors must not retry, calls = %d", calls.Load())
	}
}

func TestRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := WithRetry(NewClient("", "m", srv.URL), RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))
	_, err := c.Complete(context.Background(), []Message{TextMessage("user", "hi")})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
		t.Fatalf("want 429 after exhaustion, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"garbage", 0},
		{"-3", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	// HTTP-date form yields the remaining wait.
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 30*time.Second {
		t.Errorf("ParseRetryAfter(date) = %v", got)
	}
}

func TestClientName(t *testing.T) {
	c := NewClient("", "m", "http://x", WithName("vllm"))
	if c.Name() != "vllm" {
		t.Errorf("name = %q", c.Name())
	}
	wrapped := WithRetry(c)
	if wrapped.Name() != "vllm" {
		t.Errorf("retry wrapper name = %q", wrapped.Name())
	}
	err := &Error{Provider: "vllm", Message: "boom"}
	if err.Error() != fmt.Sprintf("%s: %s", "vllm", "boom") {
		t.Errorf("error string = %q", err.Error())
	}
}
