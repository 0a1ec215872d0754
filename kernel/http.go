package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPRuntime executes code by POSTing to a kernel gateway service. The
// gateway keeps one kernel per session id, so state persists across cells.
type HTTPRuntime struct {
	cfg       runtimeConfig
	client    *http.Client
	startOnce sync.Once
	startErr  error
	sessionID string
}

// compile-time check
var _ Runtime = (*HTTPRuntime)(nil)

// NewHTTPRuntime creates a runtime that POSTs cells to the gateway at
// gatewayURL (e.g. "http://localhost:9999").
func NewHTTPRuntime(gatewayURL string, opts ...Option) *HTTPRuntime {
	cfg := defaultConfig()
	cfg.gatewayURL = strings.TrimRight(gatewayURL, "/")
	for _, o := range opts {
		o(&cfg)
	}
	return &HTTPRuntime{cfg: cfg, client: &http.Client{}}
}

// --- gateway wire types ---

type execRequest struct {
	SessionID   string `json:"session_id"`
	KernelName  string `json:"kernel_name,omitempty"`
	Code        string `json:"code"`
	TimeoutSecs int    `json:"timeout"`
}

type execResponse struct {
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr"`
	Displays []Display `json:"displays,omitempty"`
	Result   string    `json:"result,omitempty"`
	Error    *ErrInfo  `json:"error,omitempty"`
}

// Execute runs one cell on the session kernel, starting it on first use.
func (r *HTTPRuntime) Execute(ctx context.Context, code string) (*Result, error) {
	if err := r.ensureStarted(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	req := execRequest{
		SessionID:   r.sessionID,
		KernelName:  r.cfg.kernelName,
		Code:        code,
		TimeoutSecs: int(r.cfg.timeout.Seconds()),
	}
	resp, err := r.doExecute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("kernel execution failed: %w", err)
	}
	return &Result{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Displays: resp.Displays,
		Result:   resp.Result,
		Err:      resp.Error,
	}, nil
}

// Shutdown stops the session kernel on the gateway.
func (r *HTTPRuntime) Shutdown(ctx context.Context) error {
	if r.sessionID == "" {
		return nil
	}
	url := fmt.Sprintf("%s/sessions/%s", r.cfg.gatewayURL, r.sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// ensureStarted lazily creates the gateway session on first Execute.
func (r *HTTPRuntime) ensureStarted(ctx context.Context) error {
	r.startOnce.Do(func() {
		body, _ := json.Marshal(map[string]string{"kernel_name": r.cfg.kernelName})
		startCtx, cancel := context.WithTimeout(ctx, r.cfg.startupTimeout)
		defer cancel()
		url := r.cfg.gatewayURL + "/sessions"
		httpReq, err := http.NewRequestWithContext(startCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			r.startErr = err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(httpReq)
		if err != nil {
			r.startErr = fmt.Errorf("start kernel session: %w", err)
			return
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			r.startErr = fmt.Errorf("gateway returned %d: %s", resp.StatusCode, respBody)
			return
		}
		var session struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(respBody, &session); err != nil {
			r.startErr = fmt.Errorf("parse session response: %w", err)
			return
		}
		r.sessionID = session.SessionID
	})
	return r.startErr
}

// doExecute POSTs the execution request with retry on transient failures.
func (r *HTTPRuntime) doExecute(ctx context.Context, req execRequest) (execResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := r.cfg.retryDelay
	for attempt := 0; attempt < r.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return execResponse{}, ctx.Err()
			}
		}
		resp, err := r.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return execResponse{}, err
		}
		lastErr = err
	}
	return execResponse{}, fmt.Errorf("gateway unreachable after %d attempts: %w", r.cfg.maxRetries, lastErr)
}

// doOnce performs a single POST to /execute.
func (r *HTTPRuntime) doOnce(ctx context.Context, body []byte) (execResponse, error) {
	url := r.cfg.gatewayURL + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return execResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return execResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20)) // 50MB limit
	if err != nil {
		return execResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return execResponse{}, &serverError{code: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return execResponse{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, respBody)
	}

	var result execResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return execResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

// serverError represents a 5xx response from the gateway.
type serverError struct {
	code int
	body string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.code, e.body)
}

// isTransient reports whether err is a transient network/server error that
// should be retried.
func isTransient(err error) bool {
	if _, ok := err.(*serverError); ok {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "EOF")
}
