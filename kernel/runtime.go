// Package kernel abstracts code execution against a Jupyter kernel. The
// HTTP runtime talks to a kernel gateway service; tests use in-memory fakes.
package kernel

import (
	"context"
	"regexp"
	"strings"
)

// Display is one rich output produced during execution.
type Display struct {
	Data     map[string]string `json:"data"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// ErrInfo describes an execution error the way the kernel reports it.
type ErrInfo struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// Result is everything captured from one code execution.
type Result struct {
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr"`
	Displays []Display `json:"displays,omitempty"`
	Result   string    `json:"result,omitempty"` // repr of the last expression
	Err      *ErrInfo  `json:"error,omitempty"`
}

// Failed reports whether the execution raised.
func (r *Result) Failed() bool { return r.Err != nil }

// FormatTraceback renders the error with ANSI escapes stripped, the form
// stored into cell error context.
func (e *ErrInfo) FormatTraceback() string {
	lines := make([]string, len(e.Traceback))
	for i, line := range e.Traceback {
		lines[i] = StripANSI(line)
	}
	return strings.Join(lines, "\n")
}

// Runtime executes code cells. Execute blocks until the cell finishes or ctx
// is cancelled.
type Runtime interface {
	Execute(ctx context.Context, code string) (*Result, error)
	Shutdown(ctx context.Context) error
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal color escapes from kernel tracebacks.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}
