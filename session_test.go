package nbot

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davin/nbot/action"
	"github.com/davin/nbot/internal/config"
	"github.com/davin/nbot/output"
)

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *string) {
	t.Helper()
	d, err := action.NewDispatcher(false)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	var source string
	opts = append([]SessionOption{
		WithSink(output.NewSink()),
		WithDispatcher(d),
		WithSetSource(func(s string) { source = s }),
	}, opts...)
	ses, err := NewSession(config.Config{}, filepath.Join(t.TempDir(), "nb.ipynb"), opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return ses, &source
}

func TestSessionEmptyCellPlaceholder(t *testing.T) {
	// The line may arrive with or without the magic name; both produce the
	// same placeholder source.
	for _, line := range []string{"-P", "%%bot -P"} {
		ses, source := newTestSession(t)
		stage, err := ses.Run(context.Background(), line, "  \n\t\n")
		if err != nil {
			t.Fatalf("Run(%q): %v", line, err)
		}
		if stage != "" {
			t.Errorf("empty cell should not start a flow, got stage %s", stage)
		}
		if !strings.HasPrefix(*source, "%%bot -P\n\n# ") {
			t.Errorf("placeholder source = %q", *source)
		}
	}
}

func TestSessionEmptyCellBareMagic(t *testing.T) {
	ses, source := newTestSession(t)
	if _, err := ses.Run(context.Background(), "", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(*source, "%%bot\n\n# ") {
		t.Errorf("placeholder source = %q", *source)
	}
}

func TestSessionMagicLineError(t *testing.T) {
	ses, _ := newTestSession(t)
	_, err := ses.Run(context.Background(), "-f", "do the thing")
	if err == nil || !strings.Contains(err.Error(), "parse agent cell") {
		t.Errorf("missing flag value should fail the run: %v", err)
	}
}

func TestSessionBadOptionsBlock(t *testing.T) {
	ses, _ := newTestSession(t)
	cell := "## Task Options:\n# subject: [unclosed\n## ---\nbody"
	if _, err := ses.Run(context.Background(), "", cell); err == nil {
		t.Error("malformed options block should fail the run")
	}
}
