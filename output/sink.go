// Package output is the agent-facing output sink: a stage-partitioned buffer
// of blocks, text, logs, agent data updates and records, rendered into a
// single display payload at a bounded rate.
package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/davin/nbot/eval"
)

// minRenderInterval bounds display refreshes to at most one per second.
const minRenderInterval = time.Second

// itemKind classifies one content item within a stage.
type itemKind string

const (
	kindBlock    itemKind = "block"
	kindText     itemKind = "text"
	kindMarkdown itemKind = "markdown"
)

// contentItem is one entry in a stage's content list.
type contentItem struct {
	Kind      itemKind
	Content   string
	Title     string
	Collapsed bool
	Format    string // "markdown" or "code"
	Lang      string
}

// LogRecord is one sink log line. Records are kept regardless of the render
// level filter; filtering happens at render time.
type LogRecord struct {
	Level     Level   `json:"level"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// BlockOption configures an OutputBlock call.
type BlockOption func(*contentItem)

// WithTitle sets the block title.
func WithTitle(title string) BlockOption {
	return func(i *contentItem) { i.Title = title }
}

// WithCollapsed renders the block folded.
func WithCollapsed(collapsed bool) BlockOption {
	return func(i *contentItem) { i.Collapsed = collapsed }
}

// WithFormat sets the block format, "markdown" (default) or "code".
func WithFormat(format string) BlockOption {
	return func(i *contentItem) { i.Format = format }
}

// WithLang sets the code language of a code-format block.
func WithLang(lang string) BlockOption {
	return func(i *contentItem) { i.Lang = lang }
}

// Sink buffers agent output per stage and renders it through a Displayer.
type Sink struct {
	mu       sync.Mutex
	stages   []string
	contents map[string][]*contentItem
	active   string

	logs        []LogRecord
	minLevel    Level
	dataStamp   float64
	data        map[string]any
	evalRecords []eval.Record
	actions     []any

	displayer  Displayer
	dirty      bool
	lastRender time.Time
	sleep      func(time.Duration)
	now        func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithDisplayer sets the render target.
func WithDisplayer(d Displayer) Option {
	return func(s *Sink) { s.displayer = d }
}

// WithMinLevel sets the render-time log level filter (default INFO).
func WithMinLevel(l Level) Option {
	return func(s *Sink) { s.minLevel = l }
}

// NewSink creates an empty sink with the active stage "".
func NewSink(opts ...Option) *Sink {
	s := &Sink{
		contents: map[string][]*contentItem{},
		data:     map[string]any{},
		minLevel: LevelInfo,
		sleep:    time.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.displayer == nil {
		s.displayer = NopDisplayer{}
	}
	return s
}

// SetStage switches the active stage. New stages keep insertion order.
func (s *Sink) SetStage(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = stage
	s.touchStage(stage)
}

// Stage returns the active stage name.
func (s *Sink) Stage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Sink) touchStage(stage string) {
	if _, ok := s.contents[stage]; ok {
		return
	}
	s.contents[stage] = nil
	s.stages = append(s.stages, stage)
}

// OutputBlock appends a titled block to the given stage ("" = active).
func (s *Sink) OutputBlock(content string, stage string, opts ...BlockOption) {
	item := &contentItem{Kind: kindBlock, Content: content, Format: "markdown"}
	for _, opt := range opts {
		opt(item)
	}
	s.append(stage, item)
}

// OutputText appends plain text. Adjacent text items of the same code
// language merge into one.
func (s *Sink) OutputText(text string, stage string) {
	s.append(stage, &contentItem{Kind: kindText, Content: text})
}

// OutputMarkdown appends markdown content.
func (s *Sink) OutputMarkdown(md string, stage string) {
	s.append(stage, &contentItem{Kind: kindMarkdown, Content: md})
}

func (s *Sink) append(stage string, item *contentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stage == "" {
		stage = s.active
	}
	s.touchStage(stage)
	items := s.contents[stage]
	if item.Kind == kindText && len(items) > 0 {
		if last := items[len(items)-1]; last.Kind == kindText && last.Lang == item.Lang {
			last.Content += item.Content
			s.dirty = true
			return
		}
	}
	s.contents[stage] = append(items, item)
	s.dirty = true
}

// OutputAgentData merges agent data updates into the pending data-store
// payload and advances its timestamp.
func (s *Sink) OutputAgentData(updates map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.data[k] = v
	}
	s.dataStamp = unixStamp(s.now())
	s.dirty = true
}

// Log appends a leveled log record. Adjacent records of the same level merge.
// Unknown levels are rejected.
func (s *Sink) Log(msg string, level Level) error {
	if _, ok := levelNames[level]; !ok {
		return fmt.Errorf("%w: %d", errUnknownLevel, int(level))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.logs); n > 0 && s.logs[n-1].Level == level {
		s.logs[n-1].Message += "\n" + msg
	} else {
		s.logs = append(s.logs, LogRecord{Level: level, Message: msg, Timestamp: unixStamp(s.now())})
	}
	s.dirty = true
	return nil
}

// Logf formats and logs at the given level.
func (s *Sink) Logf(level Level, format string, args ...any) error {
	return s.Log(fmt.Sprintf(format, args...), level)
}

// Debug, Info, Warn, Error log at their level, ignoring filter errors.
func (s *Sink) Debug(format string, args ...any) { _ = s.Logf(LevelDebug, format, args...) }
func (s *Sink) Info(format string, args ...any)  { _ = s.Logf(LevelInfo, format, args...) }
func (s *Sink) Warn(format string, args ...any)  { _ = s.Logf(LevelWarn, format, args...) }
func (s *Sink) Errorf(format string, args ...any) { _ = s.Logf(LevelError, format, args...) }

// LogEvaluation records an evaluation result, stamping it when the timestamp
// is zero.
func (s *Sink) LogEvaluation(rec eval.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Stamp() == 0 {
		rec.SetStamp(unixStamp(s.now()))
	}
	s.evalRecords = append(s.evalRecords, rec)
	s.dirty = true
}

// LogAction records a dispatched action for replay.
func (s *Sink) LogAction(rec any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, rec)
	s.dirty = true
}

// Clear drops the content of one stage ("" = active). With clearMetadata the
// pending data, records and logs are dropped as well.
func (s *Sink) Clear(stage string, clearMetadata bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stage == "" {
		stage = s.active
	}
	s.contents[stage] = nil
	if clearMetadata {
		s.logs = nil
		s.data = map[string]any{}
		s.dataStamp = 0
		s.evalRecords = nil
		s.actions = nil
	}
	s.dirty = true
}

// Reset empties the sink completely.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = nil
	s.contents = map[string][]*contentItem{}
	s.active = ""
	s.logs = nil
	s.data = map[string]any{}
	s.dataStamp = 0
	s.evalRecords = nil
	s.actions = nil
	s.dirty = false
	s.lastRender = time.Time{}
}

// Display renders the sink if it is dirty or force is set, refreshing at
// most once per second. Within the interval, wait sleeps out the remainder
// and renders; without wait the call is skipped.
func (s *Sink) Display(force, wait bool) {
	s.mu.Lock()
	if !s.dirty && !force {
		s.mu.Unlock()
		return
	}
	since := s.now().Sub(s.lastRender)
	if since < minRenderInterval {
		if !wait {
			s.mu.Unlock()
			return
		}
		remaining := minRenderInterval - since
		s.mu.Unlock()
		s.sleep(remaining)
		s.mu.Lock()
	}
	payload := s.renderLocked()
	s.lastRender = s.now()
	s.dirty = false
	displayer := s.displayer
	s.mu.Unlock()
	displayer.Display(payload)
}

// Flush forces a render, waiting out the rate limit.
func (s *Sink) Flush(force bool) {
	s.Display(force, true)
}

func unixStamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

var (
	globalMu   sync.Mutex
	globalSink *Sink
)

// Get returns the process-wide sink, creating it on first use.
func Get() *Sink {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSink == nil {
		globalSink = NewSink()
	}
	return globalSink
}

// SetGlobal replaces the process-wide sink, returning the previous one.
func SetGlobal(s *Sink) *Sink {
	globalMu.Lock()
	defer globalMu.Unlock()
	prev := globalSink
	globalSink = s
	return prev
}

// ResetGlobal drops the process-wide sink.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalSink = nil
}
