package action

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher queues actions for the frontend to fetch and collects replies.
// When serving is enabled it binds a free localhost port and exposes the
// reply HTTP API; otherwise actions are queue-only.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Action
	replies map[string]*Reply
	closed  bool

	host     string
	port     int
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	recorder func(*Action)
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHost sets the bind host (default 127.0.0.1).
func WithHost(host string) DispatcherOption {
	return func(d *Dispatcher) { d.host = host }
}

// WithPort pins the listen port instead of picking a free one.
func WithPort(port int) DispatcherOption {
	return func(d *Dispatcher) { d.port = port }
}

// WithRecorder registers a hook invoked for every sent action, used to
// mirror actions into the output sink.
func WithRecorder(fn func(*Action)) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher. With serve set, it binds its reply
// endpoint immediately; reply-expecting actions cannot be sent otherwise.
func NewDispatcher(serve bool, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		replies: map[string]*Reply{},
		host:    "127.0.0.1",
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	if serve {
		if err := d.listen(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Addr returns the bound host and port, or "" when not serving.
func (d *Dispatcher) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Port returns the bound port, 0 when not serving.
func (d *Dispatcher) Port() int { return d.port }

// Send enqueues an action, stamping a zero timestamp and minting a uuid only
// when the caller did not set one. Actions that expect a reply get the
// dispatcher's reply endpoint attached.
func (d *Dispatcher) Send(a *Action) error {
	if a.NeedsReply() {
		a.ReplyHost = d.host
		a.ReplyPort = d.port
	}
	if a.Timestamp == 0 {
		a.Timestamp = unixStamp(d.now())
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, a)
	d.mu.Unlock()
	d.logger.Debug("action queued", "action", a.Action, "uuid", a.UUID)
	if d.recorder != nil {
		d.recorder(a)
	}
	return nil
}

// Fetch pops the oldest queued action, or nil when the queue is empty.
func (d *Dispatcher) Fetch() *Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	a := d.queue[0]
	d.queue = d.queue[1:]
	return a
}

// PutReply stores a received reply, waking any AwaitReply callers. Replies
// for unknown or already retrieved uuids are kept; late replies are not an
// error.
func (d *Dispatcher) PutReply(r *Reply) {
	d.mu.Lock()
	d.replies[r.UUID] = r
	d.mu.Unlock()
	d.cond.Broadcast()
}

// AwaitReply blocks until a reply for the action's uuid arrives or ctx is
// cancelled. The reply is marked retrieved with a retrieval timestamp.
func (d *Dispatcher) AwaitReply(ctx context.Context, a *Action) (*Action, error) {
	stop := context.AfterFunc(ctx, func() { d.cond.Broadcast() })
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if r, ok := d.replies[a.UUID]; ok {
			r.Retrieved = true
			r.RetrievedTimestamp = unixStamp(d.now())
			return r.Reply, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.closed {
			return nil, ErrClosed
		}
		d.cond.Wait()
	}
}

// TakeReply returns the reply for uuid without blocking, marking it
// retrieved, or nil.
func (d *Dispatcher) TakeReply(uuid string) *Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.replies[uuid]
	if !ok {
		return nil
	}
	r.Retrieved = true
	r.RetrievedTimestamp = unixStamp(d.now())
	return r.Reply
}

// Close shuts the HTTP endpoint down and wakes all waiters.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	server := d.server
	d.mu.Unlock()
	d.cond.Broadcast()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}

// Alive reports whether the dispatcher still accepts actions.
func (d *Dispatcher) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

func unixStamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

var (
	defaultMu         sync.Mutex
	defaultDispatcher *Dispatcher
	// DefaultServe controls whether the process-wide dispatcher binds its
	// reply endpoint; the session sets it from the configured capabilities.
	DefaultServe bool
)

// Default returns the process-wide dispatcher, creating it on first use and
// recreating it when the previous one was closed.
func Default() (*Dispatcher, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultDispatcher != nil && defaultDispatcher.Alive() {
		return defaultDispatcher, nil
	}
	if defaultDispatcher != nil {
		_ = defaultDispatcher.Close()
	}
	d, err := NewDispatcher(DefaultServe)
	if err != nil {
		return nil, err
	}
	defaultDispatcher = d
	return d, nil
}

// CloseDefault closes and forgets the process-wide dispatcher.
func CloseDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultDispatcher != nil {
		_ = defaultDispatcher.Close()
		defaultDispatcher = nil
	}
}
