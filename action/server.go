package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrClosed is returned when sending through or waiting on a closed
// dispatcher.
var ErrClosed = errors.New("action dispatcher closed")

// listen binds the reply endpoint on a free port (unless pinned) and serves
// the dispatcher HTTP API in the background.
func (d *Dispatcher) listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.host, d.port))
	if err != nil {
		return fmt.Errorf("bind action endpoint: %w", err)
	}
	d.listener = ln
	d.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("GET /echo", d.handleEcho)
	mux.HandleFunc("GET /action_fetch", d.handleFetch)
	mux.HandleFunc("POST /action_reply", d.handleReply)
	d.server = &http.Server{Handler: mux}

	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("action endpoint failed", "error", err)
		}
	}()
	d.logger.Info("action endpoint listening", "addr", ln.Addr().String())
	return nil
}

func (d *Dispatcher) handleEcho(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "OK"})
}

// handleFetch hands the oldest queued action to the frontend.
func (d *Dispatcher) handleFetch(w http.ResponseWriter, r *http.Request) {
	a := d.Fetch()
	if a == nil {
		writeJSON(w, map[string]any{"status": "EMPTY"})
		return
	}
	writeJSON(w, map[string]any{"status": "OK", "action": a})
}

// handleReply accepts a reply action for a previously sent request. The
// correlation uuid comes from the query string; the action kind and source
// may come from the query (a, s) or the body. Replies for unknown uuids are
// stored anyway, a late reply is not an error.
func (d *Dispatcher) handleReply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	id := q.Get("uuid")
	if id == "" {
		writeError(w, errors.New("missing uuid"))
		return
	}
	var wire wireAction
	if err := json.Unmarshal(body, &wire); err != nil {
		writeError(w, err)
		return
	}
	kind := q.Get("a")
	if kind == "" {
		kind = wire.Action
	}
	if kind == "" {
		writeError(w, errors.New("missing action"))
		return
	}
	params, err := decodeParams(kind, wire.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	reply := &Action{
		Timestamp: wire.Timestamp,
		UUID:      wire.UUID,
		Source:    wire.Source,
		Action:    kind,
		Params:    params,
	}
	source := q.Get("s")
	if source == "" {
		source = reply.Source
	}
	d.PutReply(&Reply{
		ReplyTimestamp: unixStamp(d.now()),
		UUID:           id,
		Source:         source,
		Action:         reply.Action,
		Reply:          reply,
	})
	d.logger.Debug("action reply received", "uuid", id, "action", reply.Action)
	writeJSON(w, map[string]any{"status": "OK"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ERROR",
		"error":  fmt.Sprintf("%T: %v", err, err),
	})
}
