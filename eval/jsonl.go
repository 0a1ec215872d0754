package eval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store is anything evaluation records can be appended to. The JSONL file is
// the default; the store/ backends persist to SQLite or Postgres.
type Store interface {
	Append(rec Record) error
	Close() error
}

// JSONLStore appends records to a JSON-lines file, one record per line.
type JSONLStore struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// OpenJSONL opens (creating or appending) a JSONL record file.
func OpenJSONL(path string) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open evaluation file: %w", err)
	}
	return &JSONLStore{file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record line and flushes, so partial batch runs still
// leave usable files.
func (s *JSONLStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(raw, '\n')); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// ReadJSONL loads every record from a JSONL file.
func ReadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("parse record: %w", err)
		}
		rec, err := Decode(m, func(v any) error { return json.Unmarshal(line, v) })
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

var _ Store = (*JSONLStore)(nil)
