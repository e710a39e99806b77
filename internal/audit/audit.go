// Package audit appends oracle calls and human feedback to a JSONL log in
// the workspace directory. The log is the raw material for prompt tuning:
// every extraction and organization call lands here with its full prompt and
// response, and review resolutions label the calls they judged.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileName is the audit log file inside the workspace directory.
const FileName = "oracle_audit.jsonl"

// Entry is one audit record. Kind is "llm_call" for oracle requests and
// "label" for human feedback referencing a prior call via ParentID.
type Entry struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Model     string    `json:"model,omitempty"`
	Operation string    `json:"operation,omitempty"` // extract, organize
	NoteID    string    `json:"note_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"` // 1 = first, 2 = validation retry
	Prompt    string    `json:"prompt,omitempty"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Log appends entries to one workspace's audit file.
type Log struct {
	mu   sync.Mutex
	path string
}

// New returns a log writing to dir/oracle_audit.jsonl. The file is created
// on first append.
func New(dir string) *Log {
	return &Log{path: filepath.Join(dir, FileName)}
}

// Path returns the audit file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes the entry as one JSON line and returns its id. Missing id
// and time are filled in.
func (l *Log) Append(e *Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write audit entry: %w", err)
	}
	return e.ID, nil
}

// Tail returns the last n entries, oldest first. Malformed lines are skipped
// rather than failing the read; a partially written final line must not make
// the log unreadable.
func (l *Log) Tail(n int) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var entries []*Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
