// Package audit emits one JSON line per handled request.
package audit

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

// Entry describes a single handled request.
type Entry struct {
	Time      time.Time     `json:"time"`
	Caller    string        `json:"caller,omitempty"`
	Method    string        `json:"method"`
	RequestID string        `json:"request_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Streamed  bool          `json:"streamed,omitempty"`
}

// Logger writes audit entries. Disabled loggers drop everything.
type Logger struct {
	enabled bool
	mu      sync.Mutex
	out     io.Writer
}

// New creates an audit logger writing to out.
func New(enabled bool, out io.Writer) *Logger {
	if out == nil {
		out = log.Writer()
	}
	return &Logger{enabled: enabled, out: out}
}

// Log writes one entry if auditing is enabled.
func (l *Logger) Log(entry Entry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	entry.Time = entry.Time.UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}
