// Package audit appends security events to a JSON-lines file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Action string

const (
	ActionLogin          Action = "auth.login"
	ActionLogout         Action = "auth.logout"
	ActionChangePassword Action = "auth.change_password"
	ActionTicketIssue    Action = "ticket.issue"
	ActionServerStart    Action = "server.start"
	ActionServerStop     Action = "server.stop"
	ActionServerUpdate   Action = "server.update"
	ActionServerDelete   Action = "server.delete"
)

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Event is one line in the audit file. Actor is a user id when known and
// the submitted username otherwise.
type Event struct {
	At      string  `json:"at"`
	Actor   string  `json:"actor"`
	Action  Action  `json:"action"`
	Target  string  `json:"target,omitempty"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
	Remote  string  `json:"remote,omitempty"`
	Request string  `json:"requestId,omitempty"`
}

type Logger struct {
	path    string
	mu      sync.Mutex
	nowFunc func() time.Time
}

// NewLogger returns a logger appending to path. An empty path disables
// auditing.
func NewLogger(path string) *Logger {
	return &Logger{path: path, nowFunc: time.Now}
}

// Record appends e, stamping At when unset.
func (l *Logger) Record(e Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	if e.At == "" {
		e.At = l.nowFunc().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}
