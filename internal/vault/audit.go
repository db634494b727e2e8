package vault

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RotationEvent is one line of the append-only rotation audit trail.
type RotationEvent struct {
	ID            string    `json:"id"`
	Service       string    `json:"service"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"` // "forced" or "normal"
	RotationCount int       `json:"rotation_count"`
}

// auditTrail appends rotation events to a line-delimited JSON file.
type auditTrail struct {
	path string
	mu   sync.Mutex
}

func newAuditTrail(path string) *auditTrail {
	return &auditTrail{path: path}
}

// Record appends one event. The file is opened append-only so concurrent
// writers cannot interleave partial lines.
func (a *auditTrail) Record(event RotationEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// Events reads the full trail, oldest first. Unparseable lines are skipped
// so one damaged line cannot hide the rest of the history.
func (a *auditTrail) Events() ([]RotationEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []RotationEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event RotationEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	return events, nil
}
