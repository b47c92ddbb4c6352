package runstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one record in the append-only audit stream. Events are
// never rewritten; every component that mutates durable state appends one.
type AuditEvent struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Stage   string         `json:"stage,omitempty"`
	Actor   string         `json:"actor"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// Event kinds appended by the engine and orchestrators.
const (
	EventRunInit         = "run_init"
	EventStageAdvance    = "stage_advance"
	EventAdvanceRejected = "advance_rejected"
	EventGatesWrite      = "gates_write"
	EventUnitIngested    = "unit_ingested"
	EventUnitRejected    = "unit_rejected"
	EventHaltWritten     = "halt_written"
	EventRunPaused       = "run_paused"
	EventRunResumed      = "run_resumed"
	EventRunCancelled    = "run_cancelled"
	EventRunCompleted    = "run_completed"
	EventStageTimeout    = "stage_timeout"
	EventLockLost        = "lock_lost"
	EventRetryDirected   = "retry_directed"
)

// AppendAudit appends one event to the run's NDJSON audit log.
func (s *Store) AppendAudit(ev AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Actor == "" {
		ev.Actor = "engine"
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	f, err := os.OpenFile(s.layout.AuditPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ReadAudit returns every event in append order. Used by status projections
// and by the rollout-safety gate.
func (s *Store) ReadAudit() ([]AuditEvent, error) {
	f, err := os.Open(s.layout.AuditPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}
