package manifest

import "time"

// Status is the run-level lifecycle state, independent of the stage machine.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TerminalStatus reports whether the run can no longer make progress.
func TerminalStatus(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Mode selects how a stage orchestrator obtains externally produced content.
type Mode string

const (
	// ModeFixture requires all inputs pre-seeded; never touches a network.
	ModeFixture Mode = "fixture"
	// ModeLive blocks in-process on a delegate callable that performs the work.
	ModeLive Mode = "live"
	// ModeTask halts with RUN_AGENT_REQUIRED and a prompt file per missing unit.
	ModeTask Mode = "task"
)

// ParseMode converts a string to a Mode, rejecting unknown values.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFixture, ModeLive, ModeTask:
		return Mode(s), true
	}
	return "", false
}

// Transition is one applied stage change, recorded in manifest history.
type Transition struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// StageState tracks where the run is and how long it has been there.
type StageState struct {
	Current        Stage        `json:"current"`
	StartedAt      time.Time    `json:"started_at"`
	LastProgressAt time.Time    `json:"last_progress_at"`
	History        []Transition `json:"history"`
}

// Limits are the caps and timeouts persisted into the manifest at init so
// that every later tick is self-describing and needs no ambient state.
type Limits struct {
	MaxReviewIterations int           `json:"max_review_iterations"`
	MaxRetriesPerUnit   int           `json:"max_retries_per_unit"`
	MaxPerspectives     int           `json:"max_perspectives"`
	MaxSummaryWords     int           `json:"max_summary_words"`
	StageTimeoutSec     map[Stage]int `json:"stage_timeout_sec"`
	LockLeaseSec        int           `json:"lock_lease_sec"`
}

// StageTimeout returns the configured timeout for a stage, or zero when the
// stage has no timeout.
func (l Limits) StageTimeout(s Stage) time.Duration {
	if sec, ok := l.StageTimeoutSec[s]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 0
}

// Manifest is the run control-plane document. It is rewritten atomically on
// every transition; Revision increments on every successful write and a
// writer must supply the revision it read (optimistic concurrency).
type Manifest struct {
	RunID       string     `json:"run_id"`
	Query       string     `json:"query"`
	Mode        Mode       `json:"mode"`
	Sensitivity string     `json:"sensitivity"`
	Revision    int        `json:"revision"`
	Status      Status     `json:"status"`
	Stage       StageState `json:"stage"`
	Limits      Limits     `json:"limits"`
	CreatedAt   time.Time  `json:"created_at"`

	// RetryCounts tracks validation rejections per delegated unit, keyed
	// "<stage>/<unit_id>". Exhausting limits.max_retries_per_unit is an
	// operator escalation, not an automatic failure.
	RetryCounts map[string]int `json:"retry_counts,omitempty"`
}

// ReviewIterations counts completed review->synthesis loops in history.
func (m *Manifest) ReviewIterations() int {
	n := 0
	for _, t := range m.Stage.History {
		if t.From == StageReview && t.To == StageSynthesis {
			n++
		}
	}
	return n
}

// DefaultLimits returns the limits used when the operator supplies none.
func DefaultLimits() Limits {
	timeouts := make(map[Stage]int, len(AllStages))
	for _, s := range AllStages {
		timeouts[s] = 3600
	}
	return Limits{
		MaxReviewIterations: 2,
		MaxRetriesPerUnit:   3,
		MaxPerspectives:     8,
		MaxSummaryWords:     400,
		StageTimeoutSec:     timeouts,
		LockLeaseSec:        60,
	}
}
