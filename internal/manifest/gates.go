package manifest

import "time"

// GateID names one of the six quality dimensions checked at defined
// checkpoints.
type GateID string

const (
	// GatePlanning (A) checks planning completeness of drafted perspectives.
	GatePlanning GateID = "A"
	// GateOutputContract (B) checks wave outputs against their prompt contract.
	GateOutputContract GateID = "B"
	// GateCitations (C) checks citation integrity of claimed sources.
	GateCitations GateID = "C"
	// GateSummaries (D) checks per-perspective summary boundedness.
	GateSummaries GateID = "D"
	// GateSynthesis (E) checks synthesis quality.
	GateSynthesis GateID = "E"
	// GateRollout (F) checks rollout safety before the terminal transition.
	GateRollout GateID = "F"
)

// AllGateIDs lists every gate in ledger order.
var AllGateIDs = []GateID{
	GatePlanning,
	GateOutputContract,
	GateCitations,
	GateSummaries,
	GateSynthesis,
	GateRollout,
}

// GateClass distinguishes blocking gates from advisory ones.
type GateClass string

const (
	// GateClassHard gates must be "pass" before the guarded transition.
	GateClassHard GateClass = "hard"
	// GateClassSoft gates record findings without blocking.
	GateClassSoft GateClass = "soft"
)

// GateStatus is the verdict of one evaluation.
type GateStatus string

const (
	GateNotRun GateStatus = "not_run"
	GatePass   GateStatus = "pass"
	GateFail   GateStatus = "fail"
)

// Gate is one pass/fail verdict in the ledger. Gates are initialized
// not_run at run creation, updated by their evaluator, never deleted.
type Gate struct {
	ID        GateID             `json:"id"`
	Class     GateClass          `json:"class"`
	Status    GateStatus         `json:"status"`
	CheckedAt *time.Time         `json:"checked_at,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// GateLedger is the per-run gate document. InputsDigest is the canonical
// digest of the artifacts the most recent evaluation considered; a write
// carrying a stale digest is rejected to avoid clobbering a newer verdict.
type GateLedger struct {
	RunID        string           `json:"run_id"`
	Revision     int              `json:"revision"`
	InputsDigest string           `json:"inputs_digest,omitempty"`
	Gates        map[GateID]*Gate `json:"gates"`
}

// NewGateLedger returns a ledger with every gate initialized not_run.
// All six gates are hard: the rollout-safety gate is fully enforced, not a
// declared-but-unchecked placeholder.
func NewGateLedger(runID string) *GateLedger {
	gates := make(map[GateID]*Gate, len(AllGateIDs))
	for _, id := range AllGateIDs {
		gates[id] = &Gate{ID: id, Class: GateClassHard, Status: GateNotRun}
	}
	return &GateLedger{RunID: runID, Revision: 1, Gates: gates}
}

// Gate returns the ledger entry for id, or nil if the id is unknown.
func (gl *GateLedger) Gate(id GateID) *Gate {
	return gl.Gates[id]
}

// Passed reports whether the gate exists and its latest verdict is pass.
func (gl *GateLedger) Passed(id GateID) bool {
	g := gl.Gates[id]
	return g != nil && g.Status == GatePass
}
