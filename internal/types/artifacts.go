package types

import "time"

// Sidecar is the metadata written next to every ingested unit of delegated
// work. PromptDigest is the digest of the prompt that was on disk at ingest
// time; if the prompt changes afterwards the output is stale and must be
// regenerated, never silently accepted.
type Sidecar struct {
	Stage         string    `json:"stage"`
	UnitID        string    `json:"unit_id"`
	ProducerRunID string    `json:"producer_run_id"`
	PromptDigest  string    `json:"prompt_digest"`
	ContentDigest string    `json:"content_digest"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// PivotDecision records whether a follow-up investigation wave is needed.
// It is computed once after the first wave and is deterministic given its
// inputs; immutable once written.
type PivotDecision struct {
	Gaps         []Gap  `json:"gaps"`
	Escalate     bool   `json:"escalate"`
	InputsDigest string `json:"inputs_digest"`
}

// Gap is one identified shortfall in first-wave coverage.
type Gap struct {
	PerspectiveID string `json:"perspective_id"`
	Reason        string `json:"reason"`
}

// CitationStatus is the resolution verdict for one claimed source URL.
type CitationStatus string

const (
	CitationOK          CitationStatus = "ok"
	CitationRejected    CitationStatus = "rejected"
	CitationUnreachable CitationStatus = "unreachable"
)

// Citation is one validated source claim. Immutable once validated.
type Citation struct {
	URL         string         `json:"url"`
	Status      CitationStatus `json:"status"`
	ResolvedURL string         `json:"resolved_url,omitempty"`
	Method      string         `json:"method"`
	Reason      string         `json:"reason,omitempty"`
}

// CitationReport is the stages/citations artifact.
type CitationReport struct {
	Citations []Citation `json:"citations"`
	CheckedAt time.Time  `json:"checked_at"`
	Offline   bool       `json:"offline"`
}

// ReviewDecision is the verdict of the review stage.
type ReviewDecision string

const (
	ReviewPass            ReviewDecision = "PASS"
	ReviewChangesRequired ReviewDecision = "CHANGES_REQUIRED"
)

// Review is the stages/review artifact.
type Review struct {
	Decision ReviewDecision `json:"decision"`
	Notes    string         `json:"notes,omitempty"`
	Findings []string       `json:"findings,omitempty"`
}

// MissingUnit describes one unit of delegated work the caller must produce
// before the run can advance.
type MissingUnit struct {
	Stage      string `json:"stage"`
	UnitID     string `json:"unit_id"`
	PromptPath string `json:"prompt_path"`
	OutputPath string `json:"output_path"`
}

// HaltState is the operator/halt.json document written when a task-mode tick
// suspends pending external content.
type HaltState struct {
	Stage        string        `json:"stage"`
	MissingUnits []MissingUnit `json:"missing_units"`
	WrittenAt    time.Time     `json:"written_at"`
}

// Checkpoint is an operator artifact written by pause/resume/cancel and the
// watchdog, carrying enough guidance to resume without further investigation.
type Checkpoint struct {
	Kind           string    `json:"kind"`
	Stage          string    `json:"stage"`
	Reason         string    `json:"reason"`
	ResumeGuidance string    `json:"resume_guidance"`
	WrittenAt      time.Time `json:"written_at"`
}
