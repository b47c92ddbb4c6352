// Package manifest defines the durable control-plane documents for a research
// run: the manifest, the gate ledger, the closed stage enumeration with its
// transition table, and the typed error taxonomy shared by every component.
package manifest

import "fmt"

// Stage is one phase of the research pipeline. The set is closed: every
// dispatch over stages must be an exhaustive switch so that a new stage
// cannot silently fall through to the wrong handler.
type Stage string

const (
	StageInit         Stage = "init"
	StagePerspectives Stage = "perspectives"
	StageWave1        Stage = "wave1"
	StagePivot        Stage = "pivot"
	StageWave2        Stage = "wave2"
	StageCitations    Stage = "citations"
	StageSummaries    Stage = "summaries"
	StageSynthesis    Stage = "synthesis"
	StageReview       Stage = "review"
	StageFinalize     Stage = "finalize"
)

// AllStages lists every stage in pipeline order.
var AllStages = []Stage{
	StageInit,
	StagePerspectives,
	StageWave1,
	StagePivot,
	StageWave2,
	StageCitations,
	StageSummaries,
	StageSynthesis,
	StageReview,
	StageFinalize,
}

// ParseStage converts a string to a Stage, rejecting unknown values.
func ParseStage(s string) (Stage, error) {
	for _, stage := range AllStages {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// TransitionKey identifies one edge of the stage state machine.
type TransitionKey struct {
	From Stage
	To   Stage
}

// TransitionRule declares what must hold before a transition is applied.
// Artifacts are run-relative paths that must exist; HardGates must all be
// "pass" in the gate ledger.
type TransitionRule struct {
	Artifacts []string
	HardGates []GateID
	// ReviewLoop marks the review->synthesis retry edge, which counts
	// against limits.max_review_iterations.
	ReviewLoop bool
}

// transitionTable is the single authority on which stage transitions exist.
// The pipeline is linear with one conditional branch (pivot may skip wave2)
// and one bounded loop (review back to synthesis).
var transitionTable = map[TransitionKey]TransitionRule{
	{StageInit, StagePerspectives}: {
		Artifacts: []string{"stages/perspectives/perspectives.json"},
		HardGates: []GateID{GatePlanning},
	},
	{StagePerspectives, StageWave1}: {
		Artifacts: []string{"stages/perspectives/perspectives.json"},
	},
	{StageWave1, StagePivot}: {
		HardGates: []GateID{GateOutputContract},
	},
	{StagePivot, StageWave2}: {
		Artifacts: []string{"stages/pivot/pivot.json"},
	},
	{StagePivot, StageCitations}: {
		Artifacts: []string{"stages/pivot/pivot.json"},
	},
	{StageWave2, StageCitations}: {
		HardGates: []GateID{GateOutputContract},
	},
	{StageCitations, StageSummaries}: {
		Artifacts: []string{"stages/citations/citations.json"},
		HardGates: []GateID{GateCitations},
	},
	{StageSummaries, StageSynthesis}: {
		HardGates: []GateID{GateSummaries},
	},
	{StageSynthesis, StageReview}: {
		Artifacts: []string{"stages/synthesis/synthesis.md"},
		HardGates: []GateID{GateSynthesis},
	},
	{StageReview, StageFinalize}: {
		Artifacts: []string{"stages/review/review.json"},
		HardGates: []GateID{GateRollout},
	},
	{StageReview, StageSynthesis}: {
		Artifacts:  []string{"stages/review/review.json"},
		ReviewLoop: true,
	},
}

// RuleFor returns the transition rule for (from, to), or false if the edge
// does not exist in the state machine.
func RuleFor(from, to Stage) (TransitionRule, bool) {
	rule, ok := transitionTable[TransitionKey{From: from, To: to}]
	return rule, ok
}

// Successors returns the stages reachable from the given stage, in pipeline
// order.
func Successors(from Stage) []Stage {
	var out []Stage
	for _, to := range AllStages {
		if _, ok := transitionTable[TransitionKey{From: from, To: to}]; ok {
			out = append(out, to)
		}
	}
	return out
}

// Terminal reports whether the stage has no outgoing transitions.
func Terminal(s Stage) bool {
	return len(Successors(s)) == 0
}
