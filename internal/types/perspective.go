// Package types defines the persisted artifact documents produced and
// consumed by the stage orchestrators.
package types

// PromptContract bounds what one unit of delegated work may produce.
type PromptContract struct {
	MaxWords         int      `json:"max_words"`
	MaxSources       int      `json:"max_sources"`
	ToolCallBudget   int      `json:"tool_call_budget"`
	RequiredSections []string `json:"required_sections"`
}

// Perspective is one investigation angle assigned to one unit of delegated
// work. IDs are immutable once the corresponding wave starts.
type Perspective struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Role     string         `json:"role"`
	Contract PromptContract `json:"contract"`
	// Wave is 1 for the initial set and 2 for escalation perspectives
	// appended by the pivot decision.
	Wave int `json:"wave"`
}

// PerspectiveSet is the stages/perspectives artifact.
type PerspectiveSet struct {
	Query        string        `json:"query"`
	Perspectives []Perspective `json:"perspectives"`
}

// ForWave returns the perspectives belonging to the given wave.
func (ps *PerspectiveSet) ForWave(wave int) []Perspective {
	var out []Perspective
	for _, p := range ps.Perspectives {
		if p.Wave == wave {
			out = append(out, p)
		}
	}
	return out
}

// DefaultContract returns the prompt contract applied when a perspective
// declares none.
func DefaultContract() PromptContract {
	return PromptContract{
		MaxWords:         1500,
		MaxSources:       10,
		ToolCallBudget:   25,
		RequiredSections: []string{"Findings", "Sources"},
	}
}
