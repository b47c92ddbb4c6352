package orchestrator

import (
	"fmt"
	"os"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/schemas"
)

// IngestParams delivers one unit of externally produced content into a
// task-mode run.
type IngestParams struct {
	Stage         manifest.Stage
	UnitID        string
	Content       []byte
	ProducerRunID string
}

// Ingest validates and stores content produced outside the process for a
// halted run. The unit's prompt file must exist and the content must satisfy
// the unit's validation; rejected content counts against the unit's retry
// budget and never lands in the stage directory.
func (o *Orchestrator) Ingest(p IngestParams) (*manifest.Manifest, error) {
	m, err := o.store.LoadManifest()
	if err != nil {
		return nil, err
	}
	if manifest.TerminalStatus(m.Status) {
		return nil, manifest.NewEngineError(manifest.CodeRunNotActive,
			fmt.Sprintf("run is %s", m.Status), nil)
	}
	if m.Stage.Current != p.Stage {
		return nil, manifest.NewEngineError(manifest.CodeInvalidState,
			fmt.Sprintf("run is at stage %s, cannot ingest %s content", m.Stage.Current, p.Stage),
			map[string]any{"current": string(m.Stage.Current), "requested": string(p.Stage)})
	}

	promptPath := o.store.Layout().PromptPath(p.Stage, p.UnitID)
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, fmt.Errorf("no prompt on record for %s/%s; tick the run first: %w", p.Stage, p.UnitID, err)
	}

	producer := p.ProducerRunID
	if producer == "" {
		producer = "external"
	}
	u := unitSpec{ID: p.UnitID, Prompt: string(prompt), Doc: unitDocument(p.Stage, p.UnitID)}
	updated, err := o.acceptUnit(m, p.Stage, u, p.Content, producer)
	if err != nil {
		return nil, err
	}
	o.logf("[INGEST] accepted %s/%s from %s", p.Stage, p.UnitID, producer)
	return updated, nil
}

// unitDocument maps a unit to its JSON schema, or "" for markdown units.
func unitDocument(stage manifest.Stage, unitID string) schemas.Document {
	switch {
	case stage == manifest.StageInit && unitID == "perspectives":
		return schemas.DocPerspectives
	case stage == manifest.StageReview && unitID == "review":
		return schemas.DocReview
	default:
		return ""
	}
}
