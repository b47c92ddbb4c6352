package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

// unitSpec describes one unit of delegated work for the current stage.
type unitSpec struct {
	ID     string
	Prompt string
	// Doc names the schema for JSON units; empty for markdown units.
	Doc schemas.Document
}

func (o *Orchestrator) unitOutputRel(stage manifest.Stage, unitID string) string {
	return o.store.Layout().Rel(o.store.Layout().UnitOutputPath(stage, unitID))
}

func (o *Orchestrator) sidecarRel(stage manifest.Stage, unitID string) string {
	return o.store.Layout().Rel(o.store.Layout().SidecarPath(stage, unitID))
}

// missingUnits returns the units whose outputs are absent or stale. An
// output is stale when its sidecar records a prompt digest different from
// the prompt the orchestrator would issue now; stale outputs are never
// silently accepted.
func (o *Orchestrator) missingUnits(stage manifest.Stage, units []unitSpec) []unitSpec {
	var missing []unitSpec
	for _, u := range units {
		outRel := o.unitOutputRel(stage, u.ID)
		if !o.store.ArtifactExists(outRel) {
			missing = append(missing, u)
			continue
		}
		scRel := o.sidecarRel(stage, u.ID)
		if !o.store.ArtifactExists(scRel) {
			// Pre-seeded fixture content carries no sidecar; the output
			// stands on its own.
			continue
		}
		var sc types.Sidecar
		if err := o.store.ReadJSONArtifact(schemas.DocSidecar, scRel, &sc); err != nil {
			missing = append(missing, u)
			continue
		}
		if sc.PromptDigest != manifest.ContentDigest([]byte(u.Prompt)) {
			o.logf("[STALE] %s/%s prompt changed since ingest, regenerating", stage, u.ID)
			missing = append(missing, u)
		}
	}
	return missing
}

// ensureUnits makes every unit's output present and fresh, by the means the
// run's mode allows. Returns the reloaded manifest when it made progress.
func (o *Orchestrator) ensureUnits(ctx context.Context, m *manifest.Manifest, stage manifest.Stage, units []unitSpec) (*manifest.Manifest, error) {
	missing := o.missingUnits(stage, units)
	if len(missing) == 0 {
		return m, o.clearHalt(stage)
	}

	switch m.Mode {
	case manifest.ModeFixture:
		names := make([]string, 0, len(missing))
		for _, u := range missing {
			names = append(names, u.ID)
		}
		return nil, manifest.NewEngineError(manifest.CodeMissingArtifact,
			fmt.Sprintf("fixture run is missing %s content for: %s", stage, strings.Join(names, ", ")),
			map[string]any{"stage": string(stage), "units": names})

	case manifest.ModeLive:
		return o.runDelegate(ctx, m, stage, missing)

	case manifest.ModeTask:
		return nil, o.halt(m, stage, missing)

	default:
		return nil, manifest.NewEngineError(manifest.CodeInvalidState,
			fmt.Sprintf("unknown mode %q", m.Mode), nil)
	}
}

// runDelegate produces each missing unit in-process via the live delegate.
func (o *Orchestrator) runDelegate(ctx context.Context, m *manifest.Manifest, stage manifest.Stage, missing []unitSpec) (*manifest.Manifest, error) {
	if o.delegate == nil {
		return nil, fmt.Errorf("live mode requires a delegate")
	}
	for _, u := range missing {
		o.logf("[DELEGATE] generating %s/%s", stage, u.ID)
		var content string
		var err error
		if u.Doc != "" {
			content, err = o.delegate.GenerateJSON(ctx, u.Prompt)
		} else {
			content, err = o.delegate.GenerateText(ctx, u.Prompt)
		}
		if err != nil {
			return nil, fmt.Errorf("delegate failed for %s/%s: %w", stage, u.ID, err)
		}
		m, err = o.acceptUnit(m, stage, u, []byte(content), m.RunID)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// acceptUnit validates and persists one unit of produced content, updating
// retry accounting either way.
func (o *Orchestrator) acceptUnit(m *manifest.Manifest, stage manifest.Stage, u unitSpec, content []byte, producer string) (*manifest.Manifest, error) {
	key := string(stage) + "/" + u.ID
	if failures := o.validateUnit(stage, u, content); len(failures) > 0 {
		return nil, o.rejectUnit(m, stage, u, key, failures)
	}

	outRel := o.unitOutputRel(stage, u.ID)
	if err := runstore.WriteFileAtomic(o.store.Layout().Abs(outRel), content, 0o644); err != nil {
		return nil, err
	}
	sc := types.Sidecar{
		Stage:         string(stage),
		UnitID:        u.ID,
		ProducerRunID: producer,
		PromptDigest:  manifest.ContentDigest([]byte(u.Prompt)),
		ContentDigest: manifest.ContentDigest(content),
		IngestedAt:    o.now().UTC(),
	}
	if err := o.store.WriteJSONArtifact(schemas.DocSidecar, o.sidecarRel(stage, u.ID), sc); err != nil {
		return nil, err
	}

	updated, err := o.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		cur.Stage.LastProgressAt = o.now().UTC()
		if cur.RetryCounts != nil {
			delete(cur.RetryCounts, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:  runstore.EventUnitIngested,
		Stage: string(stage),
		Actor: "engine",
		Details: map[string]any{
			"unit":           u.ID,
			"content_digest": sc.ContentDigest,
		},
	}); err != nil {
		return nil, err
	}
	o.mirrorArtifact(updated, stage, u.ID, sc)
	o.mirrorEvent(updated, runstore.EventUnitIngested, u.ID)
	return updated, nil
}

// rejectUnit counts a validation failure against the unit's retry budget.
func (o *Orchestrator) rejectUnit(m *manifest.Manifest, stage manifest.Stage, u unitSpec, key string, failures []string) error {
	var count int
	updated, err := o.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		if cur.RetryCounts == nil {
			cur.RetryCounts = make(map[string]int)
		}
		cur.RetryCounts[key]++
		count = cur.RetryCounts[key]
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:   runstore.EventUnitRejected,
		Stage:  string(stage),
		Actor:  "engine",
		Reason: strings.Join(failures, "; "),
		Details: map[string]any{
			"unit":    u.ID,
			"retries": count,
		},
	}); err != nil {
		return err
	}

	if count >= updated.Limits.MaxRetriesPerUnit {
		return manifest.NewEngineError(manifest.CodeRetryCapExhausted,
			fmt.Sprintf("unit %s rejected %d times, retry budget of %d spent", key, count, updated.Limits.MaxRetriesPerUnit),
			map[string]any{"unit": key, "retries": count, "failures": failures})
	}
	return manifest.NewEngineError(manifest.CodeRetryRequired,
		fmt.Sprintf("unit %s rejected: %s", key, strings.Join(failures, "; ")),
		map[string]any{"unit": key, "retries": count, "failures": failures})
}

// validateUnit checks produced content before it is persisted.
func (o *Orchestrator) validateUnit(stage manifest.Stage, u unitSpec, content []byte) []string {
	if len(strings.TrimSpace(string(content))) == 0 {
		return []string{"content is empty"}
	}
	if u.Doc != "" {
		if err := schemas.Validate(u.Doc, content); err != nil {
			return []string{err.Error()}
		}
		return nil
	}
	// Markdown wave outputs are checked against the perspective contract at
	// ingest so a rejected draft never lands on disk.
	if stage == manifest.StageWave1 || stage == manifest.StageWave2 {
		ps, err := o.loadPerspectives()
		if err != nil {
			return []string{err.Error()}
		}
		for _, p := range ps.Perspectives {
			if p.ID != u.ID {
				continue
			}
			var failures []string
			text := string(content)
			words := len(strings.Fields(text))
			if p.Contract.MaxWords > 0 && words > p.Contract.MaxWords {
				failures = append(failures, fmt.Sprintf("%d words exceeds budget of %d", words, p.Contract.MaxWords))
			}
			for _, section := range p.Contract.RequiredSections {
				if !containsHeading(text, section) {
					failures = append(failures, fmt.Sprintf("missing required section %q", section))
				}
			}
			return failures
		}
		return []string{fmt.Sprintf("no perspective with id %q", u.ID)}
	}
	return nil
}

func containsHeading(text, title string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(strings.TrimLeft(line, "#")), title) {
			return true
		}
	}
	return false
}

// halt suspends a task-mode run: prompt files are written for each missing
// unit and halt.json tells the caller exactly what to produce and where to
// deliver it.
func (o *Orchestrator) halt(m *manifest.Manifest, stage manifest.Stage, missing []unitSpec) error {
	hs := types.HaltState{
		Stage:        string(stage),
		MissingUnits: make([]types.MissingUnit, 0, len(missing)),
		WrittenAt:    o.now().UTC(),
	}
	for _, u := range missing {
		promptPath := o.store.Layout().PromptPath(stage, u.ID)
		if err := runstore.WriteFileAtomic(promptPath, []byte(u.Prompt), 0o644); err != nil {
			return err
		}
		hs.MissingUnits = append(hs.MissingUnits, types.MissingUnit{
			Stage:      string(stage),
			UnitID:     u.ID,
			PromptPath: o.store.Layout().Rel(promptPath),
			OutputPath: o.unitOutputRel(stage, u.ID),
		})
	}
	haltRel := o.store.Layout().Rel(o.store.Layout().HaltPath())
	if err := o.store.WriteJSONArtifact(schemas.DocHalt, haltRel, hs); err != nil {
		return err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:  runstore.EventHaltWritten,
		Stage: string(stage),
		Actor: "engine",
		Details: map[string]any{
			"missing": len(hs.MissingUnits),
		},
	}); err != nil {
		return err
	}
	o.logf("[HALT] %d units pending at stage %s", len(hs.MissingUnits), stage)
	return manifest.NewEngineError(manifest.CodeRunAgentRequired,
		fmt.Sprintf("%d units of delegated work pending at stage %s; prompts are under operator/prompts/%s/", len(hs.MissingUnits), stage, stage),
		map[string]any{"stage": string(stage), "halt": haltRel, "missing_units": hs.MissingUnits})
}

// clearHalt removes a stale halt document once its stage has no missing
// units left.
func (o *Orchestrator) clearHalt(stage manifest.Stage) error {
	haltRel := o.store.Layout().Rel(o.store.Layout().HaltPath())
	if !o.store.ArtifactExists(haltRel) {
		return nil
	}
	var hs types.HaltState
	if err := o.store.ReadJSONArtifact(schemas.DocHalt, haltRel, &hs); err != nil {
		return err
	}
	if hs.Stage != string(stage) {
		return nil
	}
	return os.Remove(o.store.Layout().HaltPath())
}
