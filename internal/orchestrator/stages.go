package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jonathan/research-orchestrator/internal/citations"
	"github.com/jonathan/research-orchestrator/internal/gates"
	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/prompts"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

func (o *Orchestrator) loadPerspectives() (*types.PerspectiveSet, error) {
	var ps types.PerspectiveSet
	rel := o.store.Layout().Rel(o.store.Layout().PerspectivesPath())
	if err := o.store.ReadJSONArtifact(schemas.DocPerspectives, rel, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// writeGateAndAdvance persists gate verdicts and applies the transition in
// one tick step. Both writes are refused once the tick context is done: a
// lost lock lease must not be followed by durable mutations.
func (o *Orchestrator) writeGateAndAdvance(ctx context.Context, m *manifest.Manifest, to manifest.Stage, reason string, inputsDigest string, verdicts ...*manifest.Gate) (*manifest.Manifest, error) {
	if err := tickInterrupted(ctx); err != nil {
		return nil, err
	}
	gl, err := o.store.LoadGates()
	if err != nil {
		return nil, err
	}
	gl, err = gates.Write(o.store, gl.Revision, inputsDigest, verdicts...)
	if err != nil {
		return nil, err
	}
	updated, err := o.engine.Advance(m, gl, to, "engine", reason)
	if err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventStageAdvance, string(to))
	return updated, nil
}

// artifactsDigest produces the inputs digest for a gate write: a canonical
// digest over the content digests of the named run-relative artifacts.
func (o *Orchestrator) artifactsDigest(rels ...string) (string, error) {
	inputs := make(map[string]string, len(rels))
	for _, rel := range rels {
		data, err := os.ReadFile(o.store.Layout().Abs(rel))
		if err != nil {
			return "", fmt.Errorf("digest input %s: %w", rel, err)
		}
		inputs[rel] = manifest.ContentDigest(data)
	}
	return manifest.CanonicalDigest(inputs)
}

func (o *Orchestrator) tickInit(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	prompt, err := prompts.Perspectives(m.Query, m.Limits)
	if err != nil {
		return nil, err
	}
	m, err = o.ensureUnits(ctx, m, manifest.StageInit, []unitSpec{
		{ID: "perspectives", Prompt: prompt, Doc: schemas.DocPerspectives},
	})
	if err != nil {
		return nil, err
	}

	ps, err := o.loadPerspectives()
	if err != nil {
		return nil, err
	}
	psRel := o.store.Layout().Rel(o.store.Layout().PerspectivesPath())
	digest, err := o.artifactsDigest(psRel)
	if err != nil {
		return nil, err
	}
	verdict := o.gates.Planning(ps, m.Limits)
	return o.writeGateAndAdvance(ctx, m, manifest.StagePerspectives, "perspective set drafted", digest, verdict)
}

func (o *Orchestrator) tickPerspectives(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	if err := tickInterrupted(ctx); err != nil {
		return nil, err
	}
	gl, err := o.store.LoadGates()
	if err != nil {
		return nil, err
	}
	updated, err := o.engine.Advance(m, gl, manifest.StageWave1, "engine", "dispatching first wave")
	if err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventStageAdvance, string(manifest.StageWave1))
	return updated, nil
}

func (o *Orchestrator) tickWave(ctx context.Context, m *manifest.Manifest, wave int) (*manifest.Manifest, error) {
	ps, err := o.loadPerspectives()
	if err != nil {
		return nil, err
	}
	stage := manifest.StageWave1
	to := manifest.StagePivot
	if wave == 2 {
		stage = manifest.StageWave2
		to = manifest.StageCitations
	}

	units := make([]unitSpec, 0, len(ps.ForWave(wave)))
	for _, p := range ps.ForWave(wave) {
		prompt, perr := prompts.Wave(m.Query, p)
		if perr != nil {
			return nil, perr
		}
		units = append(units, unitSpec{ID: p.ID, Prompt: prompt})
	}
	m, err = o.ensureUnits(ctx, m, stage, units)
	if err != nil {
		return nil, err
	}

	// The gate verdict for wave 2 spans both waves, so the digest must too.
	covered := ps.ForWave(1)
	if wave == 2 {
		covered = append(covered, ps.ForWave(2)...)
	}
	rels := make([]string, 0, len(covered))
	for _, p := range covered {
		waveStage := manifest.StageWave1
		if p.Wave == 2 {
			waveStage = manifest.StageWave2
		}
		rels = append(rels, o.unitOutputRel(waveStage, p.ID))
	}
	digest, err := o.artifactsDigest(rels...)
	if err != nil {
		return nil, err
	}
	verdict := o.gates.OutputContract(ps, wave)
	return o.writeGateAndAdvance(ctx, m, to, fmt.Sprintf("wave %d outputs complete", wave), digest, verdict)
}

func (o *Orchestrator) tickPivot(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	if err := tickInterrupted(ctx); err != nil {
		return nil, err
	}
	pivotRel := o.store.Layout().Rel(o.store.Layout().PivotPath())
	var decision types.PivotDecision

	if o.store.ArtifactExists(pivotRel) {
		if err := o.store.ReadJSONArtifact(schemas.DocPivot, pivotRel, &decision); err != nil {
			return nil, err
		}
	} else {
		computed, err := o.computePivot(m)
		if err != nil {
			return nil, err
		}
		decision = *computed
		if err := o.store.WriteJSONArtifact(schemas.DocPivot, pivotRel, decision); err != nil {
			return nil, err
		}
		o.mirrorArtifact(m, manifest.StagePivot, "pivot", decision)
		o.logf("[PIVOT] escalate=%v gaps=%d", decision.Escalate, len(decision.Gaps))
	}

	gl, err := o.store.LoadGates()
	if err != nil {
		return nil, err
	}
	to := manifest.StageCitations
	reason := "first wave sufficient, skipping escalation"
	if decision.Escalate {
		to = manifest.StageWave2
		reason = fmt.Sprintf("escalating %d coverage gaps to a second wave", len(decision.Gaps))
	}
	updated, err := o.engine.Advance(m, gl, to, "engine", reason)
	if err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventStageAdvance, string(to))
	return updated, nil
}

// computePivot judges first-wave coverage deterministically: a perspective
// whose output cites nothing or lands far under its word budget is a gap.
// Gaps become wave-2 follow-up perspectives appended to the perspective set.
func (o *Orchestrator) computePivot(m *manifest.Manifest) (*types.PivotDecision, error) {
	ps, err := o.loadPerspectives()
	if err != nil {
		return nil, err
	}

	gaps := []types.Gap{}
	inputs := make(map[string]string)
	for _, p := range ps.ForWave(1) {
		rel := o.unitOutputRel(manifest.StageWave1, p.ID)
		data, rerr := os.ReadFile(o.store.Layout().Abs(rel))
		if rerr != nil {
			return nil, fmt.Errorf("read wave output %s: %w", rel, rerr)
		}
		inputs[p.ID] = manifest.ContentDigest(data)

		text := string(data)
		words := len(strings.Fields(text))
		switch {
		case len(citations.ExtractURLs(text)) == 0:
			gaps = append(gaps, types.Gap{PerspectiveID: p.ID, Reason: "output cites no sources"})
		case p.Contract.MaxWords > 0 && words*5 < p.Contract.MaxWords:
			gaps = append(gaps, types.Gap{PerspectiveID: p.ID, Reason: fmt.Sprintf("output is %d words against a budget of %d", words, p.Contract.MaxWords)})
		}
	}
	digest, err := manifest.CanonicalDigest(inputs)
	if err != nil {
		return nil, err
	}
	decision := &types.PivotDecision{
		Gaps:         gaps,
		Escalate:     len(gaps) > 0,
		InputsDigest: digest,
	}

	if decision.Escalate {
		byID := make(map[string]types.Perspective, len(ps.Perspectives))
		for _, p := range ps.Perspectives {
			byID[p.ID] = p
		}
		for _, gap := range gaps {
			origin := byID[gap.PerspectiveID]
			followup := types.Perspective{
				ID:       origin.ID + "-followup",
				Title:    "Follow-up: " + origin.Title,
				Role:     origin.Role,
				Contract: origin.Contract,
				Wave:     2,
			}
			if _, exists := byID[followup.ID]; !exists {
				ps.Perspectives = append(ps.Perspectives, followup)
			}
		}
		psRel := o.store.Layout().Rel(o.store.Layout().PerspectivesPath())
		if err := o.store.WriteJSONArtifact(schemas.DocPerspectives, psRel, ps); err != nil {
			return nil, err
		}
	}
	return decision, nil
}

func (o *Orchestrator) tickCitations(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	citRel := o.store.Layout().Rel(o.store.Layout().CitationsPath())
	if !o.store.ArtifactExists(citRel) {
		report, err := o.validateCitations(ctx, m)
		if err != nil {
			return nil, err
		}
		if err := o.store.WriteJSONArtifact(schemas.DocCitations, citRel, report); err != nil {
			return nil, err
		}
		o.mirrorArtifact(m, manifest.StageCitations, "citations", report)
		o.logf("[CITATIONS] %s", citations.Summary(report))
	}

	var report types.CitationReport
	if err := o.store.ReadJSONArtifact(schemas.DocCitations, citRel, &report); err != nil {
		return nil, err
	}
	digest, err := o.artifactsDigest(citRel)
	if err != nil {
		return nil, err
	}
	verdict := o.gates.Citations(&report)
	return o.writeGateAndAdvance(ctx, m, manifest.StageSummaries, "citation report complete", digest, verdict)
}

// validateCitations resolves every URL claimed across the wave outputs. A
// fixture run answers purely from the pre-recorded fixtures file and makes
// zero network calls; its absence fails the stage rather than falling back
// to the network.
func (o *Orchestrator) validateCitations(ctx context.Context, m *manifest.Manifest) (*types.CitationReport, error) {
	ps, err := o.loadPerspectives()
	if err != nil {
		return nil, err
	}
	var urls []string
	seen := make(map[string]bool)
	for _, p := range ps.Perspectives {
		stage := manifest.StageWave1
		if p.Wave == 2 {
			stage = manifest.StageWave2
		}
		rel := o.unitOutputRel(stage, p.ID)
		data, rerr := os.ReadFile(o.store.Layout().Abs(rel))
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue
			}
			return nil, rerr
		}
		for _, u := range citations.ExtractURLs(string(data)) {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}

	var validator *citations.Validator
	if m.Mode == manifest.ModeFixture {
		fixRel := o.store.Layout().Rel(o.store.Layout().FixturesPath())
		if !o.store.ArtifactExists(fixRel) {
			return nil, manifest.NewEngineError(manifest.CodeMissingArtifact,
				"fixture run has no citation fixtures; seed "+fixRel,
				map[string]any{"path": fixRel})
		}
		var fixtures citations.Fixtures
		if err := o.store.ReadJSONArtifact(schemas.DocFixtures, fixRel, &fixtures); err != nil {
			return nil, err
		}
		validator = citations.NewOfflineValidator(fixtures)
	} else {
		validator = citations.NewValidator(o.fetcher)
	}
	return validator.WithClock(o.now).Validate(ctx, urls)
}

func (o *Orchestrator) tickSummaries(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	ps, err := o.loadPerspectives()
	if err != nil {
		return nil, err
	}

	var units []unitSpec
	var rels []string
	for _, p := range ps.Perspectives {
		stage := manifest.StageWave1
		if p.Wave == 2 {
			stage = manifest.StageWave2
		}
		waveRel := o.unitOutputRel(stage, p.ID)
		if !o.store.ArtifactExists(waveRel) {
			continue
		}
		report, rerr := os.ReadFile(o.store.Layout().Abs(waveRel))
		if rerr != nil {
			return nil, rerr
		}
		prompt, perr := prompts.Summary(p, string(report), m.Limits.MaxSummaryWords)
		if perr != nil {
			return nil, perr
		}
		units = append(units, unitSpec{ID: p.ID, Prompt: prompt})
		rels = append(rels, o.unitOutputRel(manifest.StageSummaries, p.ID))
	}

	m, err = o.ensureUnits(ctx, m, manifest.StageSummaries, units)
	if err != nil {
		return nil, err
	}
	digest, err := o.artifactsDigest(rels...)
	if err != nil {
		return nil, err
	}
	verdict := o.gates.Summaries(ps, m.Limits)
	return o.writeGateAndAdvance(ctx, m, manifest.StageSynthesis, "summaries bounded", digest, verdict)
}

func (o *Orchestrator) tickSynthesis(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	ps, err := o.loadPerspectives()
	if err != nil {
		return nil, err
	}
	var summaries []string
	for _, p := range ps.Perspectives {
		rel := o.unitOutputRel(manifest.StageSummaries, p.ID)
		data, rerr := os.ReadFile(o.store.Layout().Abs(rel))
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue
			}
			return nil, rerr
		}
		summaries = append(summaries, string(data))
	}

	prompt, err := prompts.Synthesis(m.Query, summaries)
	if err != nil {
		return nil, err
	}
	m, err = o.ensureUnits(ctx, m, manifest.StageSynthesis, []unitSpec{
		{ID: "synthesis", Prompt: prompt},
	})
	if err != nil {
		return nil, err
	}

	synRel := o.store.Layout().Rel(o.store.Layout().SynthesisPath())
	data, err := os.ReadFile(o.store.Layout().Abs(synRel))
	if err != nil {
		return nil, err
	}
	digest, err := o.artifactsDigest(synRel)
	if err != nil {
		return nil, err
	}
	verdict := o.gates.Synthesis(string(data))
	return o.writeGateAndAdvance(ctx, m, manifest.StageReview, "synthesis drafted", digest, verdict)
}

func (o *Orchestrator) tickReview(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	synRel := o.store.Layout().Rel(o.store.Layout().SynthesisPath())
	synthesis, err := os.ReadFile(o.store.Layout().Abs(synRel))
	if err != nil {
		return nil, err
	}

	prompt, err := prompts.Review(m.Query, string(synthesis))
	if err != nil {
		return nil, err
	}
	m, err = o.ensureUnits(ctx, m, manifest.StageReview, []unitSpec{
		{ID: "review", Prompt: prompt, Doc: schemas.DocReview},
	})
	if err != nil {
		return nil, err
	}

	reviewRel := o.store.Layout().Rel(o.store.Layout().ReviewPath())
	var review types.Review
	if err := o.store.ReadJSONArtifact(schemas.DocReview, reviewRel, &review); err != nil {
		return nil, err
	}

	if review.Decision == types.ReviewPass {
		gl, glerr := o.store.LoadGates()
		if glerr != nil {
			return nil, glerr
		}
		digest, derr := o.artifactsDigest(reviewRel, synRel)
		if derr != nil {
			return nil, derr
		}
		verdict := o.gates.Rollout(m, gl)
		return o.writeGateAndAdvance(ctx, m, manifest.StageFinalize, "review passed", digest, verdict)
	}

	// Changes requested: loop back to synthesis, retiring the rejected
	// draft so the next tick demands a fresh one.
	if err := tickInterrupted(ctx); err != nil {
		return nil, err
	}
	gl, err := o.store.LoadGates()
	if err != nil {
		return nil, err
	}
	iteration := m.ReviewIterations() + 1
	updated, err := o.engine.Advance(m, gl, manifest.StageSynthesis, "engine",
		fmt.Sprintf("review requested changes (iteration %d of %d)", iteration, m.Limits.MaxReviewIterations))
	if err != nil {
		return nil, err
	}
	if err := o.archiveRejectedDraft(iteration); err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:   runstore.EventRetryDirected,
		Stage:  string(manifest.StageSynthesis),
		Actor:  "engine",
		Reason: review.Notes,
		Details: map[string]any{
			"iteration": iteration,
			"findings":  review.Findings,
		},
	}); err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventRetryDirected, "")
	return updated, nil
}

// archiveRejectedDraft renames the rejected synthesis and review artifacts
// so they remain inspectable without satisfying any transition.
func (o *Orchestrator) archiveRejectedDraft(iteration int) error {
	layout := o.store.Layout()
	renames := map[string]string{
		layout.SynthesisPath(): layout.Abs(fmt.Sprintf("stages/synthesis/synthesis.rejected-%d.md", iteration)),
		layout.ReviewPath():    layout.Abs(fmt.Sprintf("stages/review/review.rejected-%d.json", iteration)),
		layout.SidecarPath(manifest.StageSynthesis, "synthesis"): layout.Abs(fmt.Sprintf("stages/synthesis/synthesis.rejected-%d.sidecar.json", iteration)),
		layout.SidecarPath(manifest.StageReview, "review"):       layout.Abs(fmt.Sprintf("stages/review/review.rejected-%d.sidecar.json", iteration)),
	}
	for from, to := range renames {
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archive rejected draft: %w", err)
		}
	}
	return nil
}
