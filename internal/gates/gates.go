// Package gates evaluates the six quality checkpoints of a run. Each
// evaluator is a pure judgment over durable artifacts: it reads, measures,
// and returns a verdict with the metrics that justify it. Verdicts only
// become authoritative once written to the gate ledger via Write.
package gates

import (
	"fmt"
	"os"
	"time"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

// Evaluator runs gate checks against one run's artifacts.
type Evaluator struct {
	store *runstore.Store
	now   func() time.Time
}

// New builds an evaluator over a run store.
func New(store *runstore.Store) *Evaluator {
	return &Evaluator{store: store, now: time.Now}
}

// WithClock overrides the time source for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

func (e *Evaluator) verdict(id manifest.GateID, failures []string, metrics map[string]float64, artifacts []string) *manifest.Gate {
	at := e.now().UTC()
	g := &manifest.Gate{
		ID:        id,
		Class:     manifest.GateClassHard,
		Status:    manifest.GatePass,
		CheckedAt: &at,
		Metrics:   metrics,
		Artifacts: artifacts,
	}
	if len(failures) > 0 {
		g.Status = manifest.GateFail
		g.Warnings = failures
	}
	return g
}

// Planning checks that the drafted perspective set is complete enough to
// dispatch: non-empty, within the perspective cap, unique ids, and a usable
// prompt contract on every entry.
func (e *Evaluator) Planning(ps *types.PerspectiveSet, limits manifest.Limits) *manifest.Gate {
	var failures []string
	wave1 := ps.ForWave(1)
	if len(wave1) == 0 {
		failures = append(failures, "no wave-1 perspectives drafted")
	}
	if limits.MaxPerspectives > 0 && len(ps.Perspectives) > limits.MaxPerspectives {
		failures = append(failures, fmt.Sprintf("%d perspectives exceeds cap of %d", len(ps.Perspectives), limits.MaxPerspectives))
	}
	seen := make(map[string]bool)
	for _, p := range ps.Perspectives {
		switch {
		case p.ID == "":
			failures = append(failures, "perspective with empty id")
		case seen[p.ID]:
			failures = append(failures, "duplicate perspective id "+p.ID)
		default:
			seen[p.ID] = true
		}
		if p.Title == "" || p.Role == "" {
			failures = append(failures, "perspective "+p.ID+" missing title or role")
		}
		if p.Contract.MaxWords <= 0 {
			failures = append(failures, "perspective "+p.ID+" has no word budget")
		}
		if len(p.Contract.RequiredSections) == 0 {
			failures = append(failures, "perspective "+p.ID+" has no required sections")
		}
	}
	return e.verdict(manifest.GatePlanning, failures,
		map[string]float64{"perspectives": float64(len(ps.Perspectives))},
		[]string{"stages/perspectives/perspectives.json"})
}

// OutputContract checks every wave output against its perspective's prompt
// contract: the file exists, stays within the word budget, carries the
// required sections, and does not exceed the source cap.
func (e *Evaluator) OutputContract(ps *types.PerspectiveSet, wave int) *manifest.Gate {
	var failures []string
	var artifacts []string
	var totalWords float64

	// The second-wave evaluation re-checks the first wave too: an earlier
	// output edited after the pivot must not ride an old verdict into
	// citations.
	perspectives := ps.ForWave(1)
	if wave == 2 {
		perspectives = append(perspectives, ps.ForWave(2)...)
	}
	for _, p := range perspectives {
		stage := manifest.StageWave1
		if p.Wave == 2 {
			stage = manifest.StageWave2
		}
		rel := e.store.Layout().Rel(e.store.Layout().UnitOutputPath(stage, p.ID))
		artifacts = append(artifacts, rel)
		data, err := os.ReadFile(e.store.Layout().Abs(rel))
		if err != nil {
			failures = append(failures, "output missing for perspective "+p.ID)
			continue
		}
		text := string(data)
		words := countWords(text)
		totalWords += float64(words)
		if p.Contract.MaxWords > 0 && words > p.Contract.MaxWords {
			failures = append(failures, fmt.Sprintf("%s: %d words exceeds budget of %d", p.ID, words, p.Contract.MaxWords))
		}
		for _, section := range p.Contract.RequiredSections {
			if !hasSection(text, section) {
				failures = append(failures, fmt.Sprintf("%s: missing required section %q", p.ID, section))
			}
		}
		if n := len(sourceURLs(text)); p.Contract.MaxSources > 0 && n > p.Contract.MaxSources {
			failures = append(failures, fmt.Sprintf("%s: %d sources exceeds cap of %d", p.ID, n, p.Contract.MaxSources))
		}
	}
	return e.verdict(manifest.GateOutputContract, failures,
		map[string]float64{"wave": float64(wave), "total_words": totalWords},
		artifacts)
}

// Citations checks the citation report: any rejected source fails the gate,
// unreachable sources are surfaced as warnings on a passing verdict only
// when everything else resolved.
func (e *Evaluator) Citations(report *types.CitationReport) *manifest.Gate {
	var failures []string
	var ok, rejected, unreachable float64
	for _, c := range report.Citations {
		switch c.Status {
		case types.CitationOK:
			ok++
		case types.CitationRejected:
			rejected++
			failures = append(failures, "rejected citation "+c.URL+": "+c.Reason)
		case types.CitationUnreachable:
			unreachable++
		}
	}
	g := e.verdict(manifest.GateCitations, failures,
		map[string]float64{"ok": ok, "rejected": rejected, "unreachable": unreachable},
		[]string{"stages/citations/citations.json"})
	if g.Status == manifest.GatePass && unreachable > 0 {
		g.Warnings = append(g.Warnings, fmt.Sprintf("%d citations unreachable at check time", int(unreachable)))
	}
	return g
}

// Summaries checks that every perspective with a wave output has a summary
// and that each summary stays within the word bound.
func (e *Evaluator) Summaries(ps *types.PerspectiveSet, limits manifest.Limits) *manifest.Gate {
	var failures []string
	var artifacts []string
	for _, p := range ps.Perspectives {
		waveStage := manifest.StageWave1
		if p.Wave == 2 {
			waveStage = manifest.StageWave2
		}
		waveRel := e.store.Layout().Rel(e.store.Layout().UnitOutputPath(waveStage, p.ID))
		if !e.store.ArtifactExists(waveRel) {
			continue
		}
		rel := e.store.Layout().Rel(e.store.Layout().UnitOutputPath(manifest.StageSummaries, p.ID))
		artifacts = append(artifacts, rel)
		data, err := os.ReadFile(e.store.Layout().Abs(rel))
		if err != nil {
			failures = append(failures, "summary missing for perspective "+p.ID)
			continue
		}
		if words := countWords(string(data)); limits.MaxSummaryWords > 0 && words > limits.MaxSummaryWords {
			failures = append(failures, fmt.Sprintf("%s: summary is %d words, bound is %d", p.ID, words, limits.MaxSummaryWords))
		}
	}
	return e.verdict(manifest.GateSummaries, failures,
		map[string]float64{"summaries": float64(len(artifacts))},
		artifacts)
}

// Synthesis checks the synthesis document: present, structured, sourced, and
// substantial enough to review.
func (e *Evaluator) Synthesis(text string) *manifest.Gate {
	var failures []string
	words := countWords(text)
	if words < 100 {
		failures = append(failures, fmt.Sprintf("synthesis is %d words, too thin to review", words))
	}
	if len(sectionHeadings(text)) == 0 {
		failures = append(failures, "synthesis has no section structure")
	}
	sources := len(sourceURLs(text))
	if sources == 0 {
		failures = append(failures, "synthesis cites no sources")
	}
	return e.verdict(manifest.GateSynthesis, failures,
		map[string]float64{"words": float64(words), "sources": float64(sources)},
		[]string{"stages/synthesis/synthesis.md"})
}

// Rollout is the final safety check before the terminal transition: every
// other hard gate passed, the audit trail is intact, no delegated unit is
// stuck mid-retry, and no citation was rejected.
func (e *Evaluator) Rollout(m *manifest.Manifest, gl *manifest.GateLedger) *manifest.Gate {
	var failures []string
	for _, id := range manifest.AllGateIDs {
		if id == manifest.GateRollout {
			continue
		}
		g := gl.Gate(id)
		if g == nil || g.Status != manifest.GatePass {
			status := manifest.GateStatus("absent")
			if g != nil {
				status = g.Status
			}
			failures = append(failures, fmt.Sprintf("gate %s is %s", id, status))
		}
	}

	events, err := e.store.ReadAudit()
	if err != nil {
		failures = append(failures, "audit log unreadable: "+err.Error())
	} else if len(events) == 0 {
		failures = append(failures, "audit log is empty")
	}

	if m.Status != manifest.StatusRunning {
		failures = append(failures, fmt.Sprintf("run is %s, not running", m.Status))
	}
	for unit, n := range m.RetryCounts {
		if n > 0 {
			failures = append(failures, fmt.Sprintf("unit %s has %d unresolved validation rejections", unit, n))
		}
	}

	var report types.CitationReport
	rel := e.store.Layout().Rel(e.store.Layout().CitationsPath())
	if err := e.store.ReadJSONArtifact(schemas.DocCitations, rel, &report); err != nil {
		failures = append(failures, "citation report unreadable")
	} else {
		for _, c := range report.Citations {
			if c.Status == types.CitationRejected {
				failures = append(failures, "rejected citation still present: "+c.URL)
			}
		}
	}

	return e.verdict(manifest.GateRollout, failures,
		map[string]float64{"audit_events": float64(len(events))},
		[]string{"stages/review/review.json", "stages/synthesis/synthesis.md"})
}
