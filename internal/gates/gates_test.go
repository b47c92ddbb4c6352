package gates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

func newStore(t *testing.T) *runstore.Store {
	t.Helper()
	layout := runstore.NewLayout(t.TempDir())
	require.NoError(t, layout.Init())
	return runstore.Open(layout)
}

func writeArtifact(t *testing.T, store *runstore.Store, abs, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func perspectiveSet() *types.PerspectiveSet {
	return &types.PerspectiveSet{
		Query: "grid-scale storage",
		Perspectives: []types.Perspective{
			{ID: "p1", Title: "Economics", Role: "analyst", Contract: types.DefaultContract(), Wave: 1},
			{ID: "p2", Title: "Regulation", Role: "counsel", Contract: types.DefaultContract(), Wave: 1},
		},
	}
}

func contractOutput(words int) string {
	var b strings.Builder
	b.WriteString("## Findings\n\n")
	for i := 0; i < words; i++ {
		b.WriteString("word ")
	}
	b.WriteString("\n\n## Sources\n\nhttps://example.com/report\n")
	return b.String()
}

func TestPlanningPass(t *testing.T) {
	e := New(newStore(t))
	g := e.Planning(perspectiveSet(), manifest.DefaultLimits())
	assert.Equal(t, manifest.GatePass, g.Status)
	assert.Equal(t, float64(2), g.Metrics["perspectives"])
}

func TestPlanningFailures(t *testing.T) {
	e := New(newStore(t))
	ps := perspectiveSet()
	ps.Perspectives[1].ID = "p1"
	ps.Perspectives[1].Title = ""
	ps.Perspectives[0].Contract.MaxWords = 0

	g := e.Planning(ps, manifest.DefaultLimits())
	assert.Equal(t, manifest.GateFail, g.Status)
	joined := strings.Join(g.Warnings, "\n")
	assert.Contains(t, joined, "duplicate perspective id p1")
	assert.Contains(t, joined, "missing title or role")
	assert.Contains(t, joined, "no word budget")
}

func TestPlanningEmptySet(t *testing.T) {
	e := New(newStore(t))
	g := e.Planning(&types.PerspectiveSet{Query: "q"}, manifest.DefaultLimits())
	assert.Equal(t, manifest.GateFail, g.Status)
}

func TestPlanningCapExceeded(t *testing.T) {
	e := New(newStore(t))
	limits := manifest.DefaultLimits()
	limits.MaxPerspectives = 1
	g := e.Planning(perspectiveSet(), limits)
	assert.Equal(t, manifest.GateFail, g.Status)
}

func TestOutputContractPass(t *testing.T) {
	store := newStore(t)
	ps := perspectiveSet()
	for _, p := range ps.Perspectives {
		writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, p.ID), contractOutput(300))
	}

	g := New(store).OutputContract(ps, 1)
	assert.Equal(t, manifest.GatePass, g.Status)
	assert.Len(t, g.Artifacts, 2)
}

func TestOutputContractWordBudget(t *testing.T) {
	store := newStore(t)
	ps := perspectiveSet()
	ps.Perspectives[0].Contract.MaxWords = 50
	for _, p := range ps.Perspectives {
		writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, p.ID), contractOutput(300))
	}

	g := New(store).OutputContract(ps, 1)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), "exceeds budget")
}

func TestOutputContractMissingSection(t *testing.T) {
	store := newStore(t)
	ps := perspectiveSet()
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, "p1"), "## Findings\n\nshort note\n")
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, "p2"), contractOutput(100))

	g := New(store).OutputContract(ps, 1)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), `missing required section "Sources"`)
}

func TestOutputContractMissingOutput(t *testing.T) {
	store := newStore(t)
	g := New(store).OutputContract(perspectiveSet(), 1)
	assert.Equal(t, manifest.GateFail, g.Status)
}

func TestOutputContractSecondWaveRechecksFirst(t *testing.T) {
	store := newStore(t)
	ps := perspectiveSet()
	ps.Perspectives = append(ps.Perspectives, types.Perspective{
		ID: "p2-followup", Title: "Follow-up: Regulation", Role: "counsel",
		Contract: types.DefaultContract(), Wave: 2,
	})
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, "p1"), "## Findings\n\nunsectioned note\n")
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, "p2"), contractOutput(200))
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave2, "p2-followup"), contractOutput(200))

	// The wave-2 verdict covers every output produced so far, so a first-wave
	// contract violation still blocks the citations transition.
	g := New(store).OutputContract(ps, 2)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), `p1: missing required section "Sources"`)
	assert.Len(t, g.Artifacts, 3)
}

func TestCitationsRejectedFails(t *testing.T) {
	e := New(newStore(t))
	report := &types.CitationReport{
		Citations: []types.Citation{
			{URL: "https://example.com/a", Status: types.CitationOK, Method: "http"},
			{URL: "http://169.254.169.254/latest", Status: types.CitationRejected, Method: "guard", Reason: "link-local address"},
		},
		CheckedAt: time.Now().UTC(),
	}
	g := e.Citations(report)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Equal(t, float64(1), g.Metrics["rejected"])
}

func TestCitationsUnreachableWarns(t *testing.T) {
	e := New(newStore(t))
	report := &types.CitationReport{
		Citations: []types.Citation{
			{URL: "https://example.com/a", Status: types.CitationOK, Method: "http"},
			{URL: "https://example.com/b", Status: types.CitationUnreachable, Method: "browser"},
		},
		CheckedAt: time.Now().UTC(),
	}
	g := e.Citations(report)
	assert.Equal(t, manifest.GatePass, g.Status)
	require.Len(t, g.Warnings, 1)
	assert.Contains(t, g.Warnings[0], "unreachable")
}

func TestSummariesBound(t *testing.T) {
	store := newStore(t)
	ps := perspectiveSet()
	limits := manifest.DefaultLimits()
	limits.MaxSummaryWords = 20

	for _, p := range ps.Perspectives {
		writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, p.ID), contractOutput(100))
	}
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageSummaries, "p1"), strings.Repeat("word ", 10))
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageSummaries, "p2"), strings.Repeat("word ", 50))

	g := New(store).Summaries(ps, limits)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), "p2: summary is 50 words")
}

func TestSummariesSkipsPerspectivesWithoutOutput(t *testing.T) {
	store := newStore(t)
	ps := perspectiveSet()
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageWave1, "p1"), contractOutput(100))
	writeArtifact(t, store, store.Layout().UnitOutputPath(manifest.StageSummaries, "p1"), "brief summary")

	g := New(store).Summaries(ps, manifest.DefaultLimits())
	assert.Equal(t, manifest.GatePass, g.Status)
	assert.Len(t, g.Artifacts, 1)
}

func TestSynthesisPass(t *testing.T) {
	e := New(newStore(t))
	g := e.Synthesis(contractOutput(400))
	assert.Equal(t, manifest.GatePass, g.Status)
}

func TestSynthesisTooThin(t *testing.T) {
	e := New(newStore(t))
	g := e.Synthesis("## Findings\n\na few words https://example.com\n")
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), "too thin")
}

func TestSynthesisNoSources(t *testing.T) {
	e := New(newStore(t))
	g := e.Synthesis("## Findings\n\n" + strings.Repeat("word ", 200))
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), "cites no sources")
}

func rolloutFixture(t *testing.T) (*runstore.Store, *manifest.Manifest, *manifest.GateLedger) {
	t.Helper()
	store := newStore(t)
	now := time.Now().UTC()

	m := &manifest.Manifest{
		RunID: "run-1", Query: "q", Mode: manifest.ModeFixture,
		Revision: 1, Status: manifest.StatusRunning,
		Stage: manifest.StageState{
			Current: manifest.StageReview, StartedAt: now, LastProgressAt: now,
			History: []manifest.Transition{},
		},
		Limits: manifest.DefaultLimits(), CreatedAt: now,
	}
	require.NoError(t, store.CreateManifest(m))
	require.NoError(t, store.AppendAudit(runstore.AuditEvent{Kind: runstore.EventRunInit, Actor: "test"}))

	gl := manifest.NewGateLedger(m.RunID)
	for _, id := range manifest.AllGateIDs {
		if id != manifest.GateRollout {
			gl.Gates[id].Status = manifest.GatePass
		}
	}

	report := types.CitationReport{
		Citations: []types.Citation{{URL: "https://example.com/a", Status: types.CitationOK, Method: "http"}},
		CheckedAt: now,
	}
	require.NoError(t, store.WriteJSONArtifact(schemas.DocCitations,
		store.Layout().Rel(store.Layout().CitationsPath()), report))

	return store, m, gl
}

func TestRolloutPass(t *testing.T) {
	store, m, gl := rolloutFixture(t)
	g := New(store).Rollout(m, gl)
	assert.Equal(t, manifest.GatePass, g.Status)
}

func TestRolloutBlocksOnFailedGate(t *testing.T) {
	store, m, gl := rolloutFixture(t)
	gl.Gates[manifest.GateCitations].Status = manifest.GateFail

	g := New(store).Rollout(m, gl)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), "gate C is fail")
}

func TestRolloutBlocksOnUnresolvedRetries(t *testing.T) {
	store, m, gl := rolloutFixture(t)
	m.RetryCounts = map[string]int{"wave1/p1": 2}

	g := New(store).Rollout(m, gl)
	assert.Equal(t, manifest.GateFail, g.Status)
	assert.Contains(t, strings.Join(g.Warnings, "\n"), "unresolved validation rejections")
}

// planningVerdict returns a passing gate-A verdict over a freshly written
// perspectives artifact, plus the digest of that artifact as evaluated.
func planningVerdict(t *testing.T, store *runstore.Store) (*manifest.Gate, string) {
	t.Helper()
	rel := "stages/perspectives/perspectives.json"
	writeArtifact(t, store, store.Layout().Abs(rel), `{"query": "q"}`)
	now := time.Now().UTC()
	return &manifest.Gate{
		ID: manifest.GatePlanning, Class: manifest.GateClassHard,
		Status: manifest.GatePass, CheckedAt: &now,
		Artifacts: []string{rel},
	}, digestFor(t, store, rel)
}

func digestFor(t *testing.T, store *runstore.Store, rels ...string) string {
	t.Helper()
	inputs := make(map[string]string, len(rels))
	for _, rel := range rels {
		data, err := os.ReadFile(store.Layout().Abs(rel))
		require.NoError(t, err)
		inputs[rel] = manifest.ContentDigest(data)
	}
	d, err := manifest.CanonicalDigest(inputs)
	require.NoError(t, err)
	return d
}

func TestWriteMergesVerdicts(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteGates(manifest.NewGateLedger("run-1")))
	verdict, digest := planningVerdict(t, store)

	updated, err := Write(store, 1, digest, verdict)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Revision)
	assert.Equal(t, digest, updated.InputsDigest)
	assert.Equal(t, manifest.GatePass, updated.Gates[manifest.GatePlanning].Status)
	assert.Equal(t, manifest.GateNotRun, updated.Gates[manifest.GateCitations].Status)
}

func TestWriteRejectsUnknownGate(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteGates(manifest.NewGateLedger("run-1")))

	_, err := Write(store, 1, "digest-1", &manifest.Gate{ID: "Z", Class: manifest.GateClassHard, Status: manifest.GatePass})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown gate id")
}

func TestWriteStaleRevision(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteGates(manifest.NewGateLedger("run-1")))
	verdict, digest := planningVerdict(t, store)

	_, err := Write(store, 1, digest, verdict)
	require.NoError(t, err)

	_, err = Write(store, 1, digest, verdict)
	require.Error(t, err)
	assert.Equal(t, manifest.CodeConcurrencyConflict, manifest.CodeOf(err))
}

func TestWriteRejectsStaleInputsDigest(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.WriteGates(manifest.NewGateLedger("run-1")))
	verdict, digest := planningVerdict(t, store)

	// The evaluated artifact changes between evaluation and write; the old
	// verdict no longer describes what is on disk.
	rel := verdict.Artifacts[0]
	writeArtifact(t, store, store.Layout().Abs(rel), `{"query": "revised"}`)

	_, err := Write(store, 1, digest, verdict)
	require.Error(t, err)
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeConcurrencyConflict, ee.Code)
	assert.Contains(t, ee.Message, "gate inputs changed")

	// The rejected write left the ledger untouched.
	gl, err := store.LoadGates()
	require.NoError(t, err)
	assert.Equal(t, 1, gl.Revision)
	assert.Equal(t, manifest.GateNotRun, gl.Gates[manifest.GatePlanning].Status)

	// Re-evaluating against the current content goes through.
	fresh := digestFor(t, store, rel)
	_, err = Write(store, 1, fresh, verdict)
	require.NoError(t, err)
}
