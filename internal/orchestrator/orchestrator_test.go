package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runlock"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
	"github.com/jonathan/research-orchestrator/internal/watchdog"
)

func newRun(t *testing.T, mode manifest.Mode, limits manifest.Limits) (*Orchestrator, runstore.Layout) {
	t.Helper()
	dir := t.TempDir()
	o := New(dir)
	_, err := o.Init(InitParams{
		Query:  "grid storage economics",
		Mode:   mode,
		Limits: limits,
	})
	require.NoError(t, err)
	return o, runstore.NewLayout(dir)
}

func writeArtifact(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeJSONArtifact(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func perspectiveSet() types.PerspectiveSet {
	contract := types.PromptContract{
		MaxWords:         120,
		MaxSources:       5,
		ToolCallBudget:   10,
		RequiredSections: []string{"Findings", "Sources"},
	}
	return types.PerspectiveSet{
		Query: "grid storage economics",
		Perspectives: []types.Perspective{
			{ID: "p1", Title: "Cost trajectories", Role: "analyst", Contract: contract, Wave: 1},
			{ID: "p2", Title: "Deployment constraints", Role: "engineer", Contract: contract, Wave: 1},
		},
	}
}

func waveOutput(url string) string {
	return `# Findings

Battery storage paired with solar now undercuts gas peakers on levelized cost in most regional markets, driven by cell prices falling roughly forty percent over the last two years.

# Sources

- [Utility cost report](` + url + `)
`
}

func synthesisDoc() string {
	body := strings.Repeat("Storage economics favor batteries over gas peakers across most regional markets studied this year. ", 8)
	return "# Synthesis\n\n" + body + "\n\n## Sources\n\n- [Grid report](https://example.com/grid)\n"
}

// seedFixtureRun pre-seeds every artifact a fixture run consumes, the way an
// operator stages recorded content before replaying a run offline.
func seedFixtureRun(t *testing.T, layout runstore.Layout) {
	t.Helper()
	writeJSONArtifact(t, layout.PerspectivesPath(), perspectiveSet())
	writeArtifact(t, layout.UnitOutputPath(manifest.StageWave1, "p1"), waveOutput("https://example.com/grid"))
	writeArtifact(t, layout.UnitOutputPath(manifest.StageWave1, "p2"), waveOutput("https://example.org/storage"))
	writeJSONArtifact(t, layout.FixturesPath(), map[string]string{
		"https://example.com/grid":    "ok",
		"https://example.org/storage": "ok",
	})
	writeArtifact(t, layout.UnitOutputPath(manifest.StageSummaries, "p1"), "Batteries undercut peakers on cost in most markets.")
	writeArtifact(t, layout.UnitOutputPath(manifest.StageSummaries, "p2"), "Interconnection queues are the binding deployment constraint.")
	writeArtifact(t, layout.SynthesisPath(), synthesisDoc())
	writeJSONArtifact(t, layout.ReviewPath(), types.Review{Decision: types.ReviewPass, Notes: "well sourced"})
}

func tickUntilStopped(t *testing.T, o *Orchestrator, maxTicks int) *manifest.Manifest {
	t.Helper()
	var m *manifest.Manifest
	for i := 0; i < maxTicks; i++ {
		var err error
		m, err = o.Tick(context.Background())
		require.NoError(t, err)
		if m.Status != manifest.StatusRunning {
			return m
		}
	}
	return m
}

func TestFixtureRunToCompletion(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	seedFixtureRun(t, layout)

	m := tickUntilStopped(t, o, 12)
	require.Equal(t, manifest.StatusCompleted, m.Status)
	assert.Equal(t, manifest.StageFinalize, m.Stage.Current)

	gl, err := o.store.LoadGates()
	require.NoError(t, err)
	for _, id := range manifest.AllGateIDs {
		g := gl.Gate(id)
		require.NotNil(t, g, "gate %s missing", id)
		assert.Equal(t, manifest.GatePass, g.Status, "gate %s", id)
	}

	var pivot types.PivotDecision
	pivotRel := layout.Rel(layout.PivotPath())
	require.NoError(t, o.store.ReadJSONArtifact(schemas.DocPivot, pivotRel, &pivot))
	assert.False(t, pivot.Escalate)
	assert.Empty(t, pivot.Gaps)

	var report types.CitationReport
	citRel := layout.Rel(layout.CitationsPath())
	require.NoError(t, o.store.ReadJSONArtifact(schemas.DocCitations, citRel, &report))
	assert.True(t, report.Offline)
	require.Len(t, report.Citations, 2)
	for _, c := range report.Citations {
		assert.Equal(t, types.CitationOK, c.Status)
	}

	events, err := o.store.ReadAudit()
	require.NoError(t, err)
	var completed bool
	for _, ev := range events {
		if ev.Kind == runstore.EventRunCompleted {
			completed = true
		}
	}
	assert.True(t, completed)

	// A completed run refuses further ticks.
	_, err = o.Tick(context.Background())
	assert.Equal(t, manifest.CodeRunNotActive, manifest.CodeOf(err))
}

func TestFixtureRunFailsFastWithoutContent(t *testing.T) {
	o, _ := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())

	_, err := o.Tick(context.Background())
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeMissingArtifact, ee.Code)
	assert.Equal(t, []string{"perspectives"}, ee.Details["units"])

	// Same tick, same answer: nothing mutated, nothing advanced.
	_, err = o.Tick(context.Background())
	assert.Equal(t, manifest.CodeMissingArtifact, manifest.CodeOf(err))
	m, err := o.store.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, manifest.StageInit, m.Stage.Current)
}

func TestFixtureCitationsRequireFixtures(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	writeJSONArtifact(t, layout.PerspectivesPath(), perspectiveSet())
	writeArtifact(t, layout.UnitOutputPath(manifest.StageWave1, "p1"), waveOutput("https://example.com/grid"))
	writeArtifact(t, layout.UnitOutputPath(manifest.StageWave1, "p2"), waveOutput("https://example.org/storage"))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := o.Tick(ctx)
		require.NoError(t, err)
	}
	m, err := o.store.LoadManifest()
	require.NoError(t, err)
	require.Equal(t, manifest.StageCitations, m.Stage.Current)

	_, err = o.Tick(ctx)
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeMissingArtifact, ee.Code)
	assert.Contains(t, ee.Message, "fixtures")
}

func TestPivotEscalatesUnsourcedOutput(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	writeJSONArtifact(t, layout.PerspectivesPath(), perspectiveSet())
	writeArtifact(t, layout.UnitOutputPath(manifest.StageWave1, "p1"), waveOutput("https://example.com/grid"))
	// p2 cites nothing, which is a coverage gap.
	writeArtifact(t, layout.UnitOutputPath(manifest.StageWave1, "p2"),
		"# Findings\n\nQueues dominate timelines in every region examined, often stretching beyond four years for utility scale interconnection requests filed recently.\n\n# Sources\n\nnone available\n")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := o.Tick(ctx)
		require.NoError(t, err)
	}
	m, err := o.store.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, manifest.StageWave2, m.Stage.Current)

	var pivot types.PivotDecision
	require.NoError(t, o.store.ReadJSONArtifact(schemas.DocPivot, layout.Rel(layout.PivotPath()), &pivot))
	require.True(t, pivot.Escalate)
	require.Len(t, pivot.Gaps, 1)
	assert.Equal(t, "p2", pivot.Gaps[0].PerspectiveID)

	ps, err := o.loadPerspectives()
	require.NoError(t, err)
	wave2 := ps.ForWave(2)
	require.Len(t, wave2, 1)
	assert.Equal(t, "p2-followup", wave2[0].ID)
}

func TestTaskModeHaltsThenIngests(t *testing.T) {
	o, layout := newRun(t, manifest.ModeTask, manifest.DefaultLimits())

	_, err := o.Tick(context.Background())
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	require.Equal(t, manifest.CodeRunAgentRequired, ee.Code)

	promptPath := layout.PromptPath(manifest.StageInit, "perspectives")
	assert.FileExists(t, promptPath)
	assert.FileExists(t, layout.HaltPath())

	snap, err := o.Status()
	require.NoError(t, err)
	require.Len(t, snap.MissingUnits, 1)
	assert.Equal(t, "perspectives", snap.MissingUnits[0].UnitID)

	content, err := json.Marshal(perspectiveSet())
	require.NoError(t, err)
	_, err = o.Ingest(IngestParams{
		Stage:         manifest.StageInit,
		UnitID:        "perspectives",
		Content:       content,
		ProducerRunID: "producer-7",
	})
	require.NoError(t, err)

	var sc types.Sidecar
	scRel := layout.Rel(layout.SidecarPath(manifest.StageInit, "perspectives"))
	require.NoError(t, o.store.ReadJSONArtifact(schemas.DocSidecar, scRel, &sc))
	assert.Equal(t, "producer-7", sc.ProducerRunID)

	m, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manifest.StagePerspectives, m.Stage.Current)
	assert.NoFileExists(t, layout.HaltPath())
}

func TestTaskModeRedemandsStaleOutput(t *testing.T) {
	o, layout := newRun(t, manifest.ModeTask, manifest.DefaultLimits())

	_, err := o.Tick(context.Background())
	require.Equal(t, manifest.CodeRunAgentRequired, manifest.CodeOf(err))

	content, err := json.Marshal(perspectiveSet())
	require.NoError(t, err)
	_, err = o.Ingest(IngestParams{Stage: manifest.StageInit, UnitID: "perspectives", Content: content})
	require.NoError(t, err)

	// Forge a sidecar recorded against a different prompt. The output is now
	// stale and must be demanded again, not silently accepted.
	scRel := layout.Rel(layout.SidecarPath(manifest.StageInit, "perspectives"))
	var sc types.Sidecar
	require.NoError(t, o.store.ReadJSONArtifact(schemas.DocSidecar, scRel, &sc))
	sc.PromptDigest = manifest.ContentDigest([]byte("an earlier prompt"))
	require.NoError(t, o.store.WriteJSONArtifact(schemas.DocSidecar, scRel, sc))

	_, err = o.Tick(context.Background())
	assert.Equal(t, manifest.CodeRunAgentRequired, manifest.CodeOf(err))
}

func TestIngestRejectionCountsAgainstRetryBudget(t *testing.T) {
	o, _ := newRun(t, manifest.ModeTask, manifest.DefaultLimits())
	_, err := o.Tick(context.Background())
	require.Equal(t, manifest.CodeRunAgentRequired, manifest.CodeOf(err))

	_, err = o.Ingest(IngestParams{
		Stage:   manifest.StageInit,
		UnitID:  "perspectives",
		Content: []byte(`{"query": "q"}`),
	})
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeRetryRequired, ee.Code)

	m, err := o.store.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, 1, m.RetryCounts["init/perspectives"])

	// A later accepted ingest clears the count.
	content, err := json.Marshal(perspectiveSet())
	require.NoError(t, err)
	_, err = o.Ingest(IngestParams{Stage: manifest.StageInit, UnitID: "perspectives", Content: content})
	require.NoError(t, err)
	m, err = o.store.LoadManifest()
	require.NoError(t, err)
	assert.Zero(t, m.RetryCounts["init/perspectives"])
}

func TestIngestRetryCapExhausted(t *testing.T) {
	limits := manifest.DefaultLimits()
	limits.MaxRetriesPerUnit = 1
	o, _ := newRun(t, manifest.ModeTask, limits)
	_, err := o.Tick(context.Background())
	require.Equal(t, manifest.CodeRunAgentRequired, manifest.CodeOf(err))

	_, err = o.Ingest(IngestParams{
		Stage:   manifest.StageInit,
		UnitID:  "perspectives",
		Content: []byte("not json at all"),
	})
	assert.Equal(t, manifest.CodeRetryCapExhausted, manifest.CodeOf(err))
}

func TestIngestWrongStage(t *testing.T) {
	o, _ := newRun(t, manifest.ModeTask, manifest.DefaultLimits())
	_, err := o.Ingest(IngestParams{
		Stage:   manifest.StageSynthesis,
		UnitID:  "synthesis",
		Content: []byte("draft"),
	})
	assert.Equal(t, manifest.CodeInvalidState, manifest.CodeOf(err))
}

func TestIngestRequiresPromptOnRecord(t *testing.T) {
	o, _ := newRun(t, manifest.ModeTask, manifest.DefaultLimits())
	_, err := o.Ingest(IngestParams{
		Stage:   manifest.StageInit,
		UnitID:  "perspectives",
		Content: []byte("{}"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prompt on record")
}

func TestReviewLoopRecyclesDraft(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	seedFixtureRun(t, layout)
	writeJSONArtifact(t, layout.ReviewPath(), types.Review{
		Decision: types.ReviewChangesRequired,
		Notes:    "sources section is too thin",
		Findings: []string{"synthesis cites only one source"},
	})

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := o.Tick(ctx)
		require.NoError(t, err)
	}
	m, err := o.store.LoadManifest()
	require.NoError(t, err)
	require.Equal(t, manifest.StageReview, m.Stage.Current)

	m, err = o.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, manifest.StageSynthesis, m.Stage.Current)
	assert.Equal(t, 1, m.ReviewIterations())

	// The rejected draft is archived, not deleted, and no longer satisfies
	// the synthesis stage.
	assert.NoFileExists(t, layout.SynthesisPath())
	assert.NoFileExists(t, layout.ReviewPath())
	assert.FileExists(t, layout.Abs("stages/synthesis/synthesis.rejected-1.md"))
	assert.FileExists(t, layout.Abs("stages/review/review.rejected-1.json"))

	_, err = o.Tick(ctx)
	assert.Equal(t, manifest.CodeMissingArtifact, manifest.CodeOf(err))

	// A fresh draft that passes review carries the run to completion.
	writeArtifact(t, layout.SynthesisPath(), synthesisDoc())
	writeJSONArtifact(t, layout.ReviewPath(), types.Review{Decision: types.ReviewPass})
	m = tickUntilStopped(t, o, 4)
	assert.Equal(t, manifest.StatusCompleted, m.Status)
}

func TestReviewLoopCapIsTerminal(t *testing.T) {
	limits := manifest.DefaultLimits()
	limits.MaxReviewIterations = 1
	o, layout := newRun(t, manifest.ModeFixture, limits)
	seedFixtureRun(t, layout)
	writeJSONArtifact(t, layout.ReviewPath(), types.Review{Decision: types.ReviewChangesRequired, Notes: "rework"})

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := o.Tick(ctx)
		require.NoError(t, err)
	}
	m, err := o.store.LoadManifest()
	require.NoError(t, err)
	require.Equal(t, manifest.StageSynthesis, m.Stage.Current)

	writeArtifact(t, layout.SynthesisPath(), synthesisDoc())
	writeJSONArtifact(t, layout.ReviewPath(), types.Review{Decision: types.ReviewChangesRequired, Notes: "still rework"})
	_, err = o.Tick(ctx)
	require.NoError(t, err)

	_, err = o.Tick(ctx)
	assert.Equal(t, manifest.CodeReviewCapExceeded, manifest.CodeOf(err))
}

func TestPauseResume(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())

	m, err := o.Pause("operator stepping away")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPaused, m.Status)
	assert.FileExists(t, layout.CheckpointPath("pause"))

	_, err = o.Tick(context.Background())
	assert.Equal(t, manifest.CodeRunNotActive, manifest.CodeOf(err))

	// Pausing twice is rejected.
	_, err = o.Pause("again")
	assert.Equal(t, manifest.CodeRunNotActive, manifest.CodeOf(err))

	m, err = o.Resume()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRunning, m.Status)
}

func TestCancelIsTerminal(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())

	m, err := o.Cancel("query superseded")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCancelled, m.Status)
	assert.FileExists(t, layout.CheckpointPath("cancel"))

	_, err = o.Resume()
	assert.Equal(t, manifest.CodeRunNotActive, manifest.CodeOf(err))
	_, err = o.Cancel("again")
	assert.Equal(t, manifest.CodeRunNotActive, manifest.CodeOf(err))
	_, err = o.Tick(context.Background())
	assert.Equal(t, manifest.CodeRunNotActive, manifest.CodeOf(err))
}

func TestTickRefusedWhileLockHeld(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	seedFixtureRun(t, layout)

	lock, err := runlock.Acquire(layout.LockPath(), time.Minute, runlock.WithHolderID("another-process"))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = o.Tick(context.Background())
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeLockHeld, ee.Code)
	assert.Equal(t, "another-process", ee.Details["holder_id"])
}

func TestWatchdogTimesOutAfterStageWork(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	seedFixtureRun(t, layout)

	// The pre-dispatch check sees a fresh run; by the post-dispatch check the
	// stage deadline has long passed.
	var calls int
	o.watchdog = watchdog.New(o.store).WithClock(func() time.Time {
		calls++
		if calls == 1 {
			return time.Now().UTC()
		}
		return time.Now().UTC().Add(2 * time.Hour)
	})

	_, err := o.Tick(context.Background())
	assert.Equal(t, manifest.CodeStageTimeout, manifest.CodeOf(err))

	m, lerr := o.store.LoadManifest()
	require.NoError(t, lerr)
	assert.Equal(t, manifest.StatusFailed, m.Status)
}

func TestCancelRefusedWhileLockHeld(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())

	lock, err := runlock.Acquire(layout.LockPath(), time.Minute, runlock.WithHolderID("in-flight-tick"))
	require.NoError(t, err)

	_, err = o.Cancel("query superseded")
	assert.Equal(t, manifest.CodeLockHeld, manifest.CodeOf(err))
	m, lerr := o.store.LoadManifest()
	require.NoError(t, lerr)
	assert.Equal(t, manifest.StatusRunning, m.Status)

	// Once the lock is free the cancel lands and releases its own lease.
	require.NoError(t, lock.Release())
	m, err = o.Cancel("query superseded")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCancelled, m.Status)
	assert.NoFileExists(t, layout.LockPath())
}

func TestPauseRefusedWhileLockHeld(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())

	lock, err := runlock.Acquire(layout.LockPath(), time.Minute, runlock.WithHolderID("in-flight-tick"))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = o.Pause("operator stepping away")
	assert.Equal(t, manifest.CodeLockHeld, manifest.CodeOf(err))
}

func TestTickRefusesDurableWritesOnceInterrupted(t *testing.T) {
	o, layout := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())
	seedFixtureRun(t, layout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Tick(ctx)
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeLockHeld, ee.Code)
	assert.Contains(t, ee.Message, "interrupted")

	// Nothing advanced, and a fresh tick with a live context picks up cleanly.
	m, lerr := o.store.LoadManifest()
	require.NoError(t, lerr)
	assert.Equal(t, manifest.StageInit, m.Stage.Current)

	m, err = o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manifest.StagePerspectives, m.Stage.Current)
}

func TestStatusProjectsFreshRun(t *testing.T) {
	o, _ := newRun(t, manifest.ModeFixture, manifest.DefaultLimits())

	snap, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, "grid storage economics", snap.Query)
	assert.Equal(t, manifest.StageInit, snap.Stage)
	assert.Equal(t, manifest.StatusRunning, snap.Status)
	assert.Len(t, snap.Gates, len(manifest.AllGateIDs))
	for _, status := range snap.Gates {
		assert.Equal(t, manifest.GateNotRun, status)
	}
	assert.Empty(t, snap.History)
	require.NotEmpty(t, snap.RecentEvents)
	assert.Equal(t, runstore.EventRunInit, snap.RecentEvents[0].Kind)
}
