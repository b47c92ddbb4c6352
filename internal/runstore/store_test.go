package runstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	layout := NewLayout(t.TempDir())
	require.NoError(t, layout.Init())
	return Open(layout)
}

func testManifest() *manifest.Manifest {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &manifest.Manifest{
		RunID:    "run-1",
		Query:    "grid storage economics",
		Mode:     manifest.ModeFixture,
		Revision: 1,
		Status:   manifest.StatusRunning,
		Stage: manifest.StageState{
			Current:        manifest.StageInit,
			StartedAt:      now,
			LastProgressAt: now,
			History:        []manifest.Transition{},
		},
		Limits:    manifest.DefaultLimits(),
		CreatedAt: now,
	}
}

func TestManifestRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateManifest(testManifest()))

	m, err := s.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, 1, m.Revision)
	assert.Equal(t, manifest.StageInit, m.Stage.Current)

	// A second create must not clobber the existing run.
	err = s.CreateManifest(testManifest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSaveManifestBumpsRevision(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateManifest(testManifest()))

	updated, err := s.SaveManifest(1, func(cur *manifest.Manifest) error {
		cur.Status = manifest.StatusPaused
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Revision)
	assert.Equal(t, manifest.StatusPaused, updated.Status)

	reloaded, err := s.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Revision)
}

func TestSaveManifestStaleRevision(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateManifest(testManifest()))

	_, err := s.SaveManifest(1, func(cur *manifest.Manifest) error { return nil })
	require.NoError(t, err)

	// A writer still holding revision 1 conflicts instead of clobbering.
	_, err = s.SaveManifest(1, func(cur *manifest.Manifest) error { return nil })
	ee := manifest.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, manifest.CodeConcurrencyConflict, ee.Code)
	assert.Equal(t, 2, ee.Details["revision"])
}

func TestLoadManifestRejectsInvalidDocument(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Layout().ManifestPath(), []byte(`{"run_id": "run-1"}`), 0o644))

	_, err := s.LoadManifest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest rejected")
}

func TestGatesRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.WriteGates(manifest.NewGateLedger("run-1")))

	gl, err := s.LoadGates()
	require.NoError(t, err)
	assert.Equal(t, 1, gl.Revision)
	require.Len(t, gl.Gates, 6)

	updated, err := s.SaveGates(1, func(cur *manifest.GateLedger) error {
		cur.Gates[manifest.GatePlanning].Status = manifest.GatePass
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Revision)
	assert.True(t, updated.Passed(manifest.GatePlanning))

	_, err = s.SaveGates(1, func(cur *manifest.GateLedger) error { return nil })
	assert.Equal(t, manifest.CodeConcurrencyConflict, manifest.CodeOf(err))
}

func TestWriteFileAtomicCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "artifact.md")
	require.NoError(t, WriteFileAtomic(path, []byte("content"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	// No temp files survive a successful promote.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJSONArtifactValidation(t *testing.T) {
	s := newStore(t)
	rel := s.Layout().Rel(s.Layout().PivotPath())

	err := s.WriteJSONArtifact(schemas.DocPivot, rel, map[string]any{"escalate": "yes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to persist")
	assert.False(t, s.ArtifactExists(rel))

	decision := types.PivotDecision{Gaps: []types.Gap{}, Escalate: false, InputsDigest: manifest.ContentDigest(nil)}
	require.NoError(t, s.WriteJSONArtifact(schemas.DocPivot, rel, decision))
	require.True(t, s.ArtifactExists(rel))

	var out types.PivotDecision
	require.NoError(t, s.ReadJSONArtifact(schemas.DocPivot, rel, &out))
	assert.Equal(t, decision, out)
}

func TestAuditAppendOrder(t *testing.T) {
	s := newStore(t)

	events, err := s.ReadAudit()
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, s.AppendAudit(AuditEvent{Kind: EventRunInit, Stage: "init"}))
	require.NoError(t, s.AppendAudit(AuditEvent{Kind: EventStageAdvance, Stage: "perspectives", Actor: "engine"}))

	events, err = s.ReadAudit()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunInit, events[0].Kind)
	assert.Equal(t, EventStageAdvance, events[1].Kind)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].At.IsZero())
	// Actor defaults when the caller leaves it empty.
	assert.Equal(t, "engine", events[0].Actor)
}

func TestLayoutRelAbs(t *testing.T) {
	layout := NewLayout(t.TempDir())
	abs := layout.UnitOutputPath(manifest.StageWave1, "p1")
	rel := layout.Rel(abs)
	assert.Equal(t, filepath.Join("stages", "wave1", "p1.md"), rel)
	assert.Equal(t, abs, layout.Abs(rel))
}

func TestLayoutForManifest(t *testing.T) {
	layout := NewLayout(t.TempDir())
	derived := LayoutForManifest(layout.ManifestPath())
	assert.Equal(t, layout.Root, derived.Root)
	assert.Equal(t, layout.GatesPath(), derived.GatesPath())
}
