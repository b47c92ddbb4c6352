package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/orchestrator"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/types"
)

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintSnapshot(&orchestrator.Snapshot{
		RunID:    "run-42",
		Query:    "grid storage economics",
		Mode:     manifest.ModeTask,
		Status:   manifest.StatusRunning,
		Stage:    manifest.StageWave1,
		Revision: 4,
		Gates: map[manifest.GateID]manifest.GateStatus{
			manifest.GatePlanning:       manifest.GatePass,
			manifest.GateOutputContract: manifest.GateNotRun,
			manifest.GateCitations:      manifest.GateNotRun,
			manifest.GateSummaries:      manifest.GateNotRun,
			manifest.GateSynthesis:      manifest.GateNotRun,
			manifest.GateRollout:        manifest.GateNotRun,
		},
		MissingUnits: []types.MissingUnit{
			{Stage: "wave1", UnitID: "p1", PromptPath: "operator/prompts/wave1/p1.prompt.md", OutputPath: "stages/wave1/p1.md"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "run-42")
	assert.Contains(t, out, "✓ A pass")
	assert.Contains(t, out, "wave1/p1")
	assert.Contains(t, out, "RESEARCH RUN")
}

func TestPrintSnapshotNil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintSnapshot(nil)
	assert.Empty(t, buf.String())
}

func TestPrintSnapshotRecentEvents(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	events := make([]runstore.AuditEvent, 0, 7)
	for i := 0; i < 7; i++ {
		events = append(events, runstore.AuditEvent{
			Kind: runstore.EventStageAdvance,
			At:   time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC),
		})
	}
	p.PrintSnapshot(&orchestrator.Snapshot{
		RunID:        "run-42",
		Query:        "q",
		Mode:         manifest.ModeFixture,
		Status:       manifest.StatusRunning,
		Stage:        manifest.StageInit,
		RecentEvents: events,
	})

	out := buf.String()
	assert.Contains(t, out, "RECENT EVENTS")
	// Only the newest events are shown.
	assert.Equal(t, maxEventsToShow, strings.Count(out, "stage_advance"))
	assert.Contains(t, out, "09:06:00")
	assert.NotContains(t, out, "09:00:00")
}
