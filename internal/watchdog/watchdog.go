// Package watchdog detects stalled stages. A stage that has made no progress
// within its configured timeout is not allowed to keep consuming ticks: the
// run is marked failed and a checkpoint explains how to recover. Paused runs
// are never timed out, since operator time is not stage time.
package watchdog

import (
	"fmt"
	"time"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

// Watchdog evaluates stage deadlines against the persisted manifest.
type Watchdog struct {
	store *runstore.Store
	now   func() time.Time
}

// New builds a watchdog over one run.
func New(store *runstore.Store) *Watchdog {
	return &Watchdog{store: store, now: time.Now}
}

// WithClock overrides the time source for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Check reports whether the current stage has exceeded its timeout. It does
// not mutate anything. Paused and terminal runs never time out; a stage with
// no configured timeout never times out.
func Check(m *manifest.Manifest, now time.Time) error {
	if m.Status != manifest.StatusRunning {
		return nil
	}
	timeout := m.Limits.StageTimeout(m.Stage.Current)
	if timeout <= 0 {
		return nil
	}
	last := m.Stage.LastProgressAt
	if last.IsZero() {
		last = m.Stage.StartedAt
	}
	if last.IsZero() {
		return nil
	}
	elapsed := now.Sub(last)
	if elapsed <= timeout {
		return nil
	}
	return manifest.NewEngineError(manifest.CodeStageTimeout,
		fmt.Sprintf("stage %s has made no progress for %s (timeout %s)",
			m.Stage.Current, elapsed.Round(time.Second), timeout),
		map[string]any{
			"stage":            string(m.Stage.Current),
			"last_progress_at": last,
			"timeout_sec":      int(timeout.Seconds()),
		})
}

// Enforce runs Check and, on a timeout, persists the failure: the run is
// marked failed, a checkpoint is written for the operator, and the audit log
// records the stall. Returns the STAGE_TIMEOUT error when the stage stalled.
func (w *Watchdog) Enforce(m *manifest.Manifest) error {
	err := Check(m, w.now())
	if err == nil {
		return nil
	}
	stage := m.Stage.Current

	cp := types.Checkpoint{
		Kind:   "stage_timeout",
		Stage:  string(stage),
		Reason: err.Error(),
		ResumeGuidance: "inspect the stage directory for partial outputs, " +
			"then start a fresh run or raise the stage timeout in limits",
		WrittenAt: w.now().UTC(),
	}
	rel := w.store.Layout().Rel(w.store.Layout().CheckpointPath("stage_timeout_" + string(stage)))
	if werr := w.store.WriteJSONArtifact(schemas.DocCheckpoint, rel, cp); werr != nil {
		return fmt.Errorf("write timeout checkpoint: %w", werr)
	}

	if _, serr := w.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		cur.Status = manifest.StatusFailed
		return nil
	}); serr != nil {
		return serr
	}

	if aerr := w.store.AppendAudit(runstore.AuditEvent{
		Kind:   runstore.EventStageTimeout,
		Stage:  string(stage),
		Actor:  "watchdog",
		Reason: err.Error(),
	}); aerr != nil {
		return aerr
	}
	return err
}
