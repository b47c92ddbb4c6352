package orchestrator

import (
	"fmt"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runlock"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/schemas"
	"github.com/jonathan/research-orchestrator/internal/types"
)

// transientLock takes the run lock for the duration of one control-plane
// status write. Controls never tick, but their manifest write must not race
// an in-flight tick holding the lock; LOCK_HELD tells the operator to retry.
func (o *Orchestrator) transientLock(m *manifest.Manifest) (*runlock.Handle, error) {
	return runlock.Acquire(o.store.Layout().LockPath(), leaseFor(m))
}

// Pause suspends a running run. Paused runs reject ticks and are exempt
// from stage timeouts until resumed.
func (o *Orchestrator) Pause(reason string) (*manifest.Manifest, error) {
	m, err := o.store.LoadManifest()
	if err != nil {
		return nil, err
	}
	if m.Status != manifest.StatusRunning {
		return nil, manifest.NewEngineError(manifest.CodeRunNotActive,
			fmt.Sprintf("cannot pause a %s run", m.Status), nil)
	}
	lock, err := o.transientLock(m)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()
	updated, err := o.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		cur.Status = manifest.StatusPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.writeControlCheckpoint("pause", updated, reason,
		"resume with the resume command; stage timers restart from resume time"); err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:   runstore.EventRunPaused,
		Stage:  string(updated.Stage.Current),
		Actor:  "operator",
		Reason: reason,
	}); err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventRunPaused, reason)
	return updated, nil
}

// Resume reactivates a paused run. The progress clock restarts so the pause
// interval never counts against the stage timeout.
func (o *Orchestrator) Resume() (*manifest.Manifest, error) {
	m, err := o.store.LoadManifest()
	if err != nil {
		return nil, err
	}
	if m.Status != manifest.StatusPaused {
		return nil, manifest.NewEngineError(manifest.CodeRunNotActive,
			fmt.Sprintf("cannot resume a %s run", m.Status), nil)
	}
	lock, err := o.transientLock(m)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()
	updated, err := o.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		cur.Status = manifest.StatusRunning
		cur.Stage.LastProgressAt = o.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:  runstore.EventRunResumed,
		Stage: string(updated.Stage.Current),
		Actor: "operator",
	}); err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventRunResumed, "")
	return updated, nil
}

// Cancel terminally abandons a run. The run directory is left intact for
// inspection; only the status changes.
func (o *Orchestrator) Cancel(reason string) (*manifest.Manifest, error) {
	m, err := o.store.LoadManifest()
	if err != nil {
		return nil, err
	}
	if manifest.TerminalStatus(m.Status) {
		return nil, manifest.NewEngineError(manifest.CodeRunNotActive,
			fmt.Sprintf("run is already %s", m.Status), nil)
	}
	lock, err := o.transientLock(m)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()
	updated, err := o.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		cur.Status = manifest.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.writeControlCheckpoint("cancel", updated, reason,
		"cancelled runs cannot be resumed; start a fresh run to retry the query"); err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:   runstore.EventRunCancelled,
		Stage:  string(updated.Stage.Current),
		Actor:  "operator",
		Reason: reason,
	}); err != nil {
		return nil, err
	}
	o.mirrorEvent(updated, runstore.EventRunCancelled, reason)
	return updated, nil
}

func (o *Orchestrator) writeControlCheckpoint(kind string, m *manifest.Manifest, reason, guidance string) error {
	cp := types.Checkpoint{
		Kind:           kind,
		Stage:          string(m.Stage.Current),
		Reason:         reason,
		ResumeGuidance: guidance,
		WrittenAt:      o.now().UTC(),
	}
	rel := o.store.Layout().Rel(o.store.Layout().CheckpointPath(kind))
	return o.store.WriteJSONArtifact(schemas.DocCheckpoint, rel, cp)
}

// Snapshot is the operator-facing projection of a run's state.
type Snapshot struct {
	RunID            string                                  `json:"run_id"`
	Query            string                                  `json:"query"`
	Mode             manifest.Mode                           `json:"mode"`
	Status           manifest.Status                         `json:"status"`
	Stage            manifest.Stage                          `json:"stage"`
	Revision         int                                     `json:"revision"`
	ReviewIterations int                                     `json:"review_iterations"`
	Gates            map[manifest.GateID]manifest.GateStatus `json:"gates"`
	RetryCounts      map[string]int                          `json:"retry_counts,omitempty"`
	MissingUnits     []types.MissingUnit                     `json:"missing_units,omitempty"`
	History          []manifest.Transition                   `json:"history"`
	RecentEvents     []runstore.AuditEvent                   `json:"recent_events,omitempty"`
}

// Status projects the run's durable state into one document.
func (o *Orchestrator) Status() (*Snapshot, error) {
	m, err := o.store.LoadManifest()
	if err != nil {
		return nil, err
	}
	gl, err := o.store.LoadGates()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		RunID:            m.RunID,
		Query:            m.Query,
		Mode:             m.Mode,
		Status:           m.Status,
		Stage:            m.Stage.Current,
		Revision:         m.Revision,
		ReviewIterations: m.ReviewIterations(),
		Gates:            make(map[manifest.GateID]manifest.GateStatus, len(gl.Gates)),
		RetryCounts:      m.RetryCounts,
		History:          m.Stage.History,
	}
	for id, g := range gl.Gates {
		snap.Gates[id] = g.Status
	}

	haltRel := o.store.Layout().Rel(o.store.Layout().HaltPath())
	if o.store.ArtifactExists(haltRel) {
		var hs types.HaltState
		if err := o.store.ReadJSONArtifact(schemas.DocHalt, haltRel, &hs); err == nil {
			snap.MissingUnits = hs.MissingUnits
		}
	}

	events, err := o.store.ReadAudit()
	if err == nil && len(events) > 0 {
		n := 10
		if len(events) < n {
			n = len(events)
		}
		snap.RecentEvents = events[len(events)-n:]
	}
	return snap, nil
}
