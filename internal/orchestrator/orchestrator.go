// Package orchestrator drives research runs: it owns run creation, the tick
// loop that moves a run through its stages, ingestion of externally produced
// content, and the operator controls. All durable state lives in the run
// directory; the orchestrator itself can be killed at any point and a later
// tick resumes from what is on disk.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/research-orchestrator/internal/agent"
	"github.com/jonathan/research-orchestrator/internal/citations"
	"github.com/jonathan/research-orchestrator/internal/db"
	"github.com/jonathan/research-orchestrator/internal/engine"
	"github.com/jonathan/research-orchestrator/internal/gates"
	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runlock"
	"github.com/jonathan/research-orchestrator/internal/runstore"
	"github.com/jonathan/research-orchestrator/internal/watchdog"
)

// Orchestrator coordinates one run directory.
type Orchestrator struct {
	store    *runstore.Store
	engine   *engine.Engine
	gates    *gates.Evaluator
	watchdog *watchdog.Watchdog
	delegate agent.Delegate
	fetcher  citations.Fetcher
	mirror   *db.Mirror
	verbose  bool
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDelegate supplies the live-mode delegate.
func WithDelegate(d agent.Delegate) Option {
	return func(o *Orchestrator) { o.delegate = d }
}

// WithFetcher overrides the citation fetcher.
func WithFetcher(f citations.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithMirror enables the optional database mirror.
func WithMirror(m *db.Mirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

// WithVerbose enables progress logging.
func WithVerbose(v bool) Option {
	return func(o *Orchestrator) { o.verbose = v }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator over a run directory.
func New(root string, opts ...Option) *Orchestrator {
	store := runstore.Open(runstore.NewLayout(root))
	o := &Orchestrator{
		store:    store,
		engine:   engine.New(store),
		gates:    gates.New(store),
		watchdog: watchdog.New(store),
		fetcher:  citations.NewFetcher(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store exposes the underlying run store, mainly for status projections.
func (o *Orchestrator) Store() *runstore.Store {
	return o.store
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.verbose {
		log.Printf(format, args...)
	}
}

// InitParams configures run creation.
type InitParams struct {
	Query       string
	Mode        manifest.Mode
	Sensitivity string
	Limits      manifest.Limits
}

// Init creates a new run directory: skeleton, manifest at revision 1, gate
// ledger with every gate not_run, and the first audit event.
func (o *Orchestrator) Init(p InitParams) (*manifest.Manifest, error) {
	if p.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if _, ok := manifest.ParseMode(string(p.Mode)); !ok {
		return nil, fmt.Errorf("unknown mode %q", p.Mode)
	}
	if err := o.store.Layout().Init(); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	m := &manifest.Manifest{
		RunID:       uuid.New().String(),
		Query:       p.Query,
		Mode:        p.Mode,
		Sensitivity: p.Sensitivity,
		Revision:    1,
		Status:      manifest.StatusRunning,
		Stage: manifest.StageState{
			Current:        manifest.StageInit,
			StartedAt:      now,
			LastProgressAt: now,
			History:        []manifest.Transition{},
		},
		Limits:    p.Limits,
		CreatedAt: now,
	}
	if m.Limits.MaxRetriesPerUnit == 0 && m.Limits.MaxReviewIterations == 0 {
		m.Limits = manifest.DefaultLimits()
	}
	if err := o.store.CreateManifest(m); err != nil {
		return nil, err
	}
	if err := o.store.WriteGates(manifest.NewGateLedger(m.RunID)); err != nil {
		return nil, err
	}
	if err := o.store.AppendAudit(runstore.AuditEvent{
		Kind:  runstore.EventRunInit,
		Stage: string(manifest.StageInit),
		Actor: "operator",
		Details: map[string]any{
			"mode":  string(p.Mode),
			"query": p.Query,
		},
	}); err != nil {
		return nil, err
	}
	o.mirrorEvent(m, runstore.EventRunInit, "")
	o.logf("[INIT] run %s created in %s mode", m.RunID, m.Mode)
	return m, nil
}

// leaseFor returns the run-lock lease duration the manifest configures.
func leaseFor(m *manifest.Manifest) time.Duration {
	lease := time.Duration(m.Limits.LockLeaseSec) * time.Second
	if lease <= 0 {
		lease = 60 * time.Second
	}
	return lease
}

// tickInterrupted is consulted before every durable write inside a tick. A
// done context means the heartbeat lost the run lock lease (or the caller
// cancelled), so continuing to write could race the lock's new holder.
func tickInterrupted(ctx context.Context) error {
	if cerr := ctx.Err(); cerr != nil {
		return manifest.NewEngineError(manifest.CodeLockHeld,
			"tick interrupted before a durable write: run lock lease lost or tick cancelled",
			map[string]any{"cause": cerr.Error()})
	}
	return nil
}

// Tick performs one unit of forward progress: it takes the run lock, checks
// the watchdog, performs the current stage's work, and advances when the
// stage's exit conditions hold. The watchdog runs again after the stage work
// so a stage that consumed the tick without progressing is caught on the
// same tick, not the next one. Ticks are idempotent; re-running a tick
// after a crash either redoes no-op work or picks up exactly where the
// previous one stopped.
func (o *Orchestrator) Tick(ctx context.Context) (*manifest.Manifest, error) {
	m, err := o.store.LoadManifest()
	if err != nil {
		return nil, err
	}
	if m.Status != manifest.StatusRunning {
		return nil, manifest.NewEngineError(manifest.CodeRunNotActive,
			fmt.Sprintf("run is %s", m.Status),
			map[string]any{"status": string(m.Status)})
	}

	lease := leaseFor(m)
	lock, err := runlock.Acquire(o.store.Layout().LockPath(), lease)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	// A refresh failure means another process may already own the run, so
	// the tick's context is cancelled rather than letting work race.
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := runlock.NewHeartbeat(lock, lease, func(herr error) {
		_ = o.store.AppendAudit(runstore.AuditEvent{
			Kind:   runstore.EventLockLost,
			Stage:  string(m.Stage.Current),
			Actor:  "heartbeat",
			Reason: herr.Error(),
		})
		cancel()
	})
	hb.Start(hbCtx)
	defer hb.Stop()

	if err := o.watchdog.Enforce(m); err != nil {
		return nil, err
	}

	o.logf("[TICK] run %s at stage %s (revision %d)", m.RunID, m.Stage.Current, m.Revision)

	updated, err := o.dispatch(hbCtx, m)
	if err != nil {
		return nil, err
	}
	if err := o.watchdog.Enforce(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	switch m.Stage.Current {
	case manifest.StageInit:
		return o.tickInit(ctx, m)
	case manifest.StagePerspectives:
		return o.tickPerspectives(ctx, m)
	case manifest.StageWave1:
		return o.tickWave(ctx, m, 1)
	case manifest.StagePivot:
		return o.tickPivot(ctx, m)
	case manifest.StageWave2:
		return o.tickWave(ctx, m, 2)
	case manifest.StageCitations:
		return o.tickCitations(ctx, m)
	case manifest.StageSummaries:
		return o.tickSummaries(ctx, m)
	case manifest.StageSynthesis:
		return o.tickSynthesis(ctx, m)
	case manifest.StageReview:
		return o.tickReview(ctx, m)
	case manifest.StageFinalize:
		// Entering finalize marks the run completed, so an active run can
		// never sit here.
		return nil, manifest.NewEngineError(manifest.CodeInvalidState,
			"run is at finalize but still marked running", nil)
	default:
		return nil, manifest.NewEngineError(manifest.CodeInvalidState,
			fmt.Sprintf("unknown stage %q", m.Stage.Current), nil)
	}
}

func (o *Orchestrator) mirrorEvent(m *manifest.Manifest, kind, detail string) {
	if o.mirror == nil {
		return
	}
	ctx := context.Background()
	if err := o.mirror.UpsertRun(ctx, m.RunID, m.Query, string(m.Mode), string(m.Status), string(m.Stage.Current), m.Revision); err != nil {
		log.Printf("[WARN] database mirror unavailable, continuing without persistence: %v", err)
		return
	}
	if err := o.mirror.RecordEvent(ctx, m.RunID, kind, string(m.Stage.Current), detail); err != nil {
		log.Printf("[WARN] database mirror unavailable, continuing without persistence: %v", err)
	}
}

func (o *Orchestrator) mirrorArtifact(m *manifest.Manifest, stage manifest.Stage, name string, content any) {
	if o.mirror == nil {
		return
	}
	if err := o.mirror.SaveArtifact(context.Background(), m.RunID, string(stage), name, content); err != nil {
		log.Printf("[WARN] database mirror unavailable, continuing without persistence: %v", err)
	}
}
