// Package engine applies stage transitions. It is the only component that
// mutates manifest.stage: every advance is checked against the transition
// table, every check outcome is recorded in an aggregated decision, and the
// decision is appended to the audit log whether or not the advance was
// allowed.
package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runstore"
)

// Check is one evaluated precondition of a requested transition.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Decision is the aggregated verdict for one requested transition. All
// preconditions are evaluated even after the first failure, so the operator
// sees everything standing between the run and the next stage at once.
type Decision struct {
	From    manifest.Stage `json:"from"`
	To      manifest.Stage `json:"to"`
	Allowed bool           `json:"allowed"`
	Checks  []Check        `json:"checks"`
	Digest  string         `json:"digest,omitempty"`
}

// Engine drives the stage state machine for one run.
type Engine struct {
	store *runstore.Store
	now   func() time.Time
}

// New builds an engine over one run store.
func New(store *runstore.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate builds the decision for advancing from the manifest's current
// stage to the requested one, without applying anything.
func (e *Engine) Evaluate(m *manifest.Manifest, gl *manifest.GateLedger, to manifest.Stage) Decision {
	from := m.Stage.Current
	d := Decision{From: from, To: to}

	rule, ok := manifest.RuleFor(from, to)
	if !ok {
		d.Checks = append(d.Checks, Check{
			Name:   "edge_exists",
			OK:     false,
			Detail: fmt.Sprintf("no transition %s -> %s; valid successors: %v", from, to, manifest.Successors(from)),
		})
		d.finish()
		return d
	}
	d.Checks = append(d.Checks, Check{Name: "edge_exists", OK: true})

	for _, rel := range rule.Artifacts {
		c := Check{Name: "artifact:" + rel, OK: e.store.ArtifactExists(rel)}
		if !c.OK {
			c.Detail = "required artifact does not exist"
		}
		d.Checks = append(d.Checks, c)
	}

	for _, id := range rule.HardGates {
		c := Check{Name: "gate:" + string(id), OK: gl.Passed(id)}
		if !c.OK {
			status := manifest.GateNotRun
			if g := gl.Gate(id); g != nil {
				status = g.Status
			}
			c.Detail = fmt.Sprintf("hard gate is %s, must be pass", status)
		}
		d.Checks = append(d.Checks, c)
	}

	if rule.ReviewLoop {
		used := m.ReviewIterations()
		c := Check{Name: "review_iterations", OK: used < m.Limits.MaxReviewIterations}
		if !c.OK {
			c.Detail = fmt.Sprintf("%d of %d review iterations already used", used, m.Limits.MaxReviewIterations)
		}
		d.Checks = append(d.Checks, c)
	}

	d.finish()
	return d
}

func (d *Decision) finish() {
	d.Allowed = true
	for _, c := range d.Checks {
		if !c.OK {
			d.Allowed = false
			break
		}
	}
	digest, err := manifest.CanonicalDigest(struct {
		From    manifest.Stage `json:"from"`
		To      manifest.Stage `json:"to"`
		Allowed bool           `json:"allowed"`
		Checks  []Check        `json:"checks"`
	}{d.From, d.To, d.Allowed, d.Checks})
	if err == nil {
		d.Digest = digest
	}
}

// failedCheck returns the first failing check.
func (d Decision) failedCheck() (Check, bool) {
	for _, c := range d.Checks {
		if !c.OK {
			return c, true
		}
	}
	return Check{}, false
}

// rejection maps the decision's first failure to the engine error code the
// caller branches on, while the details carry the whole decision.
func (d Decision) rejection() *manifest.EngineError {
	c, ok := d.failedCheck()
	if !ok {
		return nil
	}
	code := manifest.CodeInvalidState
	switch {
	case c.Name == "review_iterations":
		code = manifest.CodeReviewCapExceeded
	case strings.HasPrefix(c.Name, "gate:"):
		code = manifest.CodeGateBlocked
	case strings.HasPrefix(c.Name, "artifact:"):
		code = manifest.CodeMissingArtifact
	}
	return manifest.NewEngineError(code,
		fmt.Sprintf("cannot advance %s -> %s: %s", d.From, d.To, c.Detail),
		map[string]any{"decision": d})
}

// Advance applies the transition to the requested stage. The manifest and
// gate ledger are the caller's freshly loaded copies; the write carries the
// manifest revision the caller read, so concurrent writers conflict instead
// of racing. On success the returned manifest reflects the new stage.
func (e *Engine) Advance(m *manifest.Manifest, gl *manifest.GateLedger, to manifest.Stage, actor, reason string) (*manifest.Manifest, error) {
	if m.Status != manifest.StatusRunning {
		return nil, manifest.NewEngineError(manifest.CodeRunNotActive,
			fmt.Sprintf("run is %s, not running", m.Status),
			map[string]any{"status": string(m.Status)})
	}

	from := m.Stage.Current
	d := e.Evaluate(m, gl, to)
	if !d.Allowed {
		rej := d.rejection()
		if aerr := e.store.AppendAudit(runstore.AuditEvent{
			Kind:   runstore.EventAdvanceRejected,
			Stage:  string(from),
			Actor:  actor,
			Reason: rej.Message,
			Details: map[string]any{
				"decision": d,
			},
		}); aerr != nil {
			return nil, aerr
		}
		return nil, rej
	}

	at := e.now().UTC()
	updated, err := e.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		if cur.Stage.Current != from {
			return manifest.NewEngineError(manifest.CodeInvalidState,
				fmt.Sprintf("stage moved to %s while deciding %s -> %s", cur.Stage.Current, from, to), nil)
		}
		cur.Stage.History = append(cur.Stage.History, manifest.Transition{From: from, To: to, At: at})
		cur.Stage.Current = to
		cur.Stage.StartedAt = at
		cur.Stage.LastProgressAt = at
		if to == manifest.StageFinalize {
			cur.Status = manifest.StatusCompleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.AppendAudit(runstore.AuditEvent{
		Kind:   runstore.EventStageAdvance,
		Stage:  string(to),
		Actor:  actor,
		Reason: reason,
		Details: map[string]any{
			"decision": d,
			"revision": updated.Revision,
		},
	}); err != nil {
		return nil, err
	}
	if to == manifest.StageFinalize {
		if err := e.store.AppendAudit(runstore.AuditEvent{
			Kind:  runstore.EventRunCompleted,
			Stage: string(to),
			Actor: actor,
		}); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Touch records stage progress without changing the stage, resetting the
// watchdog deadline. Used after ingesting a unit or finishing partial work.
func (e *Engine) Touch(m *manifest.Manifest) (*manifest.Manifest, error) {
	at := e.now().UTC()
	return e.store.SaveManifest(m.Revision, func(cur *manifest.Manifest) error {
		cur.Stage.LastProgressAt = at
		return nil
	})
}
