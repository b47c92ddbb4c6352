package gates

import (
	"fmt"
	"os"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/runstore"
)

// Write merges gate verdicts into the persisted ledger. expectedRevision is
// the ledger revision the evaluator read before computing; a concurrent
// write in between surfaces as CONCURRENCY_CONFLICT. inputsDigest is the
// canonical digest of the artifacts the evaluation considered: it is
// recomputed from the verdicts' artifacts at write time, and a mismatch
// means those artifacts changed after evaluation, so the write is rejected
// rather than recording verdicts about inputs that no longer exist.
func Write(store *runstore.Store, expectedRevision int, inputsDigest string, verdicts ...*manifest.Gate) (*manifest.GateLedger, error) {
	if inputsDigest == "" {
		return nil, fmt.Errorf("gate write requires an inputs digest")
	}
	for _, v := range verdicts {
		if _, ok := knownGate(v.ID); !ok {
			return nil, fmt.Errorf("unknown gate id %q", v.ID)
		}
	}

	current, err := evaluatedInputsDigest(store, verdicts)
	if err != nil {
		return nil, err
	}
	if current != inputsDigest {
		return nil, manifest.NewEngineError(manifest.CodeConcurrencyConflict,
			"gate inputs changed since evaluation; re-evaluate against the current artifacts",
			map[string]any{"evaluated_digest": inputsDigest, "current_digest": current})
	}

	updated, err := store.SaveGates(expectedRevision, func(gl *manifest.GateLedger) error {
		gl.InputsDigest = inputsDigest
		for _, v := range verdicts {
			gl.Gates[v.ID] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	details := map[string]any{"inputs_digest": inputsDigest}
	for _, v := range verdicts {
		details["gate_"+string(v.ID)] = string(v.Status)
	}
	if err := store.AppendAudit(runstore.AuditEvent{
		Kind:    runstore.EventGatesWrite,
		Actor:   "gates",
		Details: details,
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// evaluatedInputsDigest recomputes the canonical digest over the current
// content of every artifact the verdicts claim to describe. An artifact that
// vanished after evaluation digests to the empty string, which can never
// match a caller digest taken while it existed.
func evaluatedInputsDigest(store *runstore.Store, verdicts []*manifest.Gate) (string, error) {
	inputs := make(map[string]string)
	for _, v := range verdicts {
		for _, rel := range v.Artifacts {
			data, err := os.ReadFile(store.Layout().Abs(rel))
			if err != nil {
				if os.IsNotExist(err) {
					inputs[rel] = ""
					continue
				}
				return "", fmt.Errorf("digest gate input %s: %w", rel, err)
			}
			inputs[rel] = manifest.ContentDigest(data)
		}
	}
	return manifest.CanonicalDigest(inputs)
}

func knownGate(id manifest.GateID) (manifest.GateID, bool) {
	for _, known := range manifest.AllGateIDs {
		if id == known {
			return id, true
		}
	}
	return "", false
}
