// Package runstore owns the on-disk layout of a run directory and every
// durable mutation of it: atomic manifest/gates writes with optimistic
// concurrency, artifact staging, and the append-only audit log. The run
// directory is the single source of truth; nothing about a run is ever held
// only in memory.
package runstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonathan/research-orchestrator/internal/manifest"
)

const (
	ManifestFile = "manifest.json"
	GatesFile    = "gates.json"
	AuditFile    = "audit.ndjson"
	LockFile     = "run.lock"

	stagesDir      = "stages"
	operatorDir    = "operator"
	promptsDir     = "prompts"
	checkpointsDir = "checkpoints"
	HaltFile       = "halt.json"
)

// Layout resolves paths inside one run directory.
type Layout struct {
	Root string
}

// NewLayout wraps a run root directory.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// LayoutForManifest derives the run layout from a manifest path.
func LayoutForManifest(manifestPath string) Layout {
	return Layout{Root: filepath.Dir(manifestPath)}
}

func (l Layout) ManifestPath() string { return filepath.Join(l.Root, ManifestFile) }
func (l Layout) GatesPath() string    { return filepath.Join(l.Root, GatesFile) }
func (l Layout) AuditPath() string    { return filepath.Join(l.Root, AuditFile) }
func (l Layout) LockPath() string     { return filepath.Join(l.Root, LockFile) }

// StageDir returns the artifact directory for a stage.
func (l Layout) StageDir(stage manifest.Stage) string {
	return filepath.Join(l.Root, stagesDir, string(stage))
}

// UnitOutputPath returns the content file for one unit of delegated work.
// Perspectives, pivot, citations and review are JSON documents; wave
// outputs, summaries and synthesis are markdown.
func (l Layout) UnitOutputPath(stage manifest.Stage, unitID string) string {
	switch stage {
	case manifest.StagePerspectives, manifest.StageInit:
		return filepath.Join(l.StageDir(manifest.StagePerspectives), "perspectives.json")
	case manifest.StageReview:
		return filepath.Join(l.StageDir(stage), "review.json")
	default:
		return filepath.Join(l.StageDir(stage), unitID+".md")
	}
}

// SidecarPath returns the ingestion sidecar for a unit output.
func (l Layout) SidecarPath(stage manifest.Stage, unitID string) string {
	return filepath.Join(l.StageDir(stage), unitID+".sidecar.json")
}

// PerspectivesPath is the stages/perspectives artifact.
func (l Layout) PerspectivesPath() string {
	return filepath.Join(l.StageDir(manifest.StagePerspectives), "perspectives.json")
}

// PivotPath is the stages/pivot artifact.
func (l Layout) PivotPath() string {
	return filepath.Join(l.StageDir(manifest.StagePivot), "pivot.json")
}

// CitationsPath is the stages/citations artifact.
func (l Layout) CitationsPath() string {
	return filepath.Join(l.StageDir(manifest.StageCitations), "citations.json")
}

// FixturesPath is the pre-recorded citation verdict file used by offline
// runs.
func (l Layout) FixturesPath() string {
	return filepath.Join(l.StageDir(manifest.StageCitations), "fixtures.json")
}

// SynthesisPath is the stages/synthesis artifact.
func (l Layout) SynthesisPath() string {
	return filepath.Join(l.StageDir(manifest.StageSynthesis), "synthesis.md")
}

// ReviewPath is the stages/review artifact.
func (l Layout) ReviewPath() string {
	return filepath.Join(l.StageDir(manifest.StageReview), "review.json")
}

// PromptPath returns the operator-visible prompt file for one unit.
func (l Layout) PromptPath(stage manifest.Stage, unitID string) string {
	return filepath.Join(l.Root, operatorDir, promptsDir, string(stage), unitID+".prompt.md")
}

// HaltPath is the operator halt-state document.
func (l Layout) HaltPath() string {
	return filepath.Join(l.Root, operatorDir, HaltFile)
}

// CheckpointPath returns an operator checkpoint file by name.
func (l Layout) CheckpointPath(name string) string {
	return filepath.Join(l.Root, operatorDir, checkpointsDir, name+".json")
}

// Rel converts an absolute path under the run root to a run-relative path.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return path
	}
	return rel
}

// Abs resolves a run-relative path against the run root.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Root, rel)
}

// Init creates the run directory skeleton.
func (l Layout) Init() error {
	dirs := []string{
		l.Root,
		filepath.Join(l.Root, stagesDir),
		filepath.Join(l.Root, operatorDir),
		filepath.Join(l.Root, operatorDir, promptsDir),
		filepath.Join(l.Root, operatorDir, checkpointsDir),
	}
	for _, s := range manifest.AllStages {
		dirs = append(dirs, l.StageDir(s))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run directory %s: %w", dir, err)
		}
	}
	return nil
}
