package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/schemas"
)

// Store performs every durable read and write for one run.
type Store struct {
	layout Layout
}

// Open wraps an existing run directory.
func Open(layout Layout) *Store {
	return &Store{layout: layout}
}

// Layout exposes the path resolver for callers that stage artifacts.
func (s *Store) Layout() Layout {
	return s.layout
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename, so readers never observe a partial document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("promote temp file: %w", err)
	}
	return nil
}

// LoadManifest reads and schema-validates the manifest document.
func (s *Store) LoadManifest() (*manifest.Manifest, error) {
	data, err := os.ReadFile(s.layout.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := schemas.Validate(schemas.DocManifest, data); err != nil {
		return nil, fmt.Errorf("manifest rejected: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// CreateManifest writes the initial manifest. Fails if one already exists.
func (s *Store) CreateManifest(m *manifest.Manifest) error {
	if _, err := os.Stat(s.layout.ManifestPath()); err == nil {
		return fmt.Errorf("manifest already exists at %s", s.layout.ManifestPath())
	}
	return s.writeManifest(m)
}

// SaveManifest applies a read-modify-write with optimistic concurrency: the
// document on disk must still carry expectedRevision or the write is
// rejected with CONCURRENCY_CONFLICT, forcing the caller to re-read. mutate
// receives the freshly loaded manifest; the store bumps the revision.
func (s *Store) SaveManifest(expectedRevision int, mutate func(*manifest.Manifest) error) (*manifest.Manifest, error) {
	current, err := s.LoadManifest()
	if err != nil {
		return nil, err
	}
	if current.Revision != expectedRevision {
		return nil, manifest.NewEngineError(manifest.CodeConcurrencyConflict,
			fmt.Sprintf("manifest is at revision %d, writer read revision %d", current.Revision, expectedRevision),
			map[string]any{"revision": current.Revision, "expected": expectedRevision})
	}
	if err := mutate(current); err != nil {
		return nil, err
	}
	current.Revision++
	if err := s.writeManifest(current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Store) writeManifest(m *manifest.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	// Validate our own output so a malformed document never becomes the
	// source of truth. Failure here is a programmer error.
	if err := schemas.Validate(schemas.DocManifest, data); err != nil {
		return fmt.Errorf("refusing to persist invalid manifest: %w", err)
	}
	return WriteFileAtomic(s.layout.ManifestPath(), data, 0o644)
}

// LoadGates reads and schema-validates the gate ledger.
func (s *Store) LoadGates() (*manifest.GateLedger, error) {
	data, err := os.ReadFile(s.layout.GatesPath())
	if err != nil {
		return nil, fmt.Errorf("read gates: %w", err)
	}
	if err := schemas.Validate(schemas.DocGates, data); err != nil {
		return nil, fmt.Errorf("gate ledger rejected: %w", err)
	}
	var gl manifest.GateLedger
	if err := json.Unmarshal(data, &gl); err != nil {
		return nil, fmt.Errorf("parse gates: %w", err)
	}
	return &gl, nil
}

// SaveGates persists the ledger with the same revision discipline as the
// manifest.
func (s *Store) SaveGates(expectedRevision int, mutate func(*manifest.GateLedger) error) (*manifest.GateLedger, error) {
	current, err := s.LoadGates()
	if err != nil {
		return nil, err
	}
	if current.Revision != expectedRevision {
		return nil, manifest.NewEngineError(manifest.CodeConcurrencyConflict,
			fmt.Sprintf("gate ledger is at revision %d, writer read revision %d", current.Revision, expectedRevision),
			map[string]any{"revision": current.Revision, "expected": expectedRevision})
	}
	if err := mutate(current); err != nil {
		return nil, err
	}
	current.Revision++
	if err := s.WriteGates(current); err != nil {
		return nil, err
	}
	return current, nil
}

// WriteGates persists a ledger without a revision check. Used only at run
// creation.
func (s *Store) WriteGates(gl *manifest.GateLedger) error {
	data, err := json.MarshalIndent(gl, "", "  ")
	if err != nil {
		return fmt.Errorf("encode gates: %w", err)
	}
	if err := schemas.Validate(schemas.DocGates, data); err != nil {
		return fmt.Errorf("refusing to persist invalid gate ledger: %w", err)
	}
	return WriteFileAtomic(s.layout.GatesPath(), data, 0o644)
}

// ReadJSONArtifact reads a run-relative JSON artifact, validating it against
// the named schema before it is trusted.
func (s *Store) ReadJSONArtifact(doc schemas.Document, rel string, out any) error {
	data, err := os.ReadFile(s.layout.Abs(rel))
	if err != nil {
		return fmt.Errorf("read %s: %w", rel, err)
	}
	if err := schemas.Validate(doc, data); err != nil {
		return fmt.Errorf("%s rejected: %w", rel, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", rel, err)
	}
	return nil
}

// WriteJSONArtifact validates and atomically writes a run-relative JSON
// artifact.
func (s *Store) WriteJSONArtifact(doc schemas.Document, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	if err := schemas.Validate(doc, data); err != nil {
		return fmt.Errorf("refusing to persist invalid %s: %w", rel, err)
	}
	return WriteFileAtomic(s.layout.Abs(rel), data, 0o644)
}

// ArtifactExists reports whether a run-relative path exists.
func (s *Store) ArtifactExists(rel string) bool {
	_, err := os.Stat(s.layout.Abs(rel))
	return err == nil
}
