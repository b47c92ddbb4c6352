package schemas

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/types"
)

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// dropField re-encodes a document with one top-level field removed.
func dropField(t *testing.T, data []byte, field string) []byte {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	delete(doc, field)
	return marshal(t, doc)
}

func validManifest() manifest.Manifest {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return manifest.Manifest{
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

func validPerspectives() types.PerspectiveSet {
	return types.PerspectiveSet{
		Query: "grid storage economics",
		Perspectives: []types.Perspective{
			{ID: "p1", Title: "Economics", Role: "analyst", Contract: types.DefaultContract(), Wave: 1},
		},
	}
}

func TestValidateManifest(t *testing.T) {
	data := marshal(t, validManifest())
	require.NoError(t, Validate(DocManifest, data))

	err := Validate(DocManifest, dropField(t, data, "query"))
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, DocManifest, ve.Document)
	assert.NotEmpty(t, ve.Errors)
}

func TestValidateGatesRequiresEveryGate(t *testing.T) {
	gl := manifest.NewGateLedger("run-1")
	data := marshal(t, gl)
	require.NoError(t, Validate(DocGates, data))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	delete(doc["gates"].(map[string]any), "F")

	err := Validate(DocGates, marshal(t, doc))
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestValidatePerspectivesContract(t *testing.T) {
	data := marshal(t, validPerspectives())
	require.NoError(t, Validate(DocPerspectives, data))

	// A contract without a word budget is unusable and must not load.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	first := doc["perspectives"].([]any)[0].(map[string]any)
	delete(first["contract"].(map[string]any), "max_words")

	err := Validate(DocPerspectives, marshal(t, doc))
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Error(), "max_words")
}

func TestValidateReviewDecisionEnum(t *testing.T) {
	require.NoError(t, Validate(DocReview,
		marshal(t, types.Review{Decision: types.ReviewPass})))
	require.NoError(t, Validate(DocReview,
		marshal(t, types.Review{Decision: types.ReviewChangesRequired, Notes: "rework"})))

	err := Validate(DocReview, marshal(t, types.Review{Decision: "MAYBE"}))
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestValidateFixturesVerdictEnum(t *testing.T) {
	require.NoError(t, Validate(DocFixtures, marshal(t, map[string]string{
		"https://example.com/a": "ok",
		"https://example.com/b": "unreachable",
	})))

	err := Validate(DocFixtures, marshal(t, map[string]string{
		"https://example.com/a": "fine",
	}))
	require.Error(t, err)
}

func TestValidateMalformedJSON(t *testing.T) {
	err := Validate(DocManifest, []byte("{ not json }"))
	require.Error(t, err)
}

func TestValidateUnknownDocument(t *testing.T) {
	err := Validate(Document("telemetry"), []byte(`{}`))
	require.Error(t, err)

	var le *SchemaLoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, Document("telemetry"), le.Document)
	assert.Error(t, le.Unwrap())
	assert.Contains(t, err.Error(), "telemetry")
}

func TestValidationErrorListsFields(t *testing.T) {
	ve := &ValidationError{
		Document: DocManifest,
		Errors: []FieldError{
			{Field: "query", Message: "is required"},
			{Field: "revision", Message: "must be an integer"},
		},
	}
	msg := ve.Error()
	assert.Contains(t, msg, "validation failed")
	assert.Contains(t, msg, "query")
	assert.Contains(t, msg, "revision")
}
