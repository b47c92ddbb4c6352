// Package schemas provides JSON Schema validation for every persisted run
// document. No file is ever read to decide program logic without first being
// validated here.
package schemas

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed *.schema.json
var schemaFiles embed.FS

// Document names the schema applied to a persisted document.
type Document string

const (
	DocManifest     Document = "manifest"
	DocGates        Document = "gates"
	DocPerspectives Document = "perspectives"
	DocPivot        Document = "pivot"
	DocSidecar      Document = "sidecar"
	DocCitations    Document = "citations"
	DocReview       Document = "review"
	DocHalt         Document = "halt"
	DocCheckpoint   Document = "checkpoint"
	DocLock         Document = "lock"
	DocFixtures     Document = "fixtures"
)

// ValidationError represents a schema validation failure with field paths.
type ValidationError struct {
	Document Document
	Errors   []FieldError
}

// FieldError is a single validation error at a specific field.
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s validation failed:\n", ve.Document)
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, "  %d. %s: %s\n", i+1, err.Field, err.Message)
	}
	return sb.String()
}

// SchemaLoadError represents a failure loading or parsing a schema itself.
// This is a programmer error: the schemas are embedded at compile time.
type SchemaLoadError struct {
	Document Document
	Cause    error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("failed to load schema for %s: %v", e.Document, e.Cause)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// Validate checks raw JSON bytes against the embedded schema for doc.
func Validate(doc Document, data []byte) error {
	schemaBytes, err := schemaFiles.ReadFile(string(doc) + ".schema.json")
	if err != nil {
		return &SchemaLoadError{Document: doc, Cause: err}
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaBytes)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{Document: doc, Cause: err}
	}

	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Document: doc,
		Errors:   make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
