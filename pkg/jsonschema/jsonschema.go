// Package jsonschema wraps gojsonschema with compiled schemas and sentinel errors.
package jsonschema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type (
	ValidationResult = gojsonschema.Result
	JSONLoader       = gojsonschema.JSONLoader
	Schema           = gojsonschema.Schema
)

func NewStringLoader(s string) gojsonschema.JSONLoader {
	return gojsonschema.NewStringLoader(s)
}

func NewBytesLoader(b []byte) gojsonschema.JSONLoader {
	return gojsonschema.NewBytesLoader(b)
}

// Compile parses and compiles a schema document.
func Compile(schema string) (*Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
}

// Check validates doc against a compiled schema.
// It returns nil when the document is valid.
func Check(schema *Schema, doc []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	return FormatErrors(res, err)
}

// FormatErrors flattens a validation result into a single error wrapping
// ErrSchemaValidationSystem or ErrSchemaValidationFailed.
func FormatErrors(result *ValidationResult, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaValidationSystem, err)
	}
	if result == nil || result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrSchemaValidationFailed, strings.Join(descs, "; "))
}
