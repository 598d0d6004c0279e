package jsonschema

import "errors"

// Check wraps one of these so callers can tell a broken schema or payload
// apart from a document that simply does not match.
var (
	ErrSchemaValidationSystem = errors.New("schema validation system error")
	ErrSchemaValidationFailed = errors.New("schema validation failed")
)
