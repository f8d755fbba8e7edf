// internal/schema/validator.go
// Package schema provides JSON schema validation for admission API requests.
// Every request body is checked against its schema before it reaches a handler,
// so handlers can rely on required fields being present and well formed.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request types with a registered schema.
const (
	RequestIssue           = "credential.issue"
	RequestRegenerate      = "credential.regenerate"
	RequestInvalidate      = "credential.invalidate"
	RequestValidate        = "scan.validate"
	RequestCheckIn         = "attendance.checkin"
	RequestCheckOut        = "attendance.checkout"
	RequestOfflineExport   = "offline.export"
	RequestOfflineValidate = "offline.validate"
	RequestReconcile       = "sync.reconcile"
	RequestAnchorSubmit    = "anchor.submit"
)

// SchemaVersions maps request types to their current schema versions.
var SchemaVersions = map[string]string{
	RequestIssue:           "1.0.0",
	RequestRegenerate:      "1.0.0",
	RequestInvalidate:      "1.0.0",
	RequestValidate:        "1.0.0",
	RequestCheckIn:         "1.0.0",
	RequestCheckOut:        "1.0.0",
	RequestOfflineExport:   "1.0.0",
	RequestOfflineValidate: "1.0.0",
	RequestReconcile:       "1.0.0",
	RequestAnchorSubmit:    "1.0.0",
}

// Shared fragments.
const (
	idProp   = `{"type":"string","minLength":1,"maxLength":128}`
	hashProp = `{"type":"string","pattern":"^[0-9a-f]{64}$"}`
	// A scanned credential is either a content hash or the QR text form.
	scannedProp = `{"type":"string","minLength":1,"maxLength":4096}`
)

var schemas = map[string]string{
	RequestIssue: `{"type":"object","required":["registrationId"],"additionalProperties":false,
		"properties":{"registrationId":` + idProp + `}}`,
	RequestRegenerate: `{"type":"object","required":["registrationId"],"additionalProperties":false,
		"properties":{"registrationId":` + idProp + `,"reason":{"type":"string","maxLength":256}}}`,
	RequestInvalidate: `{"type":"object","required":["credentialId","reason"],"additionalProperties":false,
		"properties":{"credentialId":` + idProp + `,"reason":{"type":"string","minLength":1,"maxLength":256}}}`,
	RequestValidate: `{"type":"object","required":["credential","eventId"],"additionalProperties":false,
		"properties":{"credential":` + scannedProp + `,"eventId":` + idProp + `,"deviceId":` + idProp + `}}`,
	RequestCheckIn: `{"type":"object","required":["eventId","participantId","method"],"additionalProperties":false,
		"properties":{"eventId":` + idProp + `,"participantId":` + idProp + `,
		"method":{"type":"string","enum":["manual","backup_code"]},"deviceId":` + idProp + `}}`,
	RequestCheckOut: `{"type":"object","required":["attendanceId"],"additionalProperties":false,
		"properties":{"attendanceId":` + idProp + `}}`,
	RequestOfflineExport: `{"type":"object","required":["eventId","deviceId"],"additionalProperties":false,
		"properties":{"eventId":` + idProp + `,"deviceId":` + idProp + `}}`,
	RequestOfflineValidate: `{"type":"object","required":["credential","snapshot"],"additionalProperties":false,
		"properties":{"credential":` + scannedProp + `,"snapshot":{"type":"string","minLength":1}}}`,
	RequestReconcile: `{"type":"object","required":["batchId","records"],"additionalProperties":false,
		"properties":{"batchId":` + idProp + `,"records":{"type":"array","maxItems":10000,"items":
		{"type":"object","required":["hash","deviceId","scannedAt"],"additionalProperties":false,
		"properties":{"hash":` + hashProp + `,"deviceId":` + idProp + `,"scannedAt":{"type":"string","format":"date-time"},
		"operator":{"type":"string","maxLength":128}}}}}}`,
	RequestAnchorSubmit: `{"type":"object","required":["hash"],"additionalProperties":false,
		"properties":{"hash":` + hashProp + `,"subjectType":{"type":"string","maxLength":64},"subjectId":` + idProp + `}}`,
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation found in a request body.
type ValidationError struct {
	RequestType string
	Fields      []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.RequestType, strings.Join(parts, "; "))
}

// Details flattens the violations for an error response.
func (e *ValidationError) Details() map[string]any {
	return map[string]any{"requestType": e.RequestType, "fields": e.Fields}
}

// Validator validates request bodies against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of request types to compiled schemas
}

// NewValidator compiles every registered schema.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any schema that failed to compile
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemas))}
	for requestType, doc := range schemas {
		if err := v.loadSchema(requestType, doc); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles one schema.
func (v *Validator) loadSchema(requestType, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", requestType, err)
	}
	v.schemas[requestType] = schema
	return nil
}

// Validate checks a raw JSON body.
// Parameters:
//   - requestType: One of the Request* constants
//   - body: The raw request body
//
// Returns:
//   - string: The schema version used for validation
//   - error: *ValidationError if the body violates the schema, another error
//     if the body is not JSON or the request type is unknown
func (v *Validator) Validate(requestType string, body []byte) (string, error) {
	schema, exists := v.schemas[requestType]
	if !exists {
		return "", fmt.Errorf("schema not found for request type: %s", requestType)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "", fmt.Errorf("malformed JSON body: %w", err)
	}
	if !result.Valid() {
		verr := &ValidationError{RequestType: requestType}
		for _, desc := range result.Errors() {
			verr.Fields = append(verr.Fields, FieldError{Field: desc.Field(), Message: desc.Description()})
		}
		return "", verr
	}

	version, exists := SchemaVersions[requestType]
	if !exists {
		version = "1.0.0"
	}
	return version, nil
}
