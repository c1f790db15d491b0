package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/novagraph/graphex/pkg/schema"
)

// requestSchemaJSON is the JSON Schema for ExtractionRequest validation.
// Embedded as a constant to avoid filesystem dependencies.
const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://graphex.dev/schemas/extraction-request.json",
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": {
      "type": "string",
      "minLength": 1,
      "maxLength": 1048576
    },
    "document_id": {
      "type": "string",
      "maxLength": 256
    },
    "options": {
      "type": "object",
      "properties": {
        "language": {
          "type": "string",
          "pattern": "^[a-z]{2}(-[A-Z]{2})?$"
        },
        "chunk_size": {
          "type": "integer",
          "minimum": 64,
          "maximum": 65536
        },
        "ontology": {
          "type": "string",
          "minLength": 1
        },
        "ground_entities": {
          "type": "boolean"
        }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": false
}`

// RequestValidator validates extraction requests against the embedded
// JSON Schema, plus caller-supplied option schemas compiled on demand.
// It is safe for concurrent use.
type RequestValidator struct {
	requestSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewRequestValidator creates a validator with the request schema pre-compiled.
func NewRequestValidator() (*RequestValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal request schema: %w", err)
	}
	if err := c.AddResource("https://graphex.dev/schemas/extraction-request.json", doc); err != nil {
		return nil, fmt.Errorf("add request schema resource: %w", err)
	}
	compiled, err := c.Compile("https://graphex.dev/schemas/extraction-request.json")
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}

	return &RequestValidator{
		requestSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateRequest checks an ExtractionRequest against the request schema.
func (v *RequestValidator) ValidateRequest(req schema.ExtractionRequest) error {
	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize request").WithCause(err)
	}
	if err := v.requestSchema.Validate(doc); err != nil {
		return toGraphexError(err)
	}
	return nil
}

// ValidateOptions validates request options against a caller-supplied JSON
// Schema. The schema is compiled and cached for subsequent calls.
func (v *RequestValidator) ValidateOptions(options map[string]any, optionsSchema []byte) error {
	if len(optionsSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if options == nil {
		options = map[string]any{}
	}

	compiled, err := v.getOrCompile(optionsSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid options schema").WithCause(err)
	}

	doc, err := toJSONValue(options)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize options").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toGraphexError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *RequestValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("graphex://options-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGraphexError converts a jsonschema.ValidationError into a GraphexError
// carrying the individual violations for client consumption.
func toGraphexError(err error) *schema.GraphexError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
