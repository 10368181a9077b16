package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const projectDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "ownerId", "revision", "updatedAt", "fields", "largeFieldPointers"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 256},
    "ownerId": {"type": "string", "minLength": 1},
    "revision": {"type": "integer", "minimum": 1},
    "updatedAt": {"type": "string", "minLength": 1},
    "fields": {"type": "object"},
    "largeFieldPointers": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/pointer"}
    }
  },
  "$defs": {
    "pointer": {
      "type": "object",
      "required": ["path", "sizeBytes", "contentHash", "revision"],
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "sizeBytes": {"type": "integer", "minimum": 0},
        "contentHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "revision": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

const (
	projectSchemaURL = "https://projectsync.invalid/schemas/project-document.json"
	fieldsSchemaURL  = "https://projectsync.invalid/schemas/project-fields.json"
)

type validator struct {
	document *jsonschema.Schema
	fields   *jsonschema.Schema
}

// newValidator compiles the document schema and, when given, a caller schema
// that the project's fields object must satisfy.
func newValidator(fieldsSchema string) (*validator, error) {
	c := jsonschema.NewCompiler()
	if err := addSchemaResource(c, projectSchemaURL, projectDocumentSchema); err != nil {
		return nil, err
	}
	v := &validator{}
	var err error
	if v.document, err = c.Compile(projectSchemaURL); err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	if strings.TrimSpace(fieldsSchema) != "" {
		if err := addSchemaResource(c, fieldsSchemaURL, fieldsSchema); err != nil {
			return nil, err
		}
		if v.fields, err = c.Compile(fieldsSchemaURL); err != nil {
			return nil, fmt.Errorf("compile fields schema: %w", err)
		}
	}
	return v, nil
}

func addSchemaResource(c *jsonschema.Compiler, url, schema string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parse schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema %s: %w", url, err)
	}
	return nil
}

func (v *validator) validateDocument(body []byte) error {
	return validateJSON(v.document, body)
}

func (v *validator) validateFields(fields map[string]json.RawMessage) error {
	if v.fields == nil {
		return nil
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return validateJSON(v.fields, body)
}

func validateJSON(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
