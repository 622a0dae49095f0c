package plugin

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema is the structural contract for manifest documents.
// Semantic rules that need Go context, like recognized capability names
// and version range ordering, live in Manifest.Validate; the schema stops
// shape errors before decoding. Unknown top-level fields are tolerated so
// newer manifests load on older hosts.
const manifestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "name", "version", "author", "main"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"author": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"category": {"type": "string"},
		"homepage": {"type": "string"},
		"main": {"type": "string", "minLength": 1},
		"permissions": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"hooks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"type": "string", "enum": ["filter", "action"]},
					"priority": {"type": "integer"}
				}
			}
		},
		"settings": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "enum": ["string", "number", "boolean", "select"]},
					"label": {"type": "string"},
					"default": {},
					"options": {"type": "array", "items": {"type": "string"}},
					"min": {"type": "number"},
					"max": {"type": "number"},
					"required": {"type": "boolean"}
				}
			}
		},
		"compatibility": {
			"type": "object",
			"properties": {
				"min": {"type": "string"},
				"max": {"type": "string"}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func manifestJSONSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	})
	return compiledSchema, schemaErr
}

// validateManifestSchema checks raw manifest JSON against the schema.
func validateManifestSchema(data []byte) error {
	schema, err := manifestJSONSchema()
	if err != nil {
		return fmt.Errorf("compiling manifest schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(details, "; "))
	}
	return nil
}
