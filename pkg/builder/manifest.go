package builder

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema constrains the package.json fields the registry relies on.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 214,
      "pattern": "^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$"
    },
    "version": {
      "type": "string",
      "pattern": "^(0|[1-9]\\d*)\\.(0|[1-9]\\d*)\\.(0|[1-9]\\d*)(-[0-9A-Za-z.-]+)?(\\+[0-9A-Za-z.-]+)?$"
    },
    "main": {"type": "string"},
    "license": {"type": "string"},
    "files": {"type": "array", "items": {"type": "string"}},
    "dependencies": {"$ref": "#/definitions/dependencyMap"},
    "peerDependencies": {"$ref": "#/definitions/dependencyMap"},
    "devDependencies": {"$ref": "#/definitions/dependencyMap"}
  },
  "definitions": {
    "dependencyMap": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

var manifestSchemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ManifestError lists every schema violation found in a manifest.
type ManifestError struct {
	Violations []string
}

func (e *ManifestError) Error() string {
	return "invalid package manifest: " + strings.Join(e.Violations, "; ")
}

// ValidateManifest checks a decoded package.json against the manifest schema.
func ValidateManifest(manifest map[string]any) error {
	result, err := gojsonschema.Validate(manifestSchemaLoader, gojsonschema.NewGoLoader(manifest))
	if err != nil {
		return fmt.Errorf("failed to validate manifest: %w", err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	return &ManifestError{Violations: violations}
}
