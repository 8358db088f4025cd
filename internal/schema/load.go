package schema

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// metaSchema constrains user-authored schema files before decoding. Schema
// files are hand-written, so malformed definitions should fail loudly at
// load time instead of surfacing as unexplained accuracy scores later.
const metaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["form_fields", "tables"],
  "properties": {
    "form_fields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field_name"],
        "properties": {
          "field_name": {"type": "string", "minLength": 1},
          "type": {"type": "string"}
        }
      }
    },
    "tables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["table_name", "columns"],
        "properties": {
          "table_name": {"type": "string", "minLength": 1},
          "columns": {
            "type": "array",
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

// Parse validates raw schema JSON against the meta-schema and decodes it.
func Parse(data []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema-definition.json", bytes.NewReader([]byte(metaSchema))); err != nil {
		return nil, eris.Wrap(err, "schema: add meta-schema")
	}
	meta, err := compiler.Compile("schema-definition.json")
	if err != nil {
		return nil, eris.Wrap(err, "schema: compile meta-schema")
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, eris.Wrap(err, "schema: parse")
	}
	if err := meta.Validate(generic); err != nil {
		return nil, eris.Wrap(err, "schema: definition does not match expected shape")
	}

	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "schema: decode")
	}
	return &s, nil
}

// Load reads a schema definition from disk. YAML files (.yaml/.yml) are
// converted to JSON before meta-schema validation so both formats pass
// through the same checks.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, eris.Wrapf(err, "schema: parse yaml %s", path)
		}
		data, err = json.Marshal(normalizeYAML(generic))
		if err != nil {
			return nil, eris.Wrap(err, "schema: convert yaml")
		}
	}

	return Parse(data)
}

// normalizeYAML converts yaml.v3's map[string]any/map[any]any trees into
// purely string-keyed maps so they survive json.Marshal.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeYAML(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
