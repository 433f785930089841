package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the JSON schema every config file must satisfy before
// it is unmarshalled. Structural errors here are reported with the field
// path, which viper's unmarshalling cannot do.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"agents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "connection"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"display_name": {"type": "string"},
					"capabilities": {
						"type": ["array", "null"],
						"items": {"type": "string"}
					},
					"enabled": {"type": "boolean"},
					"auto_spawn": {"type": "boolean"},
					"connection": {
						"type": "object",
						"properties": {
							"stdio": {
								"type": "object",
								"required": ["command"],
								"properties": {
									"command": {"type": "string", "minLength": 1},
									"args": {"type": "array", "items": {"type": "string"}},
									"env": {"type": "object", "additionalProperties": {"type": "string"}},
									"cwd": {"type": "string"}
								}
							},
							"remote": {
								"type": "object",
								"required": ["base_url"],
								"properties": {
									"base_url": {"type": "string", "minLength": 1}
								}
							},
							"internal": {"type": "boolean"}
						}
					}
				}
			}
		},
		"logging": {
			"type": "object",
			"properties": {
				"level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
				"file": {"type": "string"},
				"redaction": {"type": "boolean"}
			}
		},
		"progress": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"addr": {"type": "string"}
			}
		},
		"store": {
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"retention_days": {"type": "integer", "minimum": 0}
			}
		},
		"delegation": {
			"type": "object",
			"properties": {
				"max_depth": {"type": "integer", "minimum": 0, "maximum": 10}
			}
		},
		"data_dir": {"type": "string"},
		"workspace_path": {"type": "string"}
	}
}`

// ValidateSchema checks raw config JSON against the schema
func ValidateSchema(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}

	if !result.Valid() {
		errs := result.Errors()
		first := errs[0]
		if len(errs) == 1 {
			return fmt.Errorf("invalid config: %s: %s", first.Field(), first.Description())
		}
		return fmt.Errorf("invalid config: %s: %s (and %d more problems)", first.Field(), first.Description(), len(errs)-1)
	}
	return nil
}
