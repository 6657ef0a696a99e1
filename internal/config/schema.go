package config

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// agentsSchema constrains the AGENTS_JSON registry: object of agent name →
// {command, default?}, at least one entry, no unknown fields.
const agentsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "required": ["command"],
    "properties": {
      "command": {"type": "string", "minLength": 1},
      "default": {"type": "boolean"}
    },
    "additionalProperties": false
  }
}`

func validateAgentsJSON(raw string) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(agentsSchema))
	if err != nil {
		return fmt.Errorf("config: agents schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agents.json", schemaDoc); err != nil {
		return fmt.Errorf("config: agents schema: %w", err)
	}
	schema, err := c.Compile("agents.json")
	if err != nil {
		return fmt.Errorf("config: agents schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("config: AGENTS_JSON is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: AGENTS_JSON rejected: %w", err)
	}
	return nil
}
