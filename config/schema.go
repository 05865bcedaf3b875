package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileToolSchema compiles a tool's input schema so malformed schemas are
// rejected at load time rather than at the first tool call. YAML decoding
// yields Go-native scalars, so the schema is round-tripped through JSON to
// normalize them before compilation.
func compileToolSchema(name string, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tool %q: encode schema: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("tool %q: decode schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool/%s/schema.json", name)
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", name, err)
	}
	if _, err := c.Compile(url); err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", name, err)
	}
	return nil
}
