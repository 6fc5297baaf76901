package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"menucost"
)

var (
	lineItemSchemaOnce sync.Once
	lineItemSchema     *jsonschema.Schema
	lineItemSchemaErr  error
)

// compileLineItemSchema compiles the shared LineItem schema once; the same
// map is embedded in the system prompt.
func compileLineItemSchema() (*jsonschema.Schema, error) {
	lineItemSchemaOnce.Do(func() {
		b, err := json.Marshal(menucost.LineItemSchema())
		if err != nil {
			lineItemSchemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("lineitem.json", bytes.NewReader(b)); err != nil {
			lineItemSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		lineItemSchema, lineItemSchemaErr = compiler.Compile("lineitem.json")
	})
	return lineItemSchema, lineItemSchemaErr
}

// validateLineItemJSON validates a raw service payload against the LineItem
// schema.
func validateLineItemJSON(data []byte) error {
	schema, err := compileLineItemSchema()
	if err != nil {
		return err
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match line item schema: %w", err)
	}
	return nil
}

// stripFences removes a markdown code fence if the service wrapped its JSON
// in one despite the output contract.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
