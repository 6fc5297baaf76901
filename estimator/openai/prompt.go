package openai

import (
	"encoding/json"
	"fmt"

	"menucost"
)

// NewPrompt builds the conversation for pricing one dish: the system
// instruction (output schema, rolling learnings, pricing policy), the dish
// itself as the user message, and the registry's tools converted to the
// chat-completions schema.
func NewPrompt(dish menucost.DishRequest, learnings string, tp menucost.ToolProvider) (Prompt, error) {
	available := tp.GetTools()

	wireTools := make([]Tool, len(available))
	for i, tool := range available {
		// Round-trip the registry schema through JSON so the wire
		// parameters are plain maps, not SDK schema nodes.
		raw, err := json.Marshal(tool.InputSchema())
		if err != nil {
			return Prompt{}, fmt.Errorf("failed to marshal input schema for %q: %w", tool.Name(), err)
		}
		var parameters map[string]any
		if err := json.Unmarshal(raw, &parameters); err != nil {
			return Prompt{}, fmt.Errorf("failed to convert input schema for %q: %w", tool.Name(), err)
		}

		wireTools[i] = Tool{
			Type: "function",
			Function: ToolSchema{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  parameters,
			},
		}
	}

	schemaJSON, err := json.MarshalIndent(menucost.LineItemSchema(), "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to marshal line item schema: %w", err)
	}

	dishJSON, err := json.Marshal(dish)
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to marshal dish: %w", err)
	}

	if learnings == "" {
		learnings = menucost.DefaultLearnings
	}

	return Prompt{
		Messages: []Message{
			{
				Role:    "system",
				Content: fmt.Sprintf(systemPrompt, learnings, string(schemaJSON)),
			},
			{
				Role:    "user",
				Content: fmt.Sprintf("Estimate this item: %s", string(dishJSON)),
			},
		},
		Tools: wireTools,
	}, nil
}

// The schema is injected verbatim so the service cannot invent field names
// (e.g. 'ingredient' instead of 'name').
const systemPrompt = `You are an expert catering cost estimator for 'Elegant Foods'.

GLOBAL CONTEXT (learnings from previous batches):
%s

YOUR MISSION
1. Analyze the dish description and break it down into specific ingredients with per-serving quantities.
2. USE THE 'catalog_search' TOOL to find real supplier pricing.
   - Do not guess prices if you can search.
   - If the catalog returns a case price (e.g. $30 for 6 cans), calculate the unit cost for the portion.

PRICING POLICY (strict order of preference)
- "catalog": the ingredient matched a catalog entry; set item_number from the match and derive unit_cost from its case price.
- "estimated": no usable catalog match; use a reasonable market estimate for unit_cost.
- "not_available": the ingredient cannot be priced at all; unit_cost MUST be null.
Never mark an ingredient "estimated" when a catalog match exists.

CRITICAL OUTPUT RULES (STRICT JSON COMPLIANCE)
- Your final response must be ONE valid JSON object only (no extra text, no markdown, no code fences) that strictly matches this schema:
%s

- 'item_name': must match the input menu name exactly.
- 'unit_cost': must be a NUMBER or null. NEVER a string like "not_available" or "$5.00".
- 'source': must be exactly one of ["catalog", "estimated", "not_available"].
- 'ingredient_cost_per_unit': the sum of the non-null ingredient unit costs.`
