package openai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"menucost"
	"menucost/tools"
)

// Mock reasoning-service client. Scripted responses are returned in order;
// forceJSON flags are recorded per call so tests can assert the synthesis
// request went out in structured-output mode.
type mockLLMClient struct {
	responses  []Response
	callCount  int
	forceJSONs []bool
	shouldErr  bool
}

func (m *mockLLMClient) Invoke(ctx context.Context, prompt Prompt, forceJSON bool) (Response, error) {
	m.forceJSONs = append(m.forceJSONs, forceJSON)

	if m.shouldErr {
		return Response{}, errors.New("mock LLM error")
	}

	if m.callCount >= len(m.responses) {
		return Response{Content: "No more responses configured"}, nil
	}

	response := m.responses[m.callCount]
	m.callCount++
	return response, nil
}

// Mock Tool Provider
type mockToolProvider struct {
	tools []tools.Tool
}

func (m *mockToolProvider) GetTools() []tools.Tool { return m.tools }

func (m *mockToolProvider) GetTool(name string) (tools.Tool, error) {
	for _, tool := range m.tools {
		if tool.Name() == name {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

// Mock Tool
type mockTool struct {
	name      string
	shouldErr bool
	callCount int
	result    map[string]any
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Title() string       { return m.name + " Tool" }
func (m *mockTool) Description() string { return "Mock tool for testing" }

func (m *mockTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {Type: "string"},
			"limit": {Type: "integer"},
		},
		Required: []string{"query"},
	}
}

func (m *mockTool) OutputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"results": {Type: "array"},
		},
	}
}

func (m *mockTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	m.callCount++

	if m.shouldErr {
		return nil, fmt.Errorf("mock tool error: %s", m.name)
	}

	if m.result != nil {
		return m.result, nil
	}

	return map[string]any{"results": []map[string]any{}}, nil
}

const validPayload = `{
	"item_name": "Mini Quiche Lorraine",
	"category": "appetizer",
	"ingredients": [
		{"name": "eggs", "quantity": "0.5 each", "unit_cost": 0.25, "source": "catalog", "item_number": "1001"},
		{"name": "bacon", "quantity": "0.2 oz", "unit_cost": 0.30, "source": "estimated"},
		{"name": "truffle oil", "quantity": "1 drop", "unit_cost": null, "source": "not_available"}
	],
	"ingredient_cost_per_unit": 0.55
}`

func testDish() menucost.DishRequest {
	return menucost.DishRequest{Name: "Mini Quiche Lorraine", Description: "Savory egg custard with bacon", Category: "appetizer"}
}

func TestNewEstimator(t *testing.T) {
	llm := &mockLLMClient{}
	tp := &mockToolProvider{}
	logger := menucost.NewNoOpTurnLogger()

	est := NewEstimator(llm, tp, 5, logger)

	if est.llm != llm {
		t.Error("Expected LLM client to be set")
	}
	if est.compactLLM != llm {
		t.Error("Expected compaction client to default to the main client")
	}
	if est.toolProvider != tp {
		t.Error("Expected tool provider to be set")
	}
	if est.maxTurns != 5 {
		t.Error("Expected max turns to be 5")
	}
}

func TestEstimator_Estimate(t *testing.T) {
	tests := []struct {
		name         string
		llmResponses []Response
		llmShouldErr bool
		tools        []tools.Tool
		expectError  bool
		expectTotal  float64
	}{
		{
			name: "tool round then synthesis",
			llmResponses: []Response{
				{
					ToolCalls: []ToolCall{
						{ID: "call_1", Name: "catalog_search", Args: map[string]any{"query": "eggs"}},
					},
				},
				{Content: "I have the catalog pricing I need."},
				{Content: validPayload},
			},
			tools: []tools.Tool{
				&mockTool{
					name: "catalog_search",
					result: map[string]any{
						"results": []map[string]any{
							{"item_number": "1001", "description": "EGGS LARGE GRADE A", "case_price": 24.00, "score": 95},
						},
					},
				},
			},
			expectTotal: 0.55,
		},
		{
			name: "zero lookup path finalizes directly",
			llmResponses: []Response{
				{Content: validPayload},
			},
			tools:       []tools.Tool{&mockTool{name: "catalog_search"}},
			expectTotal: 0.55,
		},
		{
			name:         "LLM error",
			llmShouldErr: true,
			tools:        []tools.Tool{},
			expectError:  true,
		},
		{
			name: "tool error",
			llmResponses: []Response{
				{ToolCalls: []ToolCall{{ID: "call_1", Name: "catalog_search", Args: map[string]any{"query": "eggs"}}}},
			},
			tools:       []tools.Tool{&mockTool{name: "catalog_search", shouldErr: true}},
			expectError: true,
		},
		{
			name: "tool not found",
			llmResponses: []Response{
				{ToolCalls: []ToolCall{{ID: "call_1", Name: "nonexistent_tool", Args: map[string]any{}}}},
			},
			tools:       []tools.Tool{},
			expectError: true,
		},
		{
			name: "empty response error",
			llmResponses: []Response{
				{},
			},
			tools:       []tools.Tool{},
			expectError: true,
		},
		{
			name: "invalid final payload",
			llmResponses: []Response{
				{Content: `{"item_name": "Mini Quiche Lorraine"}`},
			},
			tools:       []tools.Tool{},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLMClient{responses: tt.llmResponses, shouldErr: tt.llmShouldErr}
			tp := &mockToolProvider{tools: tt.tools}

			est := NewEstimator(llm, tp, 5, menucost.NewNoOpTurnLogger())

			item, err := est.Estimate(context.Background(), testDish(), "")

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				var ee *menucost.EstimationError
				if !errors.As(err, &ee) {
					t.Errorf("Expected an EstimationError, got %T", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if item.ItemName != "Mini Quiche Lorraine" {
				t.Errorf("Expected item name to survive, got %q", item.ItemName)
			}
			if item.IngredientCostPerUnit != tt.expectTotal {
				t.Errorf("Expected total %v, got %v", tt.expectTotal, item.IngredientCostPerUnit)
			}
		})
	}
}


func TestEstimator_Estimate_SynthesisForcesJSON(t *testing.T) {
	searchTool := &mockTool{name: "catalog_search"}
	tp := &mockToolProvider{tools: []tools.Tool{searchTool}}

	llm := &mockLLMClient{
		responses: []Response{
			{ToolCalls: []ToolCall{{ID: "call_1", Name: "catalog_search", Args: map[string]any{"query": "eggs"}}}},
			{Content: "I have what I need."},
			{Content: validPayload},
		},
	}

	est := NewEstimator(llm, tp, 5, menucost.NewNoOpTurnLogger())

	item, err := est.Estimate(context.Background(), testDish(), "eggs often priced per case")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if searchTool.callCount != 1 {
		t.Errorf("Expected catalog_search to be called once, was called %d times", searchTool.callCount)
	}

	want := []bool{false, false, true}
	if len(llm.forceJSONs) != len(want) {
		t.Fatalf("Expected %d invocations, got %d", len(want), len(llm.forceJSONs))
	}
	for i, fj := range want {
		if llm.forceJSONs[i] != fj {
			t.Errorf("Invocation %d: expected forceJSON=%v, got %v", i+1, fj, llm.forceJSONs[i])
		}
	}

	// Synthesis still produced a validated item.
	if len(item.Ingredients) != 3 {
		t.Errorf("Expected 3 ingredients, got %d", len(item.Ingredients))
	}
}

func TestEstimator_Estimate_TurnLimitStillSynthesizes(t *testing.T) {
	searchTool := &mockTool{name: "catalog_search"}
	tp := &mockToolProvider{tools: []tools.Tool{searchTool}}

	// The service calls the tool on every turn; the estimator must cut it
	// off at maxTurns and still attempt synthesis.
	llm := &mockLLMClient{
		responses: []Response{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "catalog_search", Args: map[string]any{"query": "a"}}}},
			{ToolCalls: []ToolCall{{ID: "c2", Name: "catalog_search", Args: map[string]any{"query": "b"}}}},
			{ToolCalls: []ToolCall{{ID: "c3", Name: "catalog_search", Args: map[string]any{"query": "c"}}}},
			{Content: validPayload}, // synthesis call
		},
	}

	est := NewEstimator(llm, tp, 3, menucost.NewNoOpTurnLogger())

	item, err := est.Estimate(context.Background(), testDish(), "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if searchTool.callCount != 3 {
		t.Errorf("Expected 3 tool executions, got %d", searchTool.callCount)
	}
	if item.IngredientCostPerUnit != 0.55 {
		t.Errorf("Expected total 0.55, got %v", item.IngredientCostPerUnit)
	}
	if last := llm.forceJSONs[len(llm.forceJSONs)-1]; !last {
		t.Error("Expected the final invocation to force structured output")
	}
}

func TestEstimator_Estimate_EmptyWrapUpAfterToolsStillSynthesizes(t *testing.T) {
	searchTool := &mockTool{name: "catalog_search"}
	tp := &mockToolProvider{tools: []tools.Tool{searchTool}}

	// After a lookup round the service may come back with neither tool
	// calls nor content; that means it is done, not that the run failed.
	llm := &mockLLMClient{
		responses: []Response{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "catalog_search", Args: map[string]any{"query": "eggs"}}}},
			{Content: ""},
			{Content: validPayload}, // synthesis call
		},
	}

	est := NewEstimator(llm, tp, 5, menucost.NewNoOpTurnLogger())

	item, err := est.Estimate(context.Background(), testDish(), "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if item.IngredientCostPerUnit != 0.55 {
		t.Errorf("Expected total 0.55, got %v", item.IngredientCostPerUnit)
	}
	if len(llm.forceJSONs) != 3 || llm.forceJSONs[0] || llm.forceJSONs[1] || !llm.forceJSONs[2] {
		t.Errorf("Expected only the synthesis call to force structured output, got %v", llm.forceJSONs)
	}
}

func TestEstimator_Estimate_RawPayloadOnValidationError(t *testing.T) {
	raw := `{"item_name": "Mini Quiche Lorraine", "category": "appetizer", "ingredients": "oops", "ingredient_cost_per_unit": 1}`
	llm := &mockLLMClient{responses: []Response{{Content: raw}}}

	est := NewEstimator(llm, &mockToolProvider{}, 5, menucost.NewNoOpTurnLogger())

	_, err := est.Estimate(context.Background(), testDish(), "")
	if err == nil {
		t.Fatal("Expected error but got none")
	}

	var ee *menucost.EstimationError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected an EstimationError, got %T", err)
	}
	if ee.Dish != "Mini Quiche Lorraine" {
		t.Errorf("Expected dish name on error, got %q", ee.Dish)
	}
	if ee.RawPayload != raw {
		t.Errorf("Expected raw payload to travel with the error, got %q", ee.RawPayload)
	}
}

func TestEstimator_Estimate_FencedPayloadAccepted(t *testing.T) {
	fenced := "```json\n" + validPayload + "\n```"
	llm := &mockLLMClient{responses: []Response{{Content: fenced}}}

	est := NewEstimator(llm, &mockToolProvider{}, 5, menucost.NewNoOpTurnLogger())

	item, err := est.Estimate(context.Background(), testDish(), "")
	if err != nil {
		t.Fatalf("Expected fenced payload to be accepted, got: %v", err)
	}
	if item.ItemName != "Mini Quiche Lorraine" {
		t.Errorf("Unexpected item name %q", item.ItemName)
	}
}

func TestEstimator_Compact(t *testing.T) {
	llm := &mockLLMClient{
		responses: []Response{
			{Content: "  Truffle oil is never stocked. Case prices dominate dairy.  "},
		},
	}

	est := NewEstimator(llm, &mockToolProvider{}, 5, menucost.NewNoOpTurnLogger())

	cost := 0.25
	items := []menucost.LineItem{
		{
			ItemName: "Mini Quiche Lorraine",
			Ingredients: []menucost.Ingredient{
				{Name: "eggs", UnitCost: &cost, Source: menucost.SourceCatalog, ItemNumber: "1001"},
				{Name: "truffle oil", Source: menucost.SourceNotAvailable},
			},
		},
	}

	delta, err := est.Compact(context.Background(), items)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if delta != "Truffle oil is never stocked. Case prices dominate dairy." {
		t.Errorf("Expected trimmed delta, got %q", delta)
	}
}

func TestEstimator_Compact_Error(t *testing.T) {
	llm := &mockLLMClient{shouldErr: true}
	est := NewEstimator(llm, &mockToolProvider{}, 5, menucost.NewNoOpTurnLogger())

	if _, err := est.Compact(context.Background(), nil); err == nil {
		t.Fatal("Expected error but got none")
	}
}

func TestDedupeToolCalls(t *testing.T) {
	tests := []struct {
		name     string
		input    []ToolCall
		expected int
	}{
		{
			name: "no duplicates",
			input: []ToolCall{
				{Name: "catalog_search", Args: map[string]any{"query": "eggs"}},
				{Name: "catalog_search", Args: map[string]any{"query": "bacon"}},
			},
			expected: 2,
		},
		{
			name: "exact duplicates",
			input: []ToolCall{
				{Name: "catalog_search", Args: map[string]any{"query": "eggs"}},
				{Name: "catalog_search", Args: map[string]any{"query": "eggs"}},
			},
			expected: 1,
		},
		{
			name: "mixed scenario",
			input: []ToolCall{
				{Name: "catalog_search", Args: map[string]any{"query": "eggs"}},
				{Name: "catalog_search", Args: map[string]any{"query": "bacon"}},
				{Name: "catalog_search", Args: map[string]any{"query": "eggs"}},
			},
			expected: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := dedupeToolCalls(tt.input)

			if len(result) != tt.expected {
				t.Errorf("Expected %d calls after dedup, got %d", tt.expected, len(result))
			}
		})
	}
}
