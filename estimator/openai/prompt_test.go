package openai

import (
	"strings"
	"testing"

	"menucost"
	"menucost/tools"
)

func TestNewPrompt(t *testing.T) {
	tp := &mockToolProvider{tools: []tools.Tool{&mockTool{name: "catalog_search"}}}
	dish := menucost.DishRequest{Name: "Beef Sliders", Description: "Mini burgers with brioche", Category: "appetizer"}

	prompt, err := NewPrompt(dish, "Case prices dominate dairy.", tp)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(prompt.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(prompt.Messages))
	}

	system := prompt.Messages[0]
	if system.Role != "system" {
		t.Errorf("Expected first message to be system, got %q", system.Role)
	}
	if !strings.Contains(system.Content, "Case prices dominate dairy.") {
		t.Error("Expected learnings to be injected into the system prompt")
	}
	if !strings.Contains(system.Content, "item_name") || !strings.Contains(system.Content, "ingredient_cost_per_unit") {
		t.Error("Expected the output schema to be embedded in the system prompt")
	}
	if !strings.Contains(system.Content, "catalog_search") {
		t.Error("Expected the system prompt to name the search tool")
	}

	user := prompt.Messages[1]
	if user.Role != "user" {
		t.Errorf("Expected second message to be user, got %q", user.Role)
	}
	if !strings.Contains(user.Content, "Beef Sliders") {
		t.Error("Expected the dish to appear in the user message")
	}

	if len(prompt.Tools) != 1 {
		t.Fatalf("Expected 1 wire tool, got %d", len(prompt.Tools))
	}
	tool := prompt.Tools[0]
	if tool.Type != "function" || tool.Function.Name != "catalog_search" {
		t.Errorf("Unexpected wire tool %+v", tool)
	}
	if typ, ok := tool.Function.Parameters["type"].(string); !ok || typ != "object" {
		t.Errorf("Expected parameters type object, got %v", tool.Function.Parameters["type"])
	}
	params, ok := tool.Function.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("Expected parameters to carry properties as plain JSON")
	}
	if _, ok := params["query"]; !ok {
		t.Error("Expected query parameter to survive conversion")
	}
	if req, ok := tool.Function.Parameters["required"].([]any); !ok || len(req) != 1 || req[0] != "query" {
		t.Errorf("Expected required [query], got %v", tool.Function.Parameters["required"])
	}
}

func TestNewPrompt_DefaultLearnings(t *testing.T) {
	tp := &mockToolProvider{}

	prompt, err := NewPrompt(menucost.DishRequest{Name: "Soup"}, "", tp)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(prompt.Messages[0].Content, menucost.DefaultLearnings) {
		t.Error("Expected empty learnings to fall back to the default")
	}
}

func TestPrompt_HasToolResult(t *testing.T) {
	prompt := Prompt{
		Messages: []Message{
			{Role: "system", Content: "sys"},
			{Role: "tool", Name: "catalog_search", ToolCallID: "call_1", Content: `{"results":[]}`},
		},
	}

	if !prompt.HasToolResult("catalog_search") {
		t.Error("Expected catalog_search result to be found")
	}
	if prompt.HasToolResult("other_tool") {
		t.Error("Expected other_tool result to be absent")
	}
}
