package openai

import "testing"

func TestValidateLineItemJSON(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		expectError bool
	}{
		{
			name:    "valid payload",
			payload: validPayload,
		},
		{
			name:        "not json",
			payload:     "nope",
			expectError: true,
		},
		{
			name:        "missing required fields",
			payload:     `{"item_name": "Soup"}`,
			expectError: true,
		},
		{
			name:        "string unit cost rejected",
			payload:     `{"item_name":"Soup","category":"soups","ingredients":[{"name":"stock","quantity":"8 oz","unit_cost":"$1.00","source":"estimated"}],"ingredient_cost_per_unit":1}`,
			expectError: true,
		},
		{
			name:        "unknown source rejected",
			payload:     `{"item_name":"Soup","category":"soups","ingredients":[{"name":"stock","quantity":"8 oz","unit_cost":1,"source":"guessed"}],"ingredient_cost_per_unit":1}`,
			expectError: true,
		},
		{
			name:        "empty ingredients rejected",
			payload:     `{"item_name":"Soup","category":"soups","ingredients":[],"ingredient_cost_per_unit":0}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLineItemJSON([]byte(tt.payload))
			if tt.expectError && err == nil {
				t.Fatal("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no fences", input: `{"a":1}`, expected: `{"a":1}`},
		{name: "json fence", input: "```json\n{\"a\":1}\n```", expected: `{"a":1}`},
		{name: "bare fence", input: "```\n{\"a\":1}\n```", expected: `{"a":1}`},
		{name: "surrounding whitespace", input: "  {\"a\":1}\n", expected: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.input); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}
