package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"menucost/catalog"
)

type CatalogSearch struct {
	index  *catalog.Index
	limit  int
	cutoff int
}

func NewCatalogSearch(index *catalog.Index, limit, cutoff int) *CatalogSearch {
	return &CatalogSearch{index: index, limit: limit, cutoff: cutoff}
}

func (t *CatalogSearch) Name() string  { return "catalog_search" }
func (t *CatalogSearch) Title() string { return "Search Supplier Catalog" }
func (t *CatalogSearch) Description() string {
	return "Searches the supplier catalog for an ingredient by free-text query and returns case-priced matches."
}

func (t *CatalogSearch) InputSchema() *jsonschema.Schema {
	one := 1.0
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {
				Type:        "string",
				Description: "Name of the ingredient (e.g. 'heavy cream')",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of matches to return",
				Minimum:     &one,
			},
		},
		Required: []string{"query"},
	}
}

func (t *CatalogSearch) OutputSchema() *jsonschema.Schema {
	minScore := 0.0
	minPrice := 0.0
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"results": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"item_number": {Type: "string"},
						"description": {Type: "string"},
						"brand":       {Type: "string"},
						"pack_size":   {Type: "string"},
						"case_price":  {Type: "number", Minimum: &minPrice},
						"match_score": {Type: "integer", Minimum: &minScore},
					},
					Required: []string{"item_number", "description", "case_price", "match_score"},
				},
			},
		},
		Required: []string{"results"},
	}
}

func (t *CatalogSearch) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	query, ok := input["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("catalog_search requires a non-empty query")
	}

	limit := t.limit
	if v, ok := input["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	matches := t.index.Search(query, limit, t.cutoff)

	out := struct {
		Results []catalog.Match `json:"results"`
	}{Results: matches}

	// marshal -> map[string]any to keep outputs uniform
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search results: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to shape search results: %w", err)
	}
	return m, nil
}
