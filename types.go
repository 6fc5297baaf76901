package menucost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"menucost/tools"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type ToolProvider interface {
	GetTools() []tools.Tool
	GetTool(name string) (tools.Tool, error)
}

// Estimator prices a single dish and distills batch results into learnings.
type Estimator interface {
	Estimate(ctx context.Context, dish DishRequest, learnings string) (LineItem, error)
	Compact(ctx context.Context, items []LineItem) (string, error)
}

type Notifier interface {
	PostMessage(ctx context.Context, channel string, message string) error
}

// Pricing sources for an ingredient, in strict order of preference.
const (
	SourceCatalog      = "catalog"
	SourceEstimated    = "estimated"
	SourceNotAvailable = "not_available"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultLearnings seeds the rolling learnings string for a fresh job.
const DefaultLearnings = "None yet. Proceed with standard search."

// LearningsSeparator joins learnings deltas so the model can tell batches apart.
const LearningsSeparator = " | "

// DishRequest is a menu dish submitted for pricing. It is owned by the
// caller; the pipeline only reads it.
type DishRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Ingredient is a single component of a priced dish.
type Ingredient struct {
	Name       string   `json:"name"`
	Quantity   string   `json:"quantity"`
	UnitCost   *float64 `json:"unit_cost"`
	Source     string   `json:"source"`
	ItemNumber string   `json:"item_number,omitempty"`
}

// LineItem is a fully priced dish with its ingredient breakdown.
type LineItem struct {
	ItemName              string       `json:"item_name"`
	Category              string       `json:"category"`
	Ingredients           []Ingredient `json:"ingredients"`
	IngredientCostPerUnit float64      `json:"ingredient_cost_per_unit"`
}

// TotalFromIngredients sums the non-null ingredient unit costs. Ingredients
// without a cost contribute zero; they stay visible in the breakdown.
func (li *LineItem) TotalFromIngredients() float64 {
	var total float64
	for _, ing := range li.Ingredients {
		if ing.UnitCost != nil {
			total += *ing.UnitCost
		}
	}
	return total
}

// MissingIngredients returns the names of ingredients that were not priced
// from the catalog. Feeds the context compactor.
func (li *LineItem) MissingIngredients() []string {
	missing := make([]string, 0)
	for _, ing := range li.Ingredients {
		if ing.Source != SourceCatalog {
			missing = append(missing, ing.Name)
		}
	}
	return missing
}

// IsValid checks if the LineItem meets basic validation requirements
func (li *LineItem) IsValid() bool {
	if li.ItemName == "" {
		return false
	}

	if len(li.Ingredients) == 0 {
		return false
	}

	for _, ing := range li.Ingredients {
		if ing.Name == "" || ing.Quantity == "" {
			return false
		}

		switch ing.Source {
		case SourceCatalog:
			// A catalog match must carry the supplier reference.
			if ing.ItemNumber == "" {
				return false
			}
		case SourceEstimated:
		case SourceNotAvailable:
			// Unpriceable ingredients must not carry a cost.
			if ing.UnitCost != nil {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// JobState is the unit of durability for a pricing job. It is created at
// process start, mutated only by the orchestrator after each batch, and
// persisted atomically after every mutation.
type JobState struct {
	ProcessedCount   int        `json:"processed_count"`
	ProcessedItems   []LineItem `json:"processed_items"`
	CurrentLearnings string     `json:"current_learnings"`
	Status           string     `json:"status"`
}

// NewJobState returns a blank job state.
func NewJobState() JobState {
	return JobState{
		ProcessedItems:   make([]LineItem, 0),
		CurrentLearnings: DefaultLearnings,
		Status:           StatusPending,
	}
}

// ProcessedNames returns the set of dish names already priced. Lookups
// against this set decide what is skipped on resume, so dish names must be
// stable identifiers across a resume.
func (js *JobState) ProcessedNames() map[string]struct{} {
	names := make(map[string]struct{}, len(js.ProcessedItems))
	for _, item := range js.ProcessedItems {
		names[item.ItemName] = struct{}{}
	}
	return names
}

// JobStatus is the poll snapshot exposed to the surrounding application.
type JobStatus struct {
	ProcessedCount     int        `json:"processed_count"`
	TotalItemsInState  int        `json:"total_items_in_state"`
	TotalKnown         int        `json:"total_known"`
	Status             string     `json:"status"`
	Learnings          string     `json:"learnings"`
	LatestItems        []LineItem `json:"latest_items"`
	DurabilityDegraded bool       `json:"durability_degraded,omitempty"`
	LastSaveError      string     `json:"last_save_error,omitempty"`
}

// CateringQuote is the final output structure for a completed job.
type CateringQuote struct {
	QuoteID     string     `json:"quote_id"`
	Event       string     `json:"event"`
	GeneratedAt string     `json:"generated_at"`
	LineItems   []LineItem `json:"line_items"`
}

// NewCateringQuote builds a quote from priced line items.
func NewCateringQuote(event string, items []LineItem) CateringQuote {
	return CateringQuote{
		QuoteID:     uuid.New().String(),
		Event:       event,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		LineItems:   items,
	}
}

// EstimationError reports a failed dish estimation: either the reasoning
// service errored, or its final output did not validate against the LineItem
// shape. RawPayload carries the offending payload for diagnostics.
type EstimationError struct {
	Dish       string
	RawPayload string
	Err        error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimation failed for %q: %v", e.Dish, e.Err)
}

func (e *EstimationError) Unwrap() error {
	return e.Err
}

// LineItemSchema is the JSON schema for the final LineItem payload. The same
// map is embedded in the system prompt (so the reasoning service cannot
// invent field names) and compiled by the validator.
func LineItemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"item_name": map[string]any{
				"type":        "string",
				"description": "Name of the dish exactly as submitted",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "Menu category (e.g. appetizers, main_plates)",
			},
			"ingredients": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":     map[string]any{"type": "string"},
						"quantity": map[string]any{"type": "string", "description": "Per-serving amount (e.g. '2 oz', '1 each')"},
						"unit_cost": map[string]any{
							"type":        []any{"number", "null"},
							"description": "Cost for this quantity; null if not available",
						},
						"source": map[string]any{
							"type": "string",
							"enum": []any{SourceCatalog, SourceEstimated, SourceNotAvailable},
						},
						"item_number": map[string]any{
							"type":        []any{"string", "null"},
							"description": "Supplier item number when source is catalog",
						},
					},
					"required": []any{"name", "quantity", "unit_cost", "source"},
				},
				"minItems": 1,
			},
			"ingredient_cost_per_unit": map[string]any{
				"type":        "number",
				"description": "Sum of ingredient unit costs per serving",
			},
		},
		"required": []any{"item_name", "category", "ingredients", "ingredient_cost_per_unit"},
	}
}
