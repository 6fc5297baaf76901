// Package mock provides a deterministic estimator for tests and offline
// runs. No reasoning service, no catalog; dishes are priced from canned
// line items.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"menucost"
)

// Estimator prices dishes from a canned table. Dishes without an entry get
// a single estimated ingredient so downstream invariants still hold.
type Estimator struct {
	mu sync.Mutex

	// Items maps dish name to the line item to return.
	Items map[string]menucost.LineItem

	// FailOn maps dish name to the error Estimate returns for it.
	FailOn map[string]error

	// CompactDelta is returned from Compact. CompactErr takes precedence.
	CompactDelta string
	CompactErr   error

	// EstimatedDishes records the order dishes were estimated in.
	EstimatedDishes []string

	// CompactCalls counts Compact invocations.
	CompactCalls int
}

func NewEstimator() *Estimator {
	return &Estimator{
		Items:  map[string]menucost.LineItem{},
		FailOn: map[string]error{},
	}
}

func (e *Estimator) Estimate(ctx context.Context, dish menucost.DishRequest, learnings string) (menucost.LineItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return menucost.LineItem{}, err
	}

	e.EstimatedDishes = append(e.EstimatedDishes, dish.Name)

	if err, ok := e.FailOn[dish.Name]; ok {
		return menucost.LineItem{}, &menucost.EstimationError{Dish: dish.Name, Err: err}
	}

	if item, ok := e.Items[dish.Name]; ok {
		item.IngredientCostPerUnit = item.TotalFromIngredients()
		return item, nil
	}

	cost := 1.00
	return menucost.LineItem{
		ItemName: dish.Name,
		Category: dish.Category,
		Ingredients: []menucost.Ingredient{
			{Name: "base ingredient", Quantity: "1 each", UnitCost: &cost, Source: menucost.SourceEstimated},
		},
		IngredientCostPerUnit: cost,
	}, nil
}

func (e *Estimator) Compact(ctx context.Context, items []menucost.LineItem) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CompactCalls++

	if e.CompactErr != nil {
		return "", e.CompactErr
	}
	if e.CompactDelta != "" {
		return e.CompactDelta, nil
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.ItemName)
	}
	return fmt.Sprintf("Priced %s.", strings.Join(names, ", ")), nil
}
