package mock

import (
	"context"
	"errors"
	"testing"

	"menucost"
)

func TestEstimator_Estimate(t *testing.T) {
	est := NewEstimator()

	cost := 0.75
	est.Items["Beef Sliders"] = menucost.LineItem{
		ItemName: "Beef Sliders",
		Category: "appetizer",
		Ingredients: []menucost.Ingredient{
			{Name: "ground beef", Quantity: "2 oz", UnitCost: &cost, Source: menucost.SourceCatalog, ItemNumber: "2001"},
		},
	}
	est.FailOn["Unicorn Steak"] = errors.New("no such dish")

	item, err := est.Estimate(context.Background(), menucost.DishRequest{Name: "Beef Sliders"}, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if item.IngredientCostPerUnit != 0.75 {
		t.Errorf("Expected total to be recomputed to 0.75, got %v", item.IngredientCostPerUnit)
	}

	// Unknown dishes get a valid fallback item.
	item, err = est.Estimate(context.Background(), menucost.DishRequest{Name: "Soup", Category: "soups"}, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !item.IsValid() {
		t.Error("Expected fallback item to be valid")
	}

	_, err = est.Estimate(context.Background(), menucost.DishRequest{Name: "Unicorn Steak"}, "")
	var ee *menucost.EstimationError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected an EstimationError, got %T", err)
	}

	want := []string{"Beef Sliders", "Soup", "Unicorn Steak"}
	if len(est.EstimatedDishes) != len(want) {
		t.Fatalf("Expected %d recorded dishes, got %d", len(want), len(est.EstimatedDishes))
	}
	for i, name := range want {
		if est.EstimatedDishes[i] != name {
			t.Errorf("Dish %d: expected %q, got %q", i, name, est.EstimatedDishes[i])
		}
	}
}

func TestEstimator_Compact(t *testing.T) {
	est := NewEstimator()

	delta, err := est.Compact(context.Background(), []menucost.LineItem{{ItemName: "Soup"}, {ItemName: "Salad"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if delta != "Priced Soup, Salad." {
		t.Errorf("Unexpected delta %q", delta)
	}

	est.CompactDelta = "canned"
	if delta, _ := est.Compact(context.Background(), nil); delta != "canned" {
		t.Errorf("Expected canned delta, got %q", delta)
	}

	est.CompactErr = errors.New("compactor down")
	if _, err := est.Compact(context.Background(), nil); err == nil {
		t.Fatal("Expected error but got none")
	}

	if est.CompactCalls != 3 {
		t.Errorf("Expected 3 compact calls, got %d", est.CompactCalls)
	}
}
