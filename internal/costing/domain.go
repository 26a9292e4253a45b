package costing

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/recipe-costing/internal/recipes"
)

// ConvertInput asks for a unit conversion.
type ConvertInput struct {
	Quantity decimal.Decimal `json:"quantity" validate:"gte=0"`
	From     string          `json:"from" validate:"required,max=32"`
	To       string          `json:"to" validate:"required,max=32"`
	OwnerID  string          `json:"owner_id" validate:"max=64"`
}

// CostInput asks for the cost of a recipe at a scale factor.
type CostInput struct {
	RecipeID    int64           `json:"recipe_id" validate:"required,gt=0"`
	ScaleFactor decimal.Decimal `json:"scale_factor" validate:"gt=0"`
	OwnerID     string          `json:"owner_id" validate:"max=64"`
}

// PriceInput asks for selling prices of a unit cost. An empty MarginIDs
// selects every active margin.
type PriceInput struct {
	Cost      decimal.Decimal `json:"cost" validate:"gte=0"`
	MarginIDs []int64         `json:"margin_ids" validate:"omitempty,dive,gt=0"`
}

// BreakEvenInput asks for break-even targets of candidate prices.
type BreakEvenInput struct {
	Cost                decimal.Decimal   `json:"cost" validate:"gte=0"`
	FixedCostsPerPeriod decimal.Decimal   `json:"fixed_costs_per_period" validate:"gte=0"`
	Candidates          []decimal.Decimal `json:"candidates" validate:"required,min=1,dive,gt=0"`
}

// LinkInput adds a sub-recipe to a recipe.
type LinkInput struct {
	ParentID int64           `json:"parent_id" validate:"required,gt=0"`
	ChildID  int64           `json:"recipe_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity" validate:"gt=0"`
}

// HistoryRecord is a persisted cost calculation.
type HistoryRecord struct {
	ID             uuid.UUID       `json:"id"`
	RecipeID       int64           `json:"recipe_id"`
	ScaleFactor    decimal.Decimal `json:"scale_factor"`
	MaterialsCost  decimal.Decimal `json:"materials_cost"`
	SubRecipesCost decimal.Decimal `json:"sub_recipes_cost"`
	FixedCosts     decimal.Decimal `json:"fixed_costs"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	CostPerUnit    decimal.Decimal `json:"cost_per_unit"`
	OwnerID        string          `json:"owner_id,omitempty"`
	CalculatedAt   time.Time       `json:"calculated_at"`
}

func newHistoryRecord(calc recipes.Calculation, ownerID string, at time.Time) HistoryRecord {
	return HistoryRecord{
		ID:             uuid.New(),
		RecipeID:       calc.RecipeID,
		ScaleFactor:    calc.ScaleFactor,
		MaterialsCost:  calc.MaterialsCost,
		SubRecipesCost: calc.SubRecipesCost,
		FixedCosts:     calc.FixedCosts,
		TotalCost:      calc.TotalCost,
		CostPerUnit:    calc.CostPerUnit,
		OwnerID:        ownerID,
		CalculatedAt:   at,
	}
}

var (
	// ErrHistoryNotFound occurs when a recipe was never costed.
	ErrHistoryNotFound = errors.New("costing: cost history not found")
	// ErrMarginNotFound occurs when a requested margin does not exist.
	ErrMarginNotFound = errors.New("costing: profit margin not found")
)
