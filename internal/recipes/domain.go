package recipes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// MoneyPlaces is the precision of monetary totals.
	MoneyPlaces = 2
	// UnitCostPlaces is the precision of per-unit costs.
	UnitCostPlaces = 6
)

// Method enumerates fixed-cost allocation methods.
type Method string

const (
	// MethodFixedAmount charges the declared amount once per batch.
	MethodFixedAmount Method = "FIXED_AMOUNT"
	// MethodTimeBased charges an hourly rate over preparation and baking time.
	MethodTimeBased Method = "TIME_BASED"
	// MethodPercentageOfMaterial charges a share of the materials cost.
	MethodPercentageOfMaterial Method = "PERCENTAGE_OF_MATERIAL"
	// MethodPerUnit charges the amount for every produced unit.
	MethodPerUnit Method = "PER_UNIT"
)

// RawMaterial is bought in lots of PurchaseQuantity PurchaseUnit for UnitCost.
type RawMaterial struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	PurchaseUnit     string          `json:"purchase_unit"`
	PurchaseQuantity decimal.Decimal `json:"purchase_quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	CurrentStock     decimal.Decimal `json:"current_stock"`
	MinimumStock     decimal.Decimal `json:"minimum_stock"`
}

// CostPerPurchaseUnit returns the price of one purchase unit.
func (m RawMaterial) CostPerPurchaseUnit() decimal.Decimal {
	return m.UnitCost.DivRound(m.PurchaseQuantity, UnitCostPlaces)
}

// LowStock reports whether stock fell under the minimum.
func (m RawMaterial) LowStock() bool {
	return m.CurrentStock.LessThan(m.MinimumStock)
}

// Validate checks purchase invariants.
func (m RawMaterial) Validate() error {
	if strings.TrimSpace(m.PurchaseUnit) == "" {
		return invalid(materialField(m.ID, "purchase_unit"), "is required")
	}
	if !m.PurchaseQuantity.IsPositive() {
		return invalid(materialField(m.ID, "purchase_quantity"), "must be positive")
	}
	if m.UnitCost.IsNegative() {
		return invalid(materialField(m.ID, "unit_cost"), "must not be negative")
	}
	return nil
}

// Ingredient uses Quantity of a raw material expressed in Unit.
type Ingredient struct {
	MaterialID int64           `json:"material_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Unit       string          `json:"unit"`
	Optional   bool            `json:"optional"`
}

// SubRecipe uses Quantity batches of another recipe.
type SubRecipe struct {
	RecipeID int64           `json:"recipe_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// FixedCost is a named overhead line.
type FixedCost struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Method     Method          `json:"method"`
	Percentage decimal.Decimal `json:"percentage"`
	// TimeInMinutes, when positive, replaces the recipe's prep + bake minutes
	// for a TIME_BASED line. This departs from the plain prep + bake rule and
	// lets one line charge e.g. oven time only.
	TimeInMinutes int `json:"time_in_minutes,omitempty"`
}

// Recipe is one node of the composition graph.
type Recipe struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	YieldQuantity decimal.Decimal `json:"yield_quantity"`
	YieldUnit     string          `json:"yield_unit"`
	PrepMinutes   int             `json:"prep_minutes"`
	BakeMinutes   int             `json:"bake_minutes"`
	CoolMinutes   int             `json:"cool_minutes"`
	Ingredients   []Ingredient    `json:"ingredients"`
	SubRecipes    []SubRecipe     `json:"sub_recipes"`
	FixedCosts    []FixedCost     `json:"fixed_costs"`
}

// Validate checks positive yield and quantities and non-negative amounts.
func (r Recipe) Validate() error {
	if !r.YieldQuantity.IsPositive() {
		return invalid(recipeField(r.ID, "yield_quantity"), "must be positive")
	}
	if r.PrepMinutes < 0 || r.BakeMinutes < 0 || r.CoolMinutes < 0 {
		return invalid(recipeField(r.ID, "minutes"), "must not be negative")
	}
	for i, ing := range r.Ingredients {
		if !ing.Quantity.IsPositive() {
			return invalid(recipeField(r.ID, "ingredients["+strconv.Itoa(i)+"].quantity"), "must be positive")
		}
		if strings.TrimSpace(ing.Unit) == "" {
			return invalid(recipeField(r.ID, "ingredients["+strconv.Itoa(i)+"].unit"), "is required")
		}
	}
	for i, sub := range r.SubRecipes {
		if !sub.Quantity.IsPositive() {
			return invalid(recipeField(r.ID, "sub_recipes["+strconv.Itoa(i)+"].quantity"), "must be positive")
		}
	}
	for i, fc := range r.FixedCosts {
		if err := fc.validate(); err != nil {
			var in *InvalidInputError
			if errors.As(err, &in) {
				in.Field = recipeField(r.ID, "fixed_costs["+strconv.Itoa(i)+"]."+in.Field)
			}
			return err
		}
	}
	return nil
}

func (fc FixedCost) validate() error {
	if fc.Amount.IsNegative() {
		return invalid("amount", "must not be negative")
	}
	if fc.Percentage.IsNegative() {
		return invalid("percentage", "must not be negative")
	}
	if fc.TimeInMinutes < 0 {
		return invalid("time_in_minutes", "must not be negative")
	}
	switch fc.Method {
	case MethodFixedAmount, MethodTimeBased, MethodPercentageOfMaterial, MethodPerUnit:
		return nil
	}
	return invalid("method", fmt.Sprintf("unsupported method %q", fc.Method))
}

// IngredientLine is the costed view of one ingredient.
type IngredientLine struct {
	MaterialID   int64           `json:"material_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
	PurchaseQty  decimal.Decimal `json:"purchase_quantity"`
	PurchaseUnit string          `json:"purchase_unit"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Cost         decimal.Decimal `json:"cost"`
	// LowStock flags materials whose current stock is under the minimum.
	LowStock bool `json:"low_stock,omitempty"`
}

// SubRecipeLine is the costed view of one sub-recipe edge.
type SubRecipeLine struct {
	RecipeID    int64           `json:"recipe_id"`
	ScaleFactor decimal.Decimal `json:"scale_factor"`
	Cost        decimal.Decimal `json:"cost"`
}

// FixedCostLine is the allocated value of one overhead line.
type FixedCostLine struct {
	Name   string          `json:"name"`
	Method Method          `json:"method"`
	Cost   decimal.Decimal `json:"cost"`
}

// Calculation is the cost breakdown of a recipe at a scale factor.
type Calculation struct {
	RecipeID       int64            `json:"recipe_id"`
	ScaleFactor    decimal.Decimal  `json:"scale_factor"`
	MaterialsCost  decimal.Decimal  `json:"materials_cost"`
	SubRecipesCost decimal.Decimal  `json:"sub_recipes_cost"`
	FixedCosts     decimal.Decimal  `json:"fixed_costs"`
	TotalCost      decimal.Decimal  `json:"total_cost"`
	CostPerUnit    decimal.Decimal  `json:"cost_per_unit"`
	Yield          decimal.Decimal  `json:"yield"`
	Ingredients    []IngredientLine `json:"ingredients"`
	SubRecipes     []SubRecipeLine  `json:"sub_recipes"`
	Overheads      []FixedCostLine  `json:"overheads"`
}

var (
	// ErrRecipeNotFound occurs when a recipe id is not in the book.
	ErrRecipeNotFound = errors.New("recipes: recipe not found")
	// ErrMaterialNotFound occurs when an ingredient references an unknown material.
	ErrMaterialNotFound = errors.New("recipes: raw material not found")
	// ErrDepthExceeded occurs when composition is nested deeper than allowed.
	ErrDepthExceeded = errors.New("recipes: composition depth exceeded")
)

// InvalidInputError reports a precondition violation.
type InvalidInputError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("recipes: invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

func invalid(field, reason string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: reason}
}

// CyclicCompositionError reports a recipe that contains itself.
type CyclicCompositionError struct {
	Path []int64
}

func (e *CyclicCompositionError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "recipes: cyclic composition " + strings.Join(parts, " -> ")
}

func recipeField(id int64, field string) string {
	return "recipe " + strconv.FormatInt(id, 10) + " " + field
}

func materialField(id int64, field string) string {
	return "material " + strconv.FormatInt(id, 10) + " " + field
}
