// Package pricing derives selling prices and break-even targets from unit costs.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/recipe-costing/internal/recipes"
)

var (
	hundred   = decimal.NewFromInt(100)
	maxMargin = decimal.NewFromInt(500)
)

// ProfitMargin is a named markup percentage.
type ProfitMargin struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Percentage decimal.Decimal `json:"percentage"`
	Default    bool            `json:"default"`
	Active     bool            `json:"active"`
}

// BreakEvenPoint is the break-even target for one candidate price.
type BreakEvenPoint struct {
	SellingPrice       decimal.Decimal `json:"selling_price"`
	ContributionMargin decimal.Decimal `json:"contribution_margin"`
	Units              int64           `json:"units"`
	Revenue            decimal.Decimal `json:"revenue"`
}

// InvalidInputError is shared with the recipes package.
type InvalidInputError = recipes.InvalidInputError

// InvalidMarginError reports a non-positive contribution margin.
type InvalidMarginError struct {
	SellingPrice decimal.Decimal
	VariableCost decimal.Decimal
}

func (e *InvalidMarginError) Error() string {
	return fmt.Sprintf("pricing: selling price %s does not exceed variable cost %s", e.SellingPrice, e.VariableCost)
}

// PriceWithMargin returns cost marked up by marginPercent, rounded to cents.
func PriceWithMargin(cost, marginPercent decimal.Decimal) (decimal.Decimal, error) {
	if cost.IsNegative() {
		return decimal.Decimal{}, &InvalidInputError{Field: "cost", Reason: "must not be negative"}
	}
	if marginPercent.IsNegative() || marginPercent.GreaterThan(maxMargin) {
		return decimal.Decimal{}, &InvalidInputError{Field: "margin_percent", Reason: "must be between 0 and 500"}
	}
	factor := decimal.NewFromInt(1).Add(marginPercent.Div(hundred))
	return cost.Mul(factor).Round(recipes.MoneyPlaces), nil
}

// BreakEvenUnits returns how many units must sell to cover fixed costs.
func BreakEvenUnits(fixedCosts, sellingPrice, variableCost decimal.Decimal) (int64, error) {
	if fixedCosts.IsNegative() {
		return 0, &InvalidInputError{Field: "fixed_costs", Reason: "must not be negative"}
	}
	contribution := sellingPrice.Sub(variableCost)
	if !contribution.IsPositive() {
		return 0, &InvalidMarginError{SellingPrice: sellingPrice, VariableCost: variableCost}
	}
	return fixedCosts.Div(contribution).Ceil().IntPart(), nil
}

// BreakEvenRevenue returns the revenue at the break-even volume.
func BreakEvenRevenue(units int64, sellingPrice decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(units).Mul(sellingPrice).Round(recipes.MoneyPlaces)
}

// PriceWithMargins prices cost under every active margin, keyed by name.
func PriceWithMargins(cost decimal.Decimal, margins []ProfitMargin) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(margins))
	for _, m := range margins {
		if !m.Active {
			continue
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return nil, &InvalidInputError{Field: "margin.name", Reason: "is required"}
		}
		if _, dup := out[name]; dup {
			return nil, &InvalidInputError{Field: "margin.name", Reason: fmt.Sprintf("duplicate margin %q", name)}
		}
		price, err := PriceWithMargin(cost, m.Percentage)
		if err != nil {
			return nil, err
		}
		out[name] = price
	}
	return out, nil
}

// BreakEven evaluates every candidate selling price against cost per unit
// and the fixed costs of one period, in candidate order.
func BreakEven(cost, fixedCosts decimal.Decimal, candidates []decimal.Decimal) ([]BreakEvenPoint, error) {
	points := make([]BreakEvenPoint, 0, len(candidates))
	for _, price := range candidates {
		units, err := BreakEvenUnits(fixedCosts, price, cost)
		if err != nil {
			return nil, err
		}
		points = append(points, BreakEvenPoint{
			SellingPrice:       price,
			ContributionMargin: price.Sub(cost),
			Units:              units,
			Revenue:            BreakEvenRevenue(units, price),
		})
	}
	return points, nil
}

// DefaultMargin returns the active margin flagged as default.
func DefaultMargin(margins []ProfitMargin) (ProfitMargin, bool) {
	for _, m := range margins {
		if m.Active && m.Default {
			return m, true
		}
	}
	return ProfitMargin{}, false
}
