package recipes

import (
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	minutesPerHour = decimal.NewFromInt(60)
	hundred        = decimal.NewFromInt(100)
)

// Allocator turns the fixed-cost lines of a recipe into money.
type Allocator struct{}

// NewAllocator constructs an allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate sums every fixed-cost line of r at scale, in declaration order.
func (a *Allocator) Allocate(r *Recipe, scale, materialsCost decimal.Decimal) (decimal.Decimal, []FixedCostLine, error) {
	total := decimal.Zero
	lines := make([]FixedCostLine, 0, len(r.FixedCosts))
	for i, fc := range r.FixedCosts {
		cost, err := a.line(r, fc, scale, materialsCost)
		if err != nil {
			var in *InvalidInputError
			if errors.As(err, &in) {
				in.Field = recipeField(r.ID, "fixed_costs["+strconv.Itoa(i)+"]."+in.Field)
			}
			return decimal.Decimal{}, nil, err
		}
		lines = append(lines, FixedCostLine{Name: fc.Name, Method: fc.Method, Cost: cost})
		total = total.Add(cost)
	}
	return total, lines, nil
}

func (a *Allocator) line(r *Recipe, fc FixedCost, scale, materialsCost decimal.Decimal) (decimal.Decimal, error) {
	if err := fc.validate(); err != nil {
		return decimal.Decimal{}, err
	}
	switch fc.Method {
	case MethodFixedAmount:
		return fc.Amount, nil
	case MethodTimeBased:
		// Time is charged once per production run, independent of scale.
		minutes := r.PrepMinutes + r.BakeMinutes
		if fc.TimeInMinutes > 0 {
			minutes = fc.TimeInMinutes
		}
		return fc.Amount.Mul(decimal.NewFromInt(int64(minutes))).Div(minutesPerHour).Round(MoneyPlaces), nil
	case MethodPercentageOfMaterial:
		return materialsCost.Mul(fc.Percentage).Div(hundred).Round(MoneyPlaces), nil
	case MethodPerUnit:
		return fc.Amount.Mul(r.YieldQuantity).Mul(scale).Round(MoneyPlaces), nil
	}
	return decimal.Decimal{}, invalid("method", "unsupported method "+string(fc.Method))
}
