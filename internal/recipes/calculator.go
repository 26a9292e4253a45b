package recipes

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/recipe-costing/internal/units"
)

// DefaultMaxDepth bounds sub-recipe nesting when no option overrides it.
const DefaultMaxDepth = 32

// Converter converts quantities between units.
type Converter interface {
	Convert(qty decimal.Decimal, from, to string, scope units.Scope) (decimal.Decimal, error)
}

// Calculator prices recipes bottom-up over the composition graph.
type Calculator struct {
	converter Converter
	allocator *Allocator
	maxDepth  int
}

// CalculatorOption customises a Calculator.
type CalculatorOption func(*Calculator)

// WithMaxDepth limits how deep sub-recipes may nest below the priced recipe.
func WithMaxDepth(n int) CalculatorOption {
	return func(c *Calculator) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// NewCalculator constructs a calculator.
func NewCalculator(converter Converter, opts ...CalculatorOption) *Calculator {
	c := &Calculator{converter: converter, allocator: NewAllocator(), maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type memoKey struct {
	recipeID int64
	scale    string
}

// frame is one pending node of the post-order walk.
type frame struct {
	recipe *Recipe
	depth  int
	next   int
	calc   Calculation
}

// Cost prices recipeID at scale. Sub-recipe results are memoised for the
// duration of this call only.
func (c *Calculator) Cost(book *Book, recipeID int64, scale decimal.Decimal, scope units.Scope) (Calculation, error) {
	if !scale.IsPositive() {
		return Calculation{}, invalid("scale_factor", "must be positive")
	}
	root, ok := book.Recipe(recipeID)
	if !ok {
		return Calculation{}, fmt.Errorf("%w: %d", ErrRecipeNotFound, recipeID)
	}

	memo := make(map[memoKey]Calculation)
	visiting := make(map[int64]bool)
	var stack []frame

	push := func(r *Recipe, s decimal.Decimal, depth int) error {
		f := frame{recipe: r, depth: depth}
		f.calc = Calculation{
			RecipeID:       r.ID,
			ScaleFactor:    s,
			SubRecipesCost: decimal.Zero,
			SubRecipes:     make([]SubRecipeLine, 0, len(r.SubRecipes)),
		}
		materials, lines, err := c.materials(book, r, s, scope)
		if err != nil {
			return err
		}
		f.calc.MaterialsCost = materials
		f.calc.Ingredients = lines
		visiting[r.ID] = true
		stack = append(stack, f)
		return nil
	}

	if err := push(root, scale, 0); err != nil {
		return Calculation{}, err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.recipe.SubRecipes) {
			sub := top.recipe.SubRecipes[top.next]
			childScale := sub.Quantity.Mul(top.calc.ScaleFactor)
			if done, ok := memo[memoKey{recipeID: sub.RecipeID, scale: childScale.String()}]; ok {
				top.addSub(sub.RecipeID, childScale, done.TotalCost)
				continue
			}
			if visiting[sub.RecipeID] {
				return Calculation{}, &CyclicCompositionError{Path: stackPath(stack, sub.RecipeID)}
			}
			child, ok := book.Recipe(sub.RecipeID)
			if !ok {
				return Calculation{}, fmt.Errorf("%w: %d", ErrRecipeNotFound, sub.RecipeID)
			}
			if top.depth+1 > c.maxDepth {
				return Calculation{}, &InvalidInputError{
					Field:  recipeField(recipeID, "composition"),
					Reason: fmt.Sprintf("nested deeper than %d levels", c.maxDepth),
					Err:    ErrDepthExceeded,
				}
			}
			if err := push(child, childScale, top.depth+1); err != nil {
				return Calculation{}, err
			}
			continue
		}

		calc, err := c.finish(top)
		if err != nil {
			return Calculation{}, err
		}
		memo[memoKey{recipeID: calc.RecipeID, scale: calc.ScaleFactor.String()}] = calc
		delete(visiting, calc.RecipeID)
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return calc, nil
		}
		stack[len(stack)-1].addSub(calc.RecipeID, calc.ScaleFactor, calc.TotalCost)
	}
	return Calculation{}, fmt.Errorf("%w: %d", ErrRecipeNotFound, recipeID)
}

func (f *frame) addSub(recipeID int64, scale, cost decimal.Decimal) {
	f.calc.SubRecipes = append(f.calc.SubRecipes, SubRecipeLine{RecipeID: recipeID, ScaleFactor: scale, Cost: cost})
	f.calc.SubRecipesCost = f.calc.SubRecipesCost.Add(cost)
	f.next++
}

// finish allocates fixed costs and computes totals for a frame whose
// children are all priced.
func (c *Calculator) finish(f *frame) (Calculation, error) {
	calc := f.calc
	fixed, lines, err := c.allocator.Allocate(f.recipe, calc.ScaleFactor, calc.MaterialsCost)
	if err != nil {
		return Calculation{}, err
	}
	calc.FixedCosts = fixed
	calc.Overheads = lines
	calc.TotalCost = calc.MaterialsCost.Add(calc.SubRecipesCost).Add(calc.FixedCosts)
	calc.Yield = f.recipe.YieldQuantity.Mul(calc.ScaleFactor)
	if !calc.Yield.IsPositive() {
		return Calculation{}, invalid(recipeField(f.recipe.ID, "yield_quantity"), "must be positive")
	}
	calc.CostPerUnit = calc.TotalCost.DivRound(calc.Yield, UnitCostPlaces)
	return calc, nil
}

// materials prices every ingredient of r at scale, rounding each line.
func (c *Calculator) materials(book *Book, r *Recipe, scale decimal.Decimal, scope units.Scope) (decimal.Decimal, []IngredientLine, error) {
	total := decimal.Zero
	lines := make([]IngredientLine, 0, len(r.Ingredients))
	for _, ing := range r.Ingredients {
		material, ok := book.Material(ing.MaterialID)
		if !ok {
			return decimal.Decimal{}, nil, fmt.Errorf("%w: %d", ErrMaterialNotFound, ing.MaterialID)
		}
		qty := ing.Quantity.Mul(scale)
		converted, err := c.converter.Convert(qty, ing.Unit, material.PurchaseUnit, scope)
		if err != nil {
			return decimal.Decimal{}, nil, err
		}
		perUnit := material.CostPerPurchaseUnit()
		cost := converted.Mul(perUnit).Round(MoneyPlaces)
		lines = append(lines, IngredientLine{
			MaterialID:   ing.MaterialID,
			Quantity:     qty,
			Unit:         ing.Unit,
			PurchaseQty:  converted,
			PurchaseUnit: material.PurchaseUnit,
			UnitCost:     perUnit,
			Cost:         cost,
			LowStock:     material.LowStock(),
		})
		total = total.Add(cost)
	}
	return total, lines, nil
}

func stackPath(stack []frame, closing int64) []int64 {
	path := make([]int64, 0, len(stack)+1)
	start := 0
	for i, f := range stack {
		if f.recipe.ID == closing {
			start = i
			break
		}
	}
	for _, f := range stack[start:] {
		path = append(path, f.recipe.ID)
	}
	return append(path, closing)
}
