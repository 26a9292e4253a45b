package recipes

import (
	"fmt"
	"sort"
)

// Book is an arena of recipes and raw materials indexed by id. Sub-recipe
// edges are the child id lists carried by each recipe.
type Book struct {
	recipes   map[int64]*Recipe
	materials map[int64]RawMaterial
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{
		recipes:   make(map[int64]*Recipe),
		materials: make(map[int64]RawMaterial),
	}
}

// AddMaterial registers a raw material.
func (b *Book) AddMaterial(m RawMaterial) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.materials[m.ID] = m
	return nil
}

// AddRecipe registers a recipe snapshot. Edges already present on the
// snapshot are trusted here; Link is the checked way to grow the graph.
func (b *Book) AddRecipe(r Recipe) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cp := r
	cp.Ingredients = append([]Ingredient(nil), r.Ingredients...)
	cp.SubRecipes = append([]SubRecipe(nil), r.SubRecipes...)
	cp.FixedCosts = append([]FixedCost(nil), r.FixedCosts...)
	b.recipes[r.ID] = &cp
	return nil
}

// Recipe returns the recipe with id.
func (b *Book) Recipe(id int64) (*Recipe, bool) {
	r, ok := b.recipes[id]
	return r, ok
}

// Material returns the raw material with id.
func (b *Book) Material(id int64) (RawMaterial, bool) {
	m, ok := b.materials[id]
	return m, ok
}

// Len returns the number of recipes.
func (b *Book) Len() int {
	return len(b.recipes)
}

// Link adds a composition edge parent → sub.RecipeID after proving it does
// not close a cycle.
func (b *Book) Link(parentID int64, sub SubRecipe) error {
	parent, ok := b.recipes[parentID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRecipeNotFound, parentID)
	}
	if _, ok := b.recipes[sub.RecipeID]; !ok {
		return fmt.Errorf("%w: %d", ErrRecipeNotFound, sub.RecipeID)
	}
	if !sub.Quantity.IsPositive() {
		return invalid(recipeField(parentID, "sub_recipe.quantity"), "must be positive")
	}
	if path := b.pathBetween(sub.RecipeID, parentID); path != nil {
		return &CyclicCompositionError{Path: append([]int64{parentID}, path...)}
	}
	parent.SubRecipes = append(parent.SubRecipes, sub)
	return nil
}

// pathBetween runs a DFS with an explicit stack and returns the first path
// from → to, or nil when to is unreachable.
func (b *Book) pathBetween(from, to int64) []int64 {
	type frame struct {
		id   int64
		next int
	}
	visited := map[int64]bool{from: true}
	stack := []frame{{id: from}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.id == to {
			path := make([]int64, len(stack))
			for i, f := range stack {
				path[i] = f.id
			}
			return path
		}
		r := b.recipes[top.id]
		if r == nil || top.next >= len(r.SubRecipes) {
			stack = stack[:len(stack)-1]
			continue
		}
		child := r.SubRecipes[top.next].RecipeID
		top.next++
		if visited[child] {
			continue
		}
		visited[child] = true
		stack = append(stack, frame{id: child})
	}
	return nil
}

// CheckAcyclic verifies the whole composition graph. Snapshots loaded from
// storage pass through it before any traversal.
func (b *Book) CheckAcyclic() error {
	ids := b.ids()
	const (
		white = iota
		grey
		black
	)
	color := make(map[int64]int, len(ids))
	type frame struct {
		id   int64
		next int
	}
	for _, root := range ids {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			r := b.recipes[top.id]
			if r == nil || top.next >= len(r.SubRecipes) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := r.SubRecipes[top.next].RecipeID
			top.next++
			switch color[child] {
			case grey:
				path := []int64{}
				for i := len(stack) - 1; i >= 0; i-- {
					path = append([]int64{stack[i].id}, path...)
					if stack[i].id == child {
						break
					}
				}
				return &CyclicCompositionError{Path: append(path, child)}
			case white:
				color[child] = grey
				stack = append(stack, frame{id: child})
			}
		}
	}
	return nil
}

func (b *Book) ids() []int64 {
	ids := make([]int64, 0, len(b.recipes))
	for id := range b.recipes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
