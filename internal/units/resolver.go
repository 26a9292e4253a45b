package units

import (
	"github.com/shopspring/decimal"
)

// QuantityPlaces is the precision of every converted quantity.
const QuantityPlaces = 6

// Resolver converts quantities between units through a Graph.
type Resolver struct {
	graph   *Graph
	maxHops int
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithMaxHops bounds the number of intermediate units an indirect conversion
// may traverse. One reproduces the classic single-intermediate search; higher
// values switch to a bounded breadth-first search.
func WithMaxHops(n int) Option {
	return func(r *Resolver) {
		if n >= 1 {
			r.maxHops = n
		}
	}
}

// NewResolver constructs a resolver over graph.
func NewResolver(graph *Graph, opts ...Option) *Resolver {
	r := &Resolver{graph: graph, maxHops: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxHops returns the configured indirect search bound.
func (r *Resolver) MaxHops() int {
	return r.maxHops
}

// Convert converts qty from one unit to another as seen by scope.
func (r *Resolver) Convert(qty decimal.Decimal, from, to string, scope Scope) (decimal.Decimal, error) {
	if from == to {
		return qty, nil
	}
	if qty.IsZero() {
		return decimal.Zero, nil
	}
	if out, ok := r.step(qty, from, to, scope); ok {
		return out, nil
	}
	if r.graph == nil {
		return decimal.Decimal{}, &ConversionNotFoundError{From: from, To: to}
	}
	if r.maxHops == 1 {
		for _, mid := range r.graph.Neighbors(from, scope) {
			if mid == to || !r.graph.linked(mid, to, scope) {
				continue
			}
			partial, err := r.Convert(qty, from, mid, scope)
			if err != nil {
				return decimal.Decimal{}, err
			}
			return r.Convert(partial, mid, to, scope)
		}
		return decimal.Decimal{}, &ConversionNotFoundError{From: from, To: to}
	}
	path := r.search(from, to, scope)
	if path == nil {
		return decimal.Decimal{}, &ConversionNotFoundError{From: from, To: to}
	}
	out := qty
	for i := 0; i+1 < len(path); i++ {
		next, ok := r.step(out, path[i], path[i+1], scope)
		if !ok {
			return decimal.Decimal{}, &ConversionNotFoundError{From: from, To: to}
		}
		out = next
	}
	return out, nil
}

// step applies a direct factor, or the inverse one, rounding the result.
func (r *Resolver) step(qty decimal.Decimal, from, to string, scope Scope) (decimal.Decimal, bool) {
	if r.graph == nil {
		return decimal.Decimal{}, false
	}
	if f, ok := r.graph.Lookup(from, to, scope); ok {
		return qty.Mul(f).Round(QuantityPlaces), true
	}
	if f, ok := r.graph.Lookup(to, from, scope); ok {
		return qty.DivRound(f, QuantityPlaces), true
	}
	return decimal.Decimal{}, false
}

// search runs a breadth-first search bounded to maxHops intermediates and
// returns the unit path from → to, or nil.
func (r *Resolver) search(from, to string, scope Scope) []string {
	parent := map[string]string{from: ""}
	frontier := []string{from}
	for depth := 0; depth <= r.maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, unit := range frontier {
			for _, n := range r.graph.Neighbors(unit, scope) {
				if _, seen := parent[n]; seen {
					continue
				}
				parent[n] = unit
				if n == to {
					return tracePath(parent, from, to)
				}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return nil
}

func tracePath(parent map[string]string, from, to string) []string {
	var rev []string
	for at := to; at != from; at = parent[at] {
		rev = append(rev, at)
	}
	rev = append(rev, from)
	path := make([]string, len(rev))
	for i, u := range rev {
		path[len(rev)-1-i] = u
	}
	return path
}
