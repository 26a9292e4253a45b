package units

import (
	"github.com/shopspring/decimal"
)

type pairKey struct {
	from string
	to   string
}

// entry keeps the system factor and owner overrides for one ordered pair.
type entry struct {
	system  *decimal.Decimal
	private map[string]decimal.Decimal
}

// Graph indexes conversion factors. It is built once and then only read, so
// concurrent lookups need no locking.
type Graph struct {
	pairs map[pairKey]*entry
	// adjacency in catalog order; outgoing and incoming edges are kept apart
	// so enumeration matches the order factors were declared.
	outgoing map[string][]edge
	incoming map[string][]edge
	units    map[string]Unit
}

type edge struct {
	unit    string
	ownerID string
}

// NewGraph builds a graph from the given factors and units. Units are
// optional; when provided they enable code validation through HasUnit.
func NewGraph(factors []Factor, catalog []Unit) (*Graph, error) {
	g := &Graph{
		pairs:    make(map[pairKey]*entry, len(factors)),
		outgoing: make(map[string][]edge),
		incoming: make(map[string][]edge),
		units:    make(map[string]Unit, len(catalog)),
	}
	for _, u := range catalog {
		g.units[u.Code] = u
	}
	for _, f := range factors {
		if err := g.Add(f); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add registers a factor. Duplicated (from, to, owner) triples are rejected.
func (g *Graph) Add(f Factor) error {
	if err := f.Validate(); err != nil {
		return err
	}
	key := pairKey{from: f.From, to: f.To}
	e := g.pairs[key]
	if e == nil {
		e = &entry{}
		g.pairs[key] = e
	}
	if f.System() {
		if e.system != nil {
			return ErrDuplicateFactor
		}
		value := f.Factor
		e.system = &value
	} else {
		if e.private == nil {
			e.private = make(map[string]decimal.Decimal)
		}
		if _, exists := e.private[f.OwnerID]; exists {
			return ErrDuplicateFactor
		}
		e.private[f.OwnerID] = f.Factor
	}
	g.outgoing[f.From] = append(g.outgoing[f.From], edge{unit: f.To, ownerID: f.OwnerID})
	g.incoming[f.To] = append(g.incoming[f.To], edge{unit: f.From, ownerID: f.OwnerID})
	return nil
}

// HasUnit reports whether code is a known unit. A graph built without a unit
// catalog accepts any code that appears in a factor.
func (g *Graph) HasUnit(code string) bool {
	if len(g.units) > 0 {
		_, ok := g.units[code]
		return ok
	}
	return len(g.outgoing[code]) > 0 || len(g.incoming[code]) > 0
}

// Lookup returns the factor for from→to visible to scope. A private factor
// shadows the system default for the same pair.
func (g *Graph) Lookup(from, to string, scope Scope) (decimal.Decimal, bool) {
	e := g.pairs[pairKey{from: from, to: to}]
	if e == nil {
		return decimal.Decimal{}, false
	}
	if scope.OwnerID != "" {
		if f, ok := e.private[scope.OwnerID]; ok {
			return f, true
		}
	}
	if e.system != nil {
		return *e.system, true
	}
	return decimal.Decimal{}, false
}

// linked reports whether a direct or inverse factor joins a and b.
func (g *Graph) linked(a, b string, scope Scope) bool {
	if _, ok := g.Lookup(a, b, scope); ok {
		return true
	}
	_, ok := g.Lookup(b, a, scope)
	return ok
}

// Neighbors lists units joined to unit by a visible factor in either
// direction: outgoing factors first, then incoming, without duplicates.
func (g *Graph) Neighbors(unit string, scope Scope) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(g.outgoing[unit])+len(g.incoming[unit]))
	add := func(edges []edge) {
		for _, e := range edges {
			if !visible(e.ownerID, scope) {
				continue
			}
			if _, dup := seen[e.unit]; dup {
				continue
			}
			seen[e.unit] = struct{}{}
			out = append(out, e.unit)
		}
	}
	add(g.outgoing[unit])
	add(g.incoming[unit])
	return out
}

// Factors returns the number of registered factors.
func (g *Graph) Factors() int {
	n := 0
	for _, edges := range g.outgoing {
		n += len(edges)
	}
	return n
}

func visible(ownerID string, scope Scope) bool {
	return ownerID == "" || ownerID == scope.OwnerID
}
