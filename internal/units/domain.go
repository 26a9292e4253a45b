package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind classifies a measurement unit.
type Kind string

const (
	// KindWeight covers mass units (g, kg, lb).
	KindWeight Kind = "WEIGHT"
	// KindVolume covers liquid units (ml, l, cup).
	KindVolume Kind = "VOLUME"
	// KindPiece covers countable units.
	KindPiece Kind = "PIECE"
	// KindContainer covers packaging units (box, tray, bag).
	KindContainer Kind = "CONTAINER"
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWeight, KindVolume, KindPiece, KindContainer:
		return true
	}
	return false
}

// Unit is immutable reference data identified by its code.
type Unit struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Scope selects which factors are visible to a lookup. An empty owner sees
// only system defaults.
type Scope struct {
	OwnerID string
}

// SystemScope returns the scope that sees only shared factors.
func SystemScope() Scope {
	return Scope{}
}

// Factor converts From into To: qty_to = qty_from * Factor.
type Factor struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Factor  decimal.Decimal `json:"factor"`
	OwnerID string          `json:"owner_id,omitempty"`
	Notes   string          `json:"notes,omitempty"`
}

// System reports whether the factor is a shared default.
func (f Factor) System() bool {
	return f.OwnerID == ""
}

// Validate checks the factor invariants.
func (f Factor) Validate() error {
	if strings.TrimSpace(f.From) == "" || strings.TrimSpace(f.To) == "" {
		return errors.New("units: factor requires from and to units")
	}
	if f.From == f.To {
		return errors.New("units: factor must join two distinct units")
	}
	if !f.Factor.IsPositive() {
		return ErrNonPositiveFactor
	}
	return nil
}

var (
	// ErrUnitNotFound occurs when a unit code is not part of the catalog.
	ErrUnitNotFound = errors.New("units: unit not found")
	// ErrDuplicateFactor occurs when (from, to, owner) already exists.
	ErrDuplicateFactor = errors.New("units: duplicate conversion factor")
	// ErrNonPositiveFactor occurs when a factor is zero or negative.
	ErrNonPositiveFactor = errors.New("units: factor must be positive")
)

// ConversionNotFoundError reports that no direct, inverse or indirect path
// joins two units.
type ConversionNotFoundError struct {
	From string
	To   string
}

func (e *ConversionNotFoundError) Error() string {
	return fmt.Sprintf("units: no conversion from %s to %s", e.From, e.To)
}
