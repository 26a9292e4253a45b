package units

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestResolver(t *testing.T, factors []Factor, opts ...Option) *Resolver {
	t.Helper()
	g, err := NewGraph(factors, nil)
	require.NoError(t, err)
	return NewResolver(g, opts...)
}

func baseFactors() []Factor {
	return []Factor{
		{From: "kg", To: "g", Factor: d("1000")},
		{From: "l", To: "ml", Factor: d("1000")},
		{From: "cup", To: "ml", Factor: d("240")},
		{From: "lb", To: "kg", Factor: d("0.453592")},
	}
}

func TestConvertIdentity(t *testing.T) {
	r := newTestResolver(t, nil)
	for _, q := range []string{"0", "1", "3.1415926535", "1000000"} {
		got, err := r.Convert(d(q), "kg", "kg", SystemScope())
		require.NoError(t, err)
		require.True(t, got.Equal(d(q)), "identity changed %s to %s", q, got)
	}
}

func TestConvertDirectAndInverse(t *testing.T) {
	r := newTestResolver(t, baseFactors())

	got, err := r.Convert(d("2.5"), "kg", "g", SystemScope())
	require.NoError(t, err)
	require.Equal(t, "2500", got.String())

	got, err = r.Convert(d("750"), "g", "kg", SystemScope())
	require.NoError(t, err)
	require.Equal(t, "0.75", got.String())

	_, err = r.Convert(d("1"), "g", "ml", SystemScope())
	require.Error(t, err)
}

func TestConvertInverseRoundsToSixPlaces(t *testing.T) {
	r := newTestResolver(t, []Factor{{From: "cup", To: "ml", Factor: d("240")}})
	got, err := r.Convert(d("100"), "ml", "cup", SystemScope())
	require.NoError(t, err)
	require.Equal(t, "0.416667", got.String())
}

func TestConvertInverseSymmetry(t *testing.T) {
	r := newTestResolver(t, []Factor{{From: "cup", To: "ml", Factor: d("240")}})
	tolerance := d("0.000001")
	for _, q := range []string{"1", "0.5", "7.25", "123.456789"} {
		there, err := r.Convert(d(q), "cup", "ml", SystemScope())
		require.NoError(t, err)
		back, err := r.Convert(there, "ml", "cup", SystemScope())
		require.NoError(t, err)
		require.True(t, back.Sub(d(q)).Abs().LessThanOrEqual(tolerance), "round trip %s -> %s", q, back)
	}
}

func TestConvertOneHop(t *testing.T) {
	r := newTestResolver(t, baseFactors())

	// lb -> kg -> g
	got, err := r.Convert(d("1"), "lb", "g", SystemScope())
	require.NoError(t, err)
	require.Equal(t, "453.592", got.String())

	// cup -> ml <- l, second leg inverse
	got, err = r.Convert(d("1"), "cup", "l", SystemScope())
	require.NoError(t, err)
	require.Equal(t, "0.24", got.String())
}

func TestConvertTwoHopsUnsupportedByDefault(t *testing.T) {
	// lb -> kg -> g -> oz needs two intermediates.
	factors := append(baseFactors(), Factor{From: "oz", To: "g", Factor: d("28.349523")})
	r := newTestResolver(t, factors)

	_, err := r.Convert(d("1"), "lb", "oz", SystemScope())
	var notFound *ConversionNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, "lb", notFound.From)
	require.Equal(t, "oz", notFound.To)
}

func TestConvertMultiHopWhenConfigured(t *testing.T) {
	factors := append(baseFactors(), Factor{From: "oz", To: "g", Factor: d("28.349523")})
	r := newTestResolver(t, factors, WithMaxHops(2))
	require.Equal(t, 2, r.MaxHops())

	got, err := r.Convert(d("1"), "lb", "oz", SystemScope())
	require.NoError(t, err)
	// 0.453592 kg -> 453.592 g -> 15.999987 oz
	require.Equal(t, "15.999987", got.String())
}

func TestConvertNoPath(t *testing.T) {
	r := newTestResolver(t, baseFactors())
	_, err := r.Convert(d("3"), "kg", "ml", SystemScope())
	var notFound *ConversionNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Contains(t, err.Error(), "kg to ml")
}

func TestConvertZeroQuantityAlwaysZero(t *testing.T) {
	r := newTestResolver(t, nil)
	got, err := r.Convert(decimal.Zero, "kg", "ml", SystemScope())
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestPrivateFactorShadowsSystem(t *testing.T) {
	factors := []Factor{
		{From: "piece", To: "kg", Factor: d("0.05")},
		{From: "piece", To: "kg", Factor: d("0.045"), OwnerID: "baker-1"},
	}
	r := newTestResolver(t, factors)

	got, err := r.Convert(d("10"), "piece", "kg", SystemScope())
	require.NoError(t, err)
	require.Equal(t, "0.5", got.String())

	got, err = r.Convert(d("10"), "piece", "kg", Scope{OwnerID: "baker-1"})
	require.NoError(t, err)
	require.Equal(t, "0.45", got.String())

	got, err = r.Convert(d("10"), "piece", "kg", Scope{OwnerID: "someone-else"})
	require.NoError(t, err)
	require.Equal(t, "0.5", got.String())
}

func TestPrivateFactorInvisibleToOtherOwners(t *testing.T) {
	r := newTestResolver(t, []Factor{{From: "tray", To: "piece", Factor: d("12"), OwnerID: "baker-1"}})

	_, err := r.Convert(d("1"), "tray", "piece", SystemScope())
	require.Error(t, err)

	got, err := r.Convert(d("2"), "tray", "piece", Scope{OwnerID: "baker-1"})
	require.NoError(t, err)
	require.Equal(t, "24", got.String())
}

func TestGraphRejectsInvalidFactors(t *testing.T) {
	_, err := NewGraph([]Factor{{From: "kg", To: "g", Factor: decimal.Zero}}, nil)
	require.ErrorIs(t, err, ErrNonPositiveFactor)

	_, err = NewGraph([]Factor{
		{From: "kg", To: "g", Factor: d("1000")},
		{From: "kg", To: "g", Factor: d("1000")},
	}, nil)
	require.ErrorIs(t, err, ErrDuplicateFactor)

	g, err := NewGraph([]Factor{
		{From: "kg", To: "g", Factor: d("1000")},
		{From: "kg", To: "g", Factor: d("1001"), OwnerID: "a"},
		{From: "kg", To: "g", Factor: d("1002"), OwnerID: "b"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, g.Factors())
}

func TestNeighborsOrder(t *testing.T) {
	g, err := NewGraph([]Factor{
		{From: "kg", To: "g", Factor: d("1000")},
		{From: "lb", To: "kg", Factor: d("0.453592")},
		{From: "kg", To: "oz", Factor: d("35.274")},
		{From: "kg", To: "piece", Factor: d("20"), OwnerID: "x"},
	}, []Unit{{Code: "kg", Kind: KindWeight}})
	require.NoError(t, err)
	require.Equal(t, []string{"g", "oz", "lb"}, g.Neighbors("kg", SystemScope()))
	require.Equal(t, []string{"g", "oz", "piece", "lb"}, g.Neighbors("kg", Scope{OwnerID: "x"}))
	require.True(t, g.HasUnit("kg"))
	require.False(t, g.HasUnit("g"))
}
