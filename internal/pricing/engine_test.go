package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPriceWithMargin(t *testing.T) {
	cases := []struct {
		cost, margin, want string
	}{
		{"1.00", "0", "1.00"},
		{"1.00", "30", "1.30"},
		{"0.75", "40", "1.05"},
		{"2.345678", "25", "2.93"},
		{"10", "500", "60"},
	}
	for _, tc := range cases {
		got, err := PriceWithMargin(d(tc.cost), d(tc.margin))
		require.NoError(t, err)
		require.Truef(t, got.Equal(d(tc.want)), "cost %s margin %s: got %s", tc.cost, tc.margin, got)
	}

	_, err := PriceWithMargin(d("1"), d("500.01"))
	var in *InvalidInputError
	require.ErrorAs(t, err, &in)
	_, err = PriceWithMargin(d("1"), d("-1"))
	require.ErrorAs(t, err, &in)
}

func TestBreakEvenCorrectness(t *testing.T) {
	units, err := BreakEvenUnits(d("1000"), d("15"), d("10"))
	require.NoError(t, err)
	require.Equal(t, int64(200), units)
	require.True(t, BreakEvenRevenue(units, d("15")).Equal(d("3000")))
}

func TestBreakEvenRoundsUnitsUp(t *testing.T) {
	units, err := BreakEvenUnits(d("1000"), d("13"), d("10"))
	require.NoError(t, err)
	require.Equal(t, int64(334), units)
}

func TestBreakEvenRejectsNonPositiveContribution(t *testing.T) {
	for _, price := range []string{"10", "9.99"} {
		_, err := BreakEvenUnits(d("1000"), d(price), d("10"))
		var margin *InvalidMarginError
		require.ErrorAs(t, err, &margin)
	}
}

func TestPriceWithMargins(t *testing.T) {
	margins := []ProfitMargin{
		{Name: "retail", Percentage: d("100"), Active: true, Default: true},
		{Name: "wholesale", Percentage: d("35"), Active: true},
		{Name: "legacy", Percentage: d("10"), Active: false},
	}
	prices, err := PriceWithMargins(d("1.20"), margins)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	require.True(t, prices["retail"].Equal(d("2.40")))
	require.True(t, prices["wholesale"].Equal(d("1.62")))

	def, ok := DefaultMargin(margins)
	require.True(t, ok)
	require.Equal(t, "retail", def.Name)

	_, err = PriceWithMargins(d("1"), append(margins, ProfitMargin{Name: "retail", Percentage: d("1"), Active: true}))
	require.Error(t, err)
}

func TestBreakEvenCandidates(t *testing.T) {
	points, err := BreakEven(d("10"), d("1000"), []decimal.Decimal{d("15"), d("20")})
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, int64(200), points[0].Units)
	require.True(t, points[0].Revenue.Equal(d("3000")))
	require.True(t, points[0].ContributionMargin.Equal(d("5")))
	require.Equal(t, int64(100), points[1].Units)
	require.True(t, points[1].Revenue.Equal(d("2000")))

	_, err = BreakEven(d("10"), d("1000"), []decimal.Decimal{d("15"), d("8")})
	var margin *InvalidMarginError
	require.ErrorAs(t, err, &margin)
}
