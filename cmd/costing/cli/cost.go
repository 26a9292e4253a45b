package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/odyssey-erp/recipe-costing/internal/costing"
	"github.com/odyssey-erp/recipe-costing/internal/pricing"
	"github.com/odyssey-erp/recipe-costing/internal/recipes"
)

// CostingService is the part of the costing service the CLI drives.
type CostingService interface {
	CalculateRecipeCost(ctx context.Context, in costing.CostInput) (recipes.Calculation, error)
	ConvertUnits(ctx context.Context, in costing.ConvertInput) (decimal.Decimal, error)
	PriceWithMargins(ctx context.Context, in costing.PriceInput) (map[string]decimal.Decimal, error)
	DefaultPrice(ctx context.Context, cost decimal.Decimal) (pricing.ProfitMargin, decimal.Decimal, bool, error)
}

// CostingCLI runs costing commands against a service.
type CostingCLI struct {
	service CostingService
}

// NewCostingCLI constructs the CLI helpers.
func NewCostingCLI(service CostingService) (*CostingCLI, error) {
	if service == nil {
		return nil, errors.New("costing cli: service required")
	}
	return &CostingCLI{service: service}, nil
}

// CostOptions defines the flags of the cost command.
type CostOptions struct {
	RecipeID   int64
	Scale      string
	OwnerID    string
	Prices     bool
	Lang       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CostSummary is the JSON output of the cost command.
type CostSummary struct {
	Calculation recipes.Calculation        `json:"calculation"`
	Prices      map[string]decimal.Decimal `json:"prices,omitempty"`
	// DefaultMargin names the entry of Prices priced under the default margin.
	DefaultMargin string `json:"default_margin,omitempty"`
}

// CostCommand prices a recipe and prints the breakdown.
func (c *CostingCLI) CostCommand(ctx context.Context, opts CostOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	if opts.RecipeID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "cost: --recipe is required and must be positive")
		return 2
	}
	scale := decimal.NewFromInt(1)
	if s := strings.TrimSpace(opts.Scale); s != "" {
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "cost: invalid scale %q\n", opts.Scale)
			return 2
		}
		scale = parsed
	}
	calc, err := c.service.CalculateRecipeCost(ctx, costing.CostInput{RecipeID: opts.RecipeID, ScaleFactor: scale, OwnerID: opts.OwnerID})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "cost: %v\n", err)
		return 1
	}
	summary := CostSummary{Calculation: calc}
	if opts.Prices {
		prices, err := c.service.PriceWithMargins(ctx, costing.PriceInput{Cost: calc.CostPerUnit})
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "cost: price: %v\n", err)
			return 1
		}
		summary.Prices = prices
		margin, _, ok, err := c.service.DefaultPrice(ctx, calc.CostPerUnit)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "cost: default price: %v\n", err)
			return 1
		}
		if ok {
			summary.DefaultMargin = margin.Name
		}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "cost: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	renderCostHuman(opts.Stdout, printer(opts.Lang), summary)
	return 0
}

// ConvertOptions defines the flags of the convert command.
type ConvertOptions struct {
	Quantity   string
	From       string
	To         string
	OwnerID    string
	Lang       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ConvertCommand converts a quantity and prints the result.
func (c *CostingCLI) ConvertCommand(ctx context.Context, opts ConvertOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	qty, err := decimal.NewFromString(strings.TrimSpace(opts.Quantity))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "convert: invalid quantity %q\n", opts.Quantity)
		return 2
	}
	out, err := c.service.ConvertUnits(ctx, costing.ConvertInput{Quantity: qty, From: opts.From, To: opts.To, OwnerID: opts.OwnerID})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "convert: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		payload := map[string]any{"quantity": out, "from": opts.From, "to": opts.To}
		if err := json.NewEncoder(opts.Stdout).Encode(payload); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "convert: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	p := printer(opts.Lang)
	_, _ = fmt.Fprintf(opts.Stdout, "%s %s = %s %s\n", quantity(p, qty), opts.From, quantity(p, out), opts.To)
	return 0
}

func renderCostHuman(w io.Writer, p *message.Printer, s CostSummary) {
	calc := s.Calculation
	_, _ = fmt.Fprintf(w, "Recipe %d at scale %s (yield %s)\n", calc.RecipeID, calc.ScaleFactor, quantity(p, calc.Yield))
	for _, line := range calc.Ingredients {
		_, _ = fmt.Fprintf(w, "  material %-6d %s %s -> %s\n", line.MaterialID, quantity(p, line.Quantity), line.Unit, money(p, line.Cost))
	}
	for _, line := range calc.SubRecipes {
		_, _ = fmt.Fprintf(w, "  recipe   %-6d x%s -> %s\n", line.RecipeID, line.ScaleFactor, money(p, line.Cost))
	}
	for _, line := range calc.Overheads {
		_, _ = fmt.Fprintf(w, "  %-15s %s -> %s\n", line.Name, line.Method, money(p, line.Cost))
	}
	_, _ = fmt.Fprintf(w, "Materials:     %s\n", money(p, calc.MaterialsCost))
	_, _ = fmt.Fprintf(w, "Sub-recipes:   %s\n", money(p, calc.SubRecipesCost))
	_, _ = fmt.Fprintf(w, "Fixed costs:   %s\n", money(p, calc.FixedCosts))
	_, _ = fmt.Fprintf(w, "Total:         %s\n", money(p, calc.TotalCost))
	_, _ = fmt.Fprintf(w, "Cost per unit: %s\n", formatDecimal(p, calc.CostPerUnit, recipes.MoneyPlaces, recipes.UnitCostPlaces))
	if len(s.Prices) == 0 {
		return
	}
	names := make([]string, 0, len(s.Prices))
	for name := range s.Prices {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintln(w, "Prices:")
	for _, name := range names {
		marker := ""
		if name == s.DefaultMargin {
			marker = " (default)"
		}
		_, _ = fmt.Fprintf(w, "  %-15s %s%s\n", name, money(p, s.Prices[name]), marker)
	}
}

func printer(lang string) *message.Printer {
	tag := language.English
	if lang != "" {
		if parsed, err := language.Parse(lang); err == nil {
			tag = parsed
		}
	}
	return message.NewPrinter(tag)
}

func money(p *message.Printer, d decimal.Decimal) string {
	return formatDecimal(p, d, recipes.MoneyPlaces, recipes.MoneyPlaces)
}

func quantity(p *message.Printer, d decimal.Decimal) string {
	return formatDecimal(p, d, 0, 6)
}

// formatDecimal renders d with the printer's digit grouping and decimal
// separator. Digits come from the decimal itself, never from a float, and the
// fraction keeps between minFrac and maxFrac digits.
func formatDecimal(p *message.Printer, d decimal.Decimal, minFrac, maxFrac int32) string {
	d = d.Round(maxFrac)
	places := minFrac
	if exp := -d.Exponent(); exp > places {
		places = min(exp, maxFrac)
	}
	whole, frac, _ := strings.Cut(d.Abs().StringFixed(places), ".")
	for int32(len(frac)) > minFrac && strings.HasSuffix(frac, "0") {
		frac = frac[:len(frac)-1]
	}
	if n, err := strconv.ParseInt(whole, 10, 64); err == nil {
		whole = p.Sprint(number.Decimal(n))
	}
	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	b.WriteString(whole)
	if frac != "" {
		b.WriteString(decimalSeparator(p))
		b.WriteString(frac)
	}
	return b.String()
}

// decimalSeparator returns the printer's separator between whole and
// fractional digits.
func decimalSeparator(p *message.Printer) string {
	sample := []rune(p.Sprint(number.Decimal(1.5, number.Scale(1))))
	if len(sample) < 3 {
		return "."
	}
	return string(sample[1 : len(sample)-1])
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
