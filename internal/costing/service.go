// Package costing orchestrates unit conversion, recipe costing and pricing
// over persisted reference data.
package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/recipe-costing/internal/pricing"
	"github.com/odyssey-erp/recipe-costing/internal/recipes"
	"github.com/odyssey-erp/recipe-costing/internal/units"
)

// Observer records the outcome of service operations.
type Observer interface {
	ObserveCalculation(operation, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveCalculation(string, string, time.Duration) {}

// Config tunes the service.
type Config struct {
	MaxDepth          int
	MaxHops           int
	RecalcConcurrency int
}

// Service is the costing entry point used by HTTP handlers, jobs and the CLI.
type Service struct {
	repo     Repository
	cache    *CatalogCache
	logger   *slog.Logger
	observer Observer
	validate *validator.Validate
	cfg      Config
	flight   singleflight.Group
	now      func() time.Time
}

// NewService constructs the service. cache, logger and observer may be nil.
func NewService(repo Repository, cache *CatalogCache, logger *slog.Logger, observer Observer, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = recipes.DefaultMaxDepth
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 1
	}
	if cfg.RecalcConcurrency <= 0 {
		cfg.RecalcConcurrency = 4
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		logger:   logger,
		observer: observer,
		validate: newValidator(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// catalogLoadTimeout bounds a shared catalog load once it no longer follows
// the context of the caller that started it.
const catalogLoadTimeout = 30 * time.Second

// newValidator exposes decimals to validation as their sign, so gt=0 and
// gte=0 hold exactly for any scale.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.Sign()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &recipes.InvalidInputError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " " + fe.Param()}
		}
		return &recipes.InvalidInputError{Field: "input", Reason: err.Error()}
	}
	return nil
}

// catalog returns the reference data of an owner; concurrent loads of the
// same owner share one repository round trip. Each caller waits on its own
// context while the shared load runs detached from all of them.
func (s *Service) catalog(ctx context.Context, ownerID string) (Catalog, error) {
	resultChan := s.flight.DoChan("catalog:"+ownerID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogLoadTimeout)
		defer cancel()
		return s.cache.Fetch(loadCtx, ownerID, func(ctx context.Context) (Catalog, error) {
			return s.repo.LoadCatalog(ctx, ownerID)
		})
	})
	select {
	case <-ctx.Done():
		return Catalog{}, fmt.Errorf("costing: load catalog: %w", ctx.Err())
	case res := <-resultChan:
		if res.Err != nil {
			return Catalog{}, fmt.Errorf("costing: load catalog: %w", res.Err)
		}
		return res.Val.(Catalog), nil
	}
}

func (s *Service) resolver(ctx context.Context, ownerID string) (*units.Resolver, *units.Graph, error) {
	cat, err := s.catalog(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	graph, err := units.NewGraph(cat.Factors, cat.Units)
	if err != nil {
		return nil, nil, err
	}
	return units.NewResolver(graph, units.WithMaxHops(s.cfg.MaxHops)), graph, nil
}

func (s *Service) observe(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = Outcome(err)
	}
	s.observer.ObserveCalculation(operation, outcome, time.Since(start))
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	var (
		invalid  *recipes.InvalidInputError
		cyclic   *recipes.CyclicCompositionError
		noPath   *units.ConversionNotFoundError
		badPrice *pricing.InvalidMarginError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &invalid):
		return "invalid_input"
	case errors.As(err, &cyclic):
		return "cyclic"
	case errors.As(err, &noPath):
		return "conversion_not_found"
	case errors.As(err, &badPrice):
		return "invalid_margin"
	case errors.Is(err, recipes.ErrRecipeNotFound), errors.Is(err, recipes.ErrMaterialNotFound),
		errors.Is(err, units.ErrUnitNotFound), errors.Is(err, ErrMarginNotFound), errors.Is(err, ErrHistoryNotFound):
		return "not_found"
	case errors.Is(err, units.ErrDuplicateFactor):
		return "duplicate"
	}
	return "error"
}

// ConvertUnits converts a quantity between two units as seen by the owner.
func (s *Service) ConvertUnits(ctx context.Context, in ConvertInput) (out decimal.Decimal, err error) {
	start := time.Now()
	defer func() { s.observe("convert", start, err) }()
	if err := s.check(in); err != nil {
		return decimal.Decimal{}, err
	}
	resolver, graph, err := s.resolver(ctx, in.OwnerID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	for _, code := range []string{in.From, in.To} {
		if in.From != in.To && !graph.HasUnit(code) {
			return decimal.Decimal{}, fmt.Errorf("%w: %s", units.ErrUnitNotFound, code)
		}
	}
	return resolver.Convert(in.Quantity, in.From, in.To, units.Scope{OwnerID: in.OwnerID})
}

// CalculateRecipeCost prices a recipe and its sub-recipes at a scale factor.
func (s *Service) CalculateRecipeCost(ctx context.Context, in CostInput) (calc recipes.Calculation, err error) {
	start := time.Now()
	defer func() { s.observe("cost", start, err) }()
	if err := s.check(in); err != nil {
		return recipes.Calculation{}, err
	}
	book, err := s.repo.LoadBook(ctx, in.RecipeID)
	if err != nil {
		return recipes.Calculation{}, err
	}
	resolver, _, err := s.resolver(ctx, in.OwnerID)
	if err != nil {
		return recipes.Calculation{}, err
	}
	calculator := recipes.NewCalculator(resolver, recipes.WithMaxDepth(s.cfg.MaxDepth))
	calc, err = calculator.Cost(book, in.RecipeID, in.ScaleFactor, units.Scope{OwnerID: in.OwnerID})
	if err != nil {
		s.logger.Debug("recipe cost failed", slog.Int64("recipe_id", in.RecipeID), slog.Any("error", err))
		return recipes.Calculation{}, err
	}
	s.logger.Debug("recipe costed",
		slog.Int64("recipe_id", calc.RecipeID),
		slog.String("scale", calc.ScaleFactor.String()),
		slog.String("total", calc.TotalCost.String()),
	)
	return calc, nil
}

// PriceWithMargins prices a unit cost under the selected margins.
func (s *Service) PriceWithMargins(ctx context.Context, in PriceInput) (prices map[string]decimal.Decimal, err error) {
	start := time.Now()
	defer func() { s.observe("price", start, err) }()
	if err := s.check(in); err != nil {
		return nil, err
	}
	margins, err := s.repo.ListMargins(ctx, in.MarginIDs)
	if err != nil {
		return nil, err
	}
	return pricing.PriceWithMargins(in.Cost, margins)
}

// DefaultPrice prices a unit cost under the active default margin. ok is
// false when no margin is flagged as default.
func (s *Service) DefaultPrice(ctx context.Context, cost decimal.Decimal) (margin pricing.ProfitMargin, price decimal.Decimal, ok bool, err error) {
	start := time.Now()
	defer func() { s.observe("default_price", start, err) }()
	if cost.IsNegative() {
		return pricing.ProfitMargin{}, decimal.Decimal{}, false, &recipes.InvalidInputError{Field: "cost", Reason: "must not be negative"}
	}
	margins, err := s.repo.ListMargins(ctx, nil)
	if err != nil {
		return pricing.ProfitMargin{}, decimal.Decimal{}, false, err
	}
	margin, ok = pricing.DefaultMargin(margins)
	if !ok {
		return pricing.ProfitMargin{}, decimal.Decimal{}, false, nil
	}
	price, err = pricing.PriceWithMargin(cost, margin.Percentage)
	if err != nil {
		return pricing.ProfitMargin{}, decimal.Decimal{}, false, err
	}
	return margin, price, true, nil
}

// BreakEven evaluates candidate selling prices.
func (s *Service) BreakEven(ctx context.Context, in BreakEvenInput) (points []pricing.BreakEvenPoint, err error) {
	start := time.Now()
	defer func() { s.observe("break_even", start, err) }()
	if err := s.check(in); err != nil {
		return nil, err
	}
	return pricing.BreakEven(in.Cost, in.FixedCostsPerPeriod, in.Candidates)
}

// RecordCost calculates a recipe and appends the result to its cost history.
func (s *Service) RecordCost(ctx context.Context, in CostInput) (HistoryRecord, error) {
	calc, err := s.CalculateRecipeCost(ctx, in)
	if err != nil {
		return HistoryRecord{}, err
	}
	rec := newHistoryRecord(calc, in.OwnerID, s.now().UTC())
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertHistory(ctx, rec)
	}); err != nil {
		return HistoryRecord{}, fmt.Errorf("costing: record history: %w", err)
	}
	s.logger.Info("recipe cost recorded",
		slog.Int64("recipe_id", rec.RecipeID),
		slog.String("history_id", rec.ID.String()),
		slog.String("total", rec.TotalCost.String()),
	)
	return rec, nil
}

// AddSubRecipe links a sub-recipe after proving the edge keeps the
// composition acyclic.
func (s *Service) AddSubRecipe(ctx context.Context, in LinkInput) (err error) {
	start := time.Now()
	defer func() { s.observe("link", start, err) }()
	if err := s.check(in); err != nil {
		return err
	}
	sub := recipes.SubRecipe{RecipeID: in.ChildID, Quantity: in.Quantity}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		book, err := tx.LoadBook(ctx, in.ParentID, in.ChildID)
		if err != nil {
			return err
		}
		if err := book.Link(in.ParentID, sub); err != nil {
			return err
		}
		return tx.InsertSubRecipe(ctx, in.ParentID, sub)
	})
}

// CreateFactor stores a conversion factor and invalidates cached catalogs.
func (s *Service) CreateFactor(ctx context.Context, f units.Factor) error {
	if err := f.Validate(); err != nil {
		return &recipes.InvalidInputError{Field: "factor", Reason: err.Error(), Err: err}
	}
	if err := s.repo.InsertFactor(ctx, f); err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("catalog cache bump failed", slog.Any("error", err))
	}
	s.logger.Info("conversion factor created",
		slog.String("from", f.From),
		slog.String("to", f.To),
		slog.String("owner_id", f.OwnerID),
	)
	return nil
}

// RecalculateForMaterial records a fresh cost for every recipe that uses
// materialID, in ascending recipe order.
func (s *Service) RecalculateForMaterial(ctx context.Context, materialID int64) ([]HistoryRecord, error) {
	ids, err := s.repo.DependentRecipes(ctx, materialID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryRecord, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RecalcConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			rec, err := s.RecordCost(ctx, CostInput{RecipeID: id, ScaleFactor: decimal.NewFromInt(1)})
			if err != nil {
				return fmt.Errorf("recipe %d: %w", id, err)
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.logger.Info("material recalculation finished", slog.Int64("material_id", materialID), slog.Int("recipes", len(out)))
	return out, nil
}

// NeedsRecalculation reports whether recipeID was never costed or one of its
// materials changed price after the last recorded cost.
func (s *Service) NeedsRecalculation(ctx context.Context, recipeID int64) (bool, error) {
	latest, err := s.repo.LatestHistory(ctx, recipeID)
	if errors.Is(err, ErrHistoryNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.repo.MaterialsChangedSince(ctx, recipeID, latest.CalculatedAt)
}
