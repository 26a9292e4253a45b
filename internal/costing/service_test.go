package costing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/recipe-costing/internal/pricing"
	"github.com/odyssey-erp/recipe-costing/internal/recipes"
	"github.com/odyssey-erp/recipe-costing/internal/units"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeRepo struct {
	mu           sync.Mutex
	txMu         sync.Mutex
	catalog      Catalog
	catalogCalls int
	recipes      map[int64]recipes.Recipe
	materials    []recipes.RawMaterial
	margins      []pricing.ProfitMargin
	history      []HistoryRecord
	priceChanged time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		catalog: Catalog{
			Units: []units.Unit{
				{Code: "g", Name: "gram", Kind: units.KindWeight},
				{Code: "kg", Name: "kilogram", Kind: units.KindWeight},
				{Code: "l", Name: "litre", Kind: units.KindVolume},
				{Code: "lb", Name: "pound", Kind: units.KindWeight},
				{Code: "ml", Name: "millilitre", Kind: units.KindVolume},
			},
			Factors: []units.Factor{
				{From: "kg", To: "g", Factor: d("1000")},
				{From: "l", To: "ml", Factor: d("1000")},
			},
		},
		materials: []recipes.RawMaterial{
			{ID: 1, Name: "flour", PurchaseUnit: "kg", PurchaseQuantity: d("1"), UnitCost: d("4.00")},
			{ID: 2, Name: "sugar", PurchaseUnit: "kg", PurchaseQuantity: d("2"), UnitCost: d("12.00")},
			{ID: 3, Name: "milk", PurchaseUnit: "l", PurchaseQuantity: d("1"), UnitCost: d("1.50")},
		},
		recipes: map[int64]recipes.Recipe{
			1: {
				ID: 1, Name: "cake", YieldQuantity: d("10"), YieldUnit: "slice",
				Ingredients: []recipes.Ingredient{{MaterialID: 1, Quantity: d("500"), Unit: "g"}},
				SubRecipes:  []recipes.SubRecipe{{RecipeID: 2, Quantity: d("1")}},
				FixedCosts:  []recipes.FixedCost{{Name: "rent", Amount: d("5.00"), Method: recipes.MethodFixedAmount}},
			},
			2: {
				ID: 2, Name: "syrup", YieldQuantity: d("1"), YieldUnit: "batch",
				Ingredients: []recipes.Ingredient{{MaterialID: 2, Quantity: d("500"), Unit: "g"}},
			},
			3: {
				ID: 3, Name: "glaze", YieldQuantity: d("1"), YieldUnit: "batch",
				Ingredients: []recipes.Ingredient{{MaterialID: 3, Quantity: d("200"), Unit: "ml"}},
			},
		},
		margins: []pricing.ProfitMargin{
			{ID: 1, Name: "retail", Percentage: d("100"), Active: true, Default: true},
			{ID: 2, Name: "wholesale", Percentage: d("35"), Active: true},
			{ID: 3, Name: "legacy", Percentage: d("10"), Active: false},
		},
	}
}

func (r *fakeRepo) LoadCatalog(ctx context.Context, ownerID string) (Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogCalls++
	out := Catalog{Units: append([]units.Unit(nil), r.catalog.Units...)}
	for _, f := range r.catalog.Factors {
		if f.OwnerID == "" || f.OwnerID == ownerID {
			out.Factors = append(out.Factors, f)
		}
	}
	return out, nil
}

func (r *fakeRepo) LoadBook(ctx context.Context, roots ...int64) (*recipes.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book := recipes.NewBook()
	for _, m := range r.materials {
		if err := book.AddMaterial(m); err != nil {
			return nil, err
		}
	}
	for _, rec := range r.recipes {
		if err := book.AddRecipe(rec); err != nil {
			return nil, err
		}
	}
	return book, nil
}

func (r *fakeRepo) ListMargins(ctx context.Context, ids []int64) ([]pricing.ProfitMargin, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		var out []pricing.ProfitMargin
		for _, m := range r.margins {
			if m.Active {
				out = append(out, m)
			}
		}
		return out, nil
	}
	var out []pricing.ProfitMargin
	for _, id := range ids {
		found := false
		for _, m := range r.margins {
			if m.ID == id {
				out = append(out, m)
				found = true
			}
		}
		if !found {
			return nil, ErrMarginNotFound
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertFactor(ctx context.Context, f units.Factor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.catalog.Factors {
		if existing.From == f.From && existing.To == f.To && existing.OwnerID == f.OwnerID {
			return fmt.Errorf("%w: %s -> %s", units.ErrDuplicateFactor, f.From, f.To)
		}
	}
	r.catalog.Factors = append(r.catalog.Factors, f)
	return nil
}

func (r *fakeRepo) DependentRecipes(ctx context.Context, materialID int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var uses func(id int64, seen map[int64]bool) bool
	uses = func(id int64, seen map[int64]bool) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		rec := r.recipes[id]
		for _, ing := range rec.Ingredients {
			if ing.MaterialID == materialID {
				return true
			}
		}
		for _, sub := range rec.SubRecipes {
			if uses(sub.RecipeID, seen) {
				return true
			}
		}
		return false
	}
	var out []int64
	for id := range r.recipes {
		if uses(id, map[int64]bool{}) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *fakeRepo) LatestHistory(ctx context.Context, recipeID int64) (HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].RecipeID == recipeID {
			return r.history[i], nil
		}
	}
	return HistoryRecord{}, ErrHistoryNotFound
}

func (r *fakeRepo) MaterialsChangedSince(ctx context.Context, recipeID int64, since time.Time) (bool, error) {
	return r.priceChanged.After(since), nil
}

// WithTx runs transactions one at a time, the schedule a serializable
// database is equivalent to.
func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx, r)
}

func (r *fakeRepo) InsertSubRecipe(ctx context.Context, parentID int64, sub recipes.SubRecipe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recipes[parentID]
	rec.SubRecipes = append(rec.SubRecipes, sub)
	r.recipes[parentID] = rec
	return nil
}

func (r *fakeRepo) InsertHistory(ctx context.Context, rec HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
	return nil
}

// blockingRepo holds LoadCatalog until release is closed.
type blockingRepo struct {
	*fakeRepo
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRepo) LoadCatalog(ctx context.Context, ownerID string) (Catalog, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
	case <-ctx.Done():
		return Catalog{}, ctx.Err()
	}
	return r.fakeRepo.LoadCatalog(ctx, ownerID)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveCalculation(operation, outcome string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, operation+":"+outcome)
}

func newTestService(t *testing.T, repo Repository) (*Service, *recordingObserver) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	obs := &recordingObserver{}
	svc := NewService(repo, NewCatalogCache(client, time.Minute), nil, obs, Config{})
	return svc, obs
}

func TestCalculateRecipeCostScenario(t *testing.T) {
	svc, obs := newTestService(t, newFakeRepo())

	calc, err := svc.CalculateRecipeCost(context.Background(), CostInput{RecipeID: 1, ScaleFactor: d("1")})
	require.NoError(t, err)
	require.True(t, calc.TotalCost.Equal(d("10.00")), calc.TotalCost.String())
	require.True(t, calc.CostPerUnit.Equal(d("1.00")), calc.CostPerUnit.String())

	calc, err = svc.CalculateRecipeCost(context.Background(), CostInput{RecipeID: 1, ScaleFactor: d("2")})
	require.NoError(t, err)
	require.True(t, calc.TotalCost.Equal(d("15.00")), calc.TotalCost.String())
	require.True(t, calc.CostPerUnit.Equal(d("0.75")), calc.CostPerUnit.String())

	_, err = svc.CalculateRecipeCost(context.Background(), CostInput{RecipeID: 1, ScaleFactor: d("0")})
	var invalid *recipes.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	_, err = svc.CalculateRecipeCost(context.Background(), CostInput{RecipeID: 99, ScaleFactor: d("1")})
	require.ErrorIs(t, err, recipes.ErrRecipeNotFound)

	require.Equal(t, []string{"cost:success", "cost:success", "cost:invalid_input", "cost:not_found"}, obs.outcomes)
}

func TestConvertUnitsValidation(t *testing.T) {
	svc, _ := newTestService(t, newFakeRepo())
	ctx := context.Background()

	out, err := svc.ConvertUnits(ctx, ConvertInput{Quantity: d("2.5"), From: "kg", To: "g"})
	require.NoError(t, err)
	require.True(t, out.Equal(d("2500")))

	_, err = svc.ConvertUnits(ctx, ConvertInput{Quantity: d("-1"), From: "kg", To: "g"})
	var invalid *recipes.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	_, err = svc.ConvertUnits(ctx, ConvertInput{Quantity: d("1"), From: "kg", To: "bushel"})
	require.ErrorIs(t, err, units.ErrUnitNotFound)

	_, err = svc.ConvertUnits(ctx, ConvertInput{Quantity: d("1"), From: "g", To: "ml"})
	var noPath *units.ConversionNotFoundError
	require.ErrorAs(t, err, &noPath)
}

func TestCatalogCachedUntilFactorCreated(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.ConvertUnits(ctx, ConvertInput{Quantity: d("1"), From: "kg", To: "g"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, repo.catalogCalls)

	_, err := svc.ConvertUnits(ctx, ConvertInput{Quantity: d("1"), From: "lb", To: "g"})
	var noPath *units.ConversionNotFoundError
	require.ErrorAs(t, err, &noPath)

	require.NoError(t, svc.CreateFactor(ctx, units.Factor{From: "lb", To: "g", Factor: d("453.592")}))
	out, err := svc.ConvertUnits(ctx, ConvertInput{Quantity: d("1"), From: "lb", To: "g"})
	require.NoError(t, err)
	require.True(t, out.Equal(d("453.592")))
	require.Equal(t, 2, repo.catalogCalls)
}

func TestCreateFactorErrors(t *testing.T) {
	svc, _ := newTestService(t, newFakeRepo())
	ctx := context.Background()

	err := svc.CreateFactor(ctx, units.Factor{From: "kg", To: "g", Factor: d("1000")})
	require.ErrorIs(t, err, units.ErrDuplicateFactor)

	err = svc.CreateFactor(ctx, units.Factor{From: "kg", To: "lb", Factor: d("0")})
	var invalid *recipes.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	require.ErrorIs(t, err, units.ErrNonPositiveFactor)

	require.NoError(t, svc.CreateFactor(ctx, units.Factor{From: "kg", To: "g", Factor: d("1000"), OwnerID: "bakery-1"}))
}

func TestRecordCostPersistsHistory(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	rec, err := svc.RecordCost(context.Background(), CostInput{RecipeID: 1, ScaleFactor: d("1"), OwnerID: "bakery-1"})
	require.NoError(t, err)
	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", rec.ID.String())
	require.Equal(t, at, rec.CalculatedAt)
	require.Equal(t, "bakery-1", rec.OwnerID)
	require.True(t, rec.TotalCost.Equal(d("10.00")))
	require.Len(t, repo.history, 1)
	require.Equal(t, rec.ID, repo.history[0].ID)
}

func TestAddSubRecipeRejectsCycle(t *testing.T) {
	repo := newFakeRepo()
	svc, obs := newTestService(t, repo)
	ctx := context.Background()

	err := svc.AddSubRecipe(ctx, LinkInput{ParentID: 2, ChildID: 1, Quantity: d("1")})
	var cyclic *recipes.CyclicCompositionError
	require.ErrorAs(t, err, &cyclic)
	require.Equal(t, []int64{2, 1, 2}, cyclic.Path)
	require.Empty(t, repo.recipes[2].SubRecipes)

	err = svc.AddSubRecipe(ctx, LinkInput{ParentID: 3, ChildID: 3, Quantity: d("1")})
	require.ErrorAs(t, err, &cyclic)

	require.NoError(t, svc.AddSubRecipe(ctx, LinkInput{ParentID: 1, ChildID: 3, Quantity: d("0.5")}))
	require.Len(t, repo.recipes[1].SubRecipes, 2)

	calc, err := svc.CalculateRecipeCost(ctx, CostInput{RecipeID: 1, ScaleFactor: d("1")})
	require.NoError(t, err)
	// glaze at half a batch: 100 ml of milk = 0.15
	require.True(t, calc.SubRecipesCost.Equal(d("3.15")), calc.SubRecipesCost.String())
	require.Equal(t, "link:cyclic", obs.outcomes[0])
}

func TestRecalculateForMaterial(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo)

	recs, err := svc.RecalculateForMaterial(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(1), recs[0].RecipeID)
	require.Equal(t, int64(2), recs[1].RecipeID)
	require.True(t, recs[1].TotalCost.Equal(d("3.00")))
	require.Len(t, repo.history, 2)

	recs, err = svc.RecalculateForMaterial(context.Background(), 42)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestNeedsRecalculation(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	needs, err := svc.NeedsRecalculation(ctx, 1)
	require.NoError(t, err)
	require.True(t, needs)

	_, err = svc.RecordCost(ctx, CostInput{RecipeID: 1, ScaleFactor: d("1")})
	require.NoError(t, err)
	repo.priceChanged = at.Add(-time.Hour)
	needs, err = svc.NeedsRecalculation(ctx, 1)
	require.NoError(t, err)
	require.False(t, needs)

	repo.priceChanged = at.Add(time.Hour)
	needs, err = svc.NeedsRecalculation(ctx, 1)
	require.NoError(t, err)
	require.True(t, needs)
}

func TestPricingThroughService(t *testing.T) {
	svc, _ := newTestService(t, newFakeRepo())
	ctx := context.Background()

	prices, err := svc.PriceWithMargins(ctx, PriceInput{Cost: d("1.20")})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	require.True(t, prices["retail"].Equal(d("2.40")))

	prices, err = svc.PriceWithMargins(ctx, PriceInput{Cost: d("1.20"), MarginIDs: []int64{2}})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.True(t, prices["wholesale"].Equal(d("1.62")))

	_, err = svc.PriceWithMargins(ctx, PriceInput{Cost: d("1"), MarginIDs: []int64{9}})
	require.ErrorIs(t, err, ErrMarginNotFound)

	points, err := svc.BreakEven(ctx, BreakEvenInput{Cost: d("10"), FixedCostsPerPeriod: d("1000"), Candidates: []decimal.Decimal{d("15")}})
	require.NoError(t, err)
	require.Equal(t, int64(200), points[0].Units)
	require.True(t, points[0].Revenue.Equal(d("3000")))

	_, err = svc.BreakEven(ctx, BreakEvenInput{Cost: d("10"), FixedCostsPerPeriod: d("1000")})
	var invalid *recipes.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	_, err = svc.BreakEven(ctx, BreakEvenInput{Cost: d("10"), FixedCostsPerPeriod: d("1000"), Candidates: []decimal.Decimal{d("10")}})
	var margin *pricing.InvalidMarginError
	require.True(t, errors.As(err, &margin))
}

func TestCatalogLoadSurvivesLeaderCancel(t *testing.T) {
	repo := &blockingRepo{fakeRepo: newFakeRepo(), started: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, nil, nil, nil, Config{})
	in := ConvertInput{Quantity: d("1"), From: "kg", To: "g"}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.ConvertUnits(leaderCtx, in)
		leaderErr <- err
	}()
	<-repo.started

	type result struct {
		out decimal.Decimal
		err error
	}
	follower := make(chan result, 1)
	go func() {
		out, err := svc.ConvertUnits(context.Background(), in)
		follower <- result{out, err}
	}()
	// Let the follower join the in-flight load.
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(repo.release)
	res := <-follower
	require.NoError(t, res.err)
	require.True(t, res.out.Equal(d("1000")), res.out.String())
	require.Equal(t, 1, repo.catalogCalls)
}

func TestConcurrentOpposingLinksKeepGraphAcyclic(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	links := []LinkInput{
		{ParentID: 2, ChildID: 3, Quantity: d("1")},
		{ParentID: 3, ChildID: 2, Quantity: d("1")},
	}
	errs := make([]error, len(links))
	var wg sync.WaitGroup
	for i, in := range links {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.AddSubRecipe(ctx, in)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var cyclic *recipes.CyclicCompositionError
		require.ErrorAs(t, err, &cyclic)
	}
	require.Equal(t, 1, succeeded)

	book, err := repo.LoadBook(ctx)
	require.NoError(t, err)
	require.NoError(t, book.CheckAcyclic())
}

func TestListMarginsIgnoresRepeatedIDs(t *testing.T) {
	svc, _ := newTestService(t, newFakeRepo())

	prices, err := svc.PriceWithMargins(context.Background(), PriceInput{Cost: d("1.20"), MarginIDs: []int64{2, 2}})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.True(t, prices["wholesale"].Equal(d("1.62")))
}

func TestDefaultPrice(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	margin, price, ok, err := svc.DefaultPrice(ctx, d("1.20"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "retail", margin.Name)
	require.True(t, price.Equal(d("2.40")), price.String())

	_, _, _, err = svc.DefaultPrice(ctx, d("-1"))
	var invalid *recipes.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	repo.margins[0].Default = false
	_, _, ok, err = svc.DefaultPrice(ctx, d("1.20"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidationComparesDecimalsExactly(t *testing.T) {
	svc, _ := newTestService(t, newFakeRepo())

	require.NoError(t, svc.check(CostInput{RecipeID: 1, ScaleFactor: decimal.New(1, -400)}))
	require.NoError(t, svc.check(ConvertInput{Quantity: decimal.Zero, From: "kg", To: "g"}))

	var invalid *recipes.InvalidInputError
	require.ErrorAs(t, svc.check(CostInput{RecipeID: 1, ScaleFactor: decimal.Zero}), &invalid)
	require.ErrorAs(t, svc.check(CostInput{RecipeID: 1, ScaleFactor: decimal.New(-1, -400)}), &invalid)
	require.ErrorAs(t, svc.check(BreakEvenInput{Candidates: []decimal.Decimal{decimal.New(1, -400), decimal.Zero}}), &invalid)
}
