package costing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/recipe-costing/internal/platform/db"
	"github.com/odyssey-erp/recipe-costing/internal/pricing"
	"github.com/odyssey-erp/recipe-costing/internal/recipes"
	"github.com/odyssey-erp/recipe-costing/internal/units"
)

// Repository loads costing inputs and persists results.
type Repository interface {
	LoadCatalog(ctx context.Context, ownerID string) (Catalog, error)
	LoadBook(ctx context.Context, roots ...int64) (*recipes.Book, error)
	ListMargins(ctx context.Context, ids []int64) ([]pricing.ProfitMargin, error)
	InsertFactor(ctx context.Context, f units.Factor) error
	DependentRecipes(ctx context.Context, materialID int64) ([]int64, error)
	LatestHistory(ctx context.Context, recipeID int64) (HistoryRecord, error)
	MaterialsChangedSince(ctx context.Context, recipeID int64, since time.Time) (bool, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LoadBook(ctx context.Context, roots ...int64) (*recipes.Book, error)
	InsertSubRecipe(ctx context.Context, parentID int64, sub recipes.SubRecipe) error
	InsertHistory(ctx context.Context, rec HistoryRecord) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository is the PostgreSQL implementation of Repository.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// txIsolation is serializable so that two links checked against the same
// snapshot, A to B and B to A, cannot both commit.
const txIsolation = pgx.Serializable

// WithTx wraps fn in a serializable transaction. Conflicting writers are
// aborted and retried by the db package.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxLevel(ctx, r.pool, txIsolation, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// LoadCatalog returns every unit and the factors visible to ownerID.
func (r *PGRepository) LoadCatalog(ctx context.Context, ownerID string) (Catalog, error) {
	var cat Catalog
	rows, err := r.pool.Query(ctx, `SELECT code, name, kind FROM units ORDER BY code`)
	if err != nil {
		return Catalog{}, err
	}
	for rows.Next() {
		var u units.Unit
		if err := rows.Scan(&u.Code, &u.Name, &u.Kind); err != nil {
			rows.Close()
			return Catalog{}, err
		}
		cat.Units = append(cat.Units, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Catalog{}, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT from_unit, to_unit, factor::text, COALESCE(owner_id, ''), COALESCE(notes, '')
		FROM conversion_factors
		WHERE owner_id IS NULL OR owner_id = $1
		ORDER BY id`, ownerID)
	if err != nil {
		return Catalog{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var f units.Factor
		if err := rows.Scan(&f.From, &f.To, &f.Factor, &f.OwnerID, &f.Notes); err != nil {
			return Catalog{}, err
		}
		cat.Factors = append(cat.Factors, f)
	}
	return cat, rows.Err()
}

// InsertFactor stores a factor; a second factor for the same pair and owner
// yields units.ErrDuplicateFactor.
func (r *PGRepository) InsertFactor(ctx context.Context, f units.Factor) error {
	var owner *string
	if f.OwnerID != "" {
		owner = &f.OwnerID
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversion_factors (from_unit, to_unit, factor, owner_id, notes)
		VALUES ($1, $2, $3::numeric, $4, NULLIF($5, ''))`,
		f.From, f.To, f.Factor.String(), owner, f.Notes)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s -> %s", units.ErrDuplicateFactor, f.From, f.To)
	}
	return err
}

// LoadBook loads roots, every recipe reachable from them and the raw
// materials they use.
func (r *PGRepository) LoadBook(ctx context.Context, roots ...int64) (*recipes.Book, error) {
	return loadBook(ctx, r.pool, roots)
}

func (t *txRepo) LoadBook(ctx context.Context, roots ...int64) (*recipes.Book, error) {
	return loadBook(ctx, t.tx, roots)
}

const closureCTE = `
	WITH RECURSIVE closure(id) AS (
		SELECT unnest($1::bigint[])
		UNION
		SELECT s.sub_recipe_id FROM recipe_sub_recipes s JOIN closure c ON s.recipe_id = c.id
	)`

func loadBook(ctx context.Context, q querier, roots []int64) (*recipes.Book, error) {
	book := recipes.NewBook()
	if len(roots) == 0 {
		return book, nil
	}
	byID := make(map[int64]*recipes.Recipe)
	var order []int64

	rows, err := q.Query(ctx, closureCTE+`
		SELECT r.id, r.name, r.yield_quantity::text, r.yield_unit, r.prep_minutes, r.bake_minutes, r.cool_minutes
		FROM recipes r JOIN closure c ON c.id = r.id
		ORDER BY r.id`, roots)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var rec recipes.Recipe
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.YieldQuantity, &rec.YieldUnit, &rec.PrepMinutes, &rec.BakeMinutes, &rec.CoolMinutes); err != nil {
			rows.Close()
			return nil, err
		}
		byID[rec.ID] = &rec
		order = append(order, rec.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	materialIDs := make(map[int64]struct{})
	rows, err = q.Query(ctx, `
		SELECT recipe_id, material_id, quantity::text, unit, is_optional
		FROM recipe_ingredients WHERE recipe_id = ANY($1)
		ORDER BY recipe_id, position, id`, order)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var recipeID int64
		var ing recipes.Ingredient
		if err := rows.Scan(&recipeID, &ing.MaterialID, &ing.Quantity, &ing.Unit, &ing.Optional); err != nil {
			rows.Close()
			return nil, err
		}
		byID[recipeID].Ingredients = append(byID[recipeID].Ingredients, ing)
		materialIDs[ing.MaterialID] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT recipe_id, sub_recipe_id, quantity::text
		FROM recipe_sub_recipes WHERE recipe_id = ANY($1)
		ORDER BY recipe_id, position, id`, order)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var recipeID int64
		var sub recipes.SubRecipe
		if err := rows.Scan(&recipeID, &sub.RecipeID, &sub.Quantity); err != nil {
			rows.Close()
			return nil, err
		}
		byID[recipeID].SubRecipes = append(byID[recipeID].SubRecipes, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT recipe_id, name, cost_type, amount::text, method, COALESCE(time_in_minutes, 0), COALESCE(percentage, 0)::text
		FROM recipe_fixed_costs WHERE recipe_id = ANY($1)
		ORDER BY recipe_id, position, id`, order)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var recipeID int64
		var fc recipes.FixedCost
		if err := rows.Scan(&recipeID, &fc.Name, &fc.Type, &fc.Amount, &fc.Method, &fc.TimeInMinutes, &fc.Percentage); err != nil {
			rows.Close()
			return nil, err
		}
		byID[recipeID].FixedCosts = append(byID[recipeID].FixedCosts, fc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(materialIDs))
	for id := range materialIDs {
		ids = append(ids, id)
	}
	rows, err = q.Query(ctx, `
		SELECT id, name, purchase_unit, purchase_quantity::text, unit_cost::text, current_stock::text, minimum_stock::text
		FROM raw_materials WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var m recipes.RawMaterial
		if err := rows.Scan(&m.ID, &m.Name, &m.PurchaseUnit, &m.PurchaseQuantity, &m.UnitCost, &m.CurrentStock, &m.MinimumStock); err != nil {
			rows.Close()
			return nil, err
		}
		if err := book.AddMaterial(m); err != nil {
			rows.Close()
			return nil, err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range order {
		if err := book.AddRecipe(*byID[id]); err != nil {
			return nil, err
		}
	}
	if err := book.CheckAcyclic(); err != nil {
		return nil, err
	}
	return book, nil
}

// ListMargins returns the requested margins, or every active margin when ids
// is empty.
func (r *PGRepository) ListMargins(ctx context.Context, ids []int64) ([]pricing.ProfitMargin, error) {
	ids = uniqueIDs(ids)
	query := `SELECT id, name, percentage::text, is_default, is_active FROM profit_margins WHERE is_active ORDER BY id`
	args := []any{}
	if len(ids) > 0 {
		query = `SELECT id, name, percentage::text, is_default, is_active FROM profit_margins WHERE id = ANY($1) ORDER BY id`
		args = append(args, ids)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pricing.ProfitMargin
	for rows.Next() {
		var m pricing.ProfitMargin
		if err := rows.Scan(&m.ID, &m.Name, &m.Percentage, &m.Default, &m.Active); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 && len(out) != len(ids) {
		return nil, ErrMarginNotFound
	}
	return out, nil
}

// uniqueIDs drops repeated ids, keeping first occurrences in order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DependentRecipes lists recipes using materialID directly or through
// sub-recipes.
func (r *PGRepository) DependentRecipes(ctx context.Context, materialID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE users(id) AS (
			SELECT recipe_id FROM recipe_ingredients WHERE material_id = $1
			UNION
			SELECT s.recipe_id FROM recipe_sub_recipes s JOIN users u ON s.sub_recipe_id = u.id
		)
		SELECT id FROM users ORDER BY id`, materialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestHistory returns the most recent calculation of recipeID.
func (r *PGRepository) LatestHistory(ctx context.Context, recipeID int64) (HistoryRecord, error) {
	var rec HistoryRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, recipe_id, scale_factor::text, materials_cost::text, sub_recipes_cost::text, fixed_costs::text,
		       total_cost::text, cost_per_unit::text, COALESCE(owner_id, ''), calculated_at
		FROM recipe_cost_history
		WHERE recipe_id = $1
		ORDER BY calculated_at DESC
		LIMIT 1`, recipeID).Scan(
		&rec.ID, &rec.RecipeID, &rec.ScaleFactor, &rec.MaterialsCost, &rec.SubRecipesCost, &rec.FixedCosts,
		&rec.TotalCost, &rec.CostPerUnit, &rec.OwnerID, &rec.CalculatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return HistoryRecord{}, ErrHistoryNotFound
	}
	return rec, err
}

// MaterialsChangedSince reports whether any raw material used by recipeID,
// directly or through sub-recipes, was updated after since.
func (r *PGRepository) MaterialsChangedSince(ctx context.Context, recipeID int64, since time.Time) (bool, error) {
	var changed bool
	err := r.pool.QueryRow(ctx, closureCTE+`
		SELECT EXISTS (
			SELECT 1 FROM recipe_ingredients i
			JOIN closure c ON c.id = i.recipe_id
			JOIN raw_materials m ON m.id = i.material_id
			WHERE m.updated_at > $2
		)`, []int64{recipeID}, since).Scan(&changed)
	return changed, err
}

func (t *txRepo) InsertSubRecipe(ctx context.Context, parentID int64, sub recipes.SubRecipe) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recipe_sub_recipes (recipe_id, sub_recipe_id, quantity, position)
		SELECT $1, $2, $3::numeric, COALESCE(MAX(position), 0) + 1
		FROM recipe_sub_recipes WHERE recipe_id = $1`,
		parentID, sub.RecipeID, sub.Quantity.String())
	return err
}

func (t *txRepo) InsertHistory(ctx context.Context, rec HistoryRecord) error {
	var owner *string
	if rec.OwnerID != "" {
		owner = &rec.OwnerID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recipe_cost_history
			(id, recipe_id, scale_factor, materials_cost, sub_recipes_cost, fixed_costs, total_cost, cost_per_unit, owner_id, calculated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10)`,
		rec.ID, rec.RecipeID, rec.ScaleFactor.String(), rec.MaterialsCost.String(), rec.SubRecipesCost.String(),
		rec.FixedCosts.String(), rec.TotalCost.String(), rec.CostPerUnit.String(), owner, rec.CalculatedAt)
	return err
}
