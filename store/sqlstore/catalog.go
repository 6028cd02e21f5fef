package sqlstore

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// CATALOG MAINTENANCE
// =============================================================================
// The catalog is owned by back-office tooling. These upserts seed it for the
// server's bootstrap and for tests.

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return ledger.Persistence(op, err)
}

// SaveStore creates or updates a store.
func (s *Store) SaveStore(ctx context.Context, st ledger.StoreInfo) error {
	return s.exec(ctx, "save store", `
		INSERT INTO stores (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		st.ID, st.Name, st.Active)
}

// SaveProduct creates or updates the store-independent product row.
func (s *Store) SaveProduct(ctx context.Context, id ledger.ProductID, description string, deleted bool) error {
	return s.exec(ctx, "save product", `
		INSERT INTO products (id, description, deleted) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description, deleted = excluded.deleted`,
		id, description, deleted)
}

// SaveProductStock creates or replaces the stock record of a product at a store.
func (s *Store) SaveProductStock(ctx context.Context, p ledger.ProductParams) error {
	return s.exec(ctx, "save product stock", `
		INSERT INTO product_stock (store_id, product_id, active, stock, exchange_stock,
			cost, cost_with_tax, avg_cost, avg_cost_with_tax,
			credit_rate_id, debit_rate_id, pis_cofins_type_id,
			pis_percent, cofins_percent, final_rate_percent, ipi_value, icms_subst_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_id, product_id) DO UPDATE SET
			active = excluded.active,
			stock = excluded.stock,
			exchange_stock = excluded.exchange_stock,
			cost = excluded.cost,
			cost_with_tax = excluded.cost_with_tax,
			avg_cost = excluded.avg_cost,
			avg_cost_with_tax = excluded.avg_cost_with_tax,
			credit_rate_id = excluded.credit_rate_id,
			debit_rate_id = excluded.debit_rate_id,
			pis_cofins_type_id = excluded.pis_cofins_type_id,
			pis_percent = excluded.pis_percent,
			cofins_percent = excluded.cofins_percent,
			final_rate_percent = excluded.final_rate_percent,
			ipi_value = excluded.ipi_value,
			icms_subst_value = excluded.icms_subst_value`,
		p.StoreID, p.ProductID, p.Active, p.Stock, p.ExchangeStock,
		p.Cost, p.CostWithTax, p.AvgCost, p.AvgCostWithTax,
		p.Tax.CreditRateID, p.Tax.DebitRateID, p.Tax.PisCofinsTypeID,
		p.Tax.PisPercent, p.Tax.CofinsPercent, p.Tax.FinalRatePercent,
		p.Tax.IPIValue, p.Tax.ICMSSubstValue)
}

// SaveLink creates or replaces the associated link of a dependent product.
func (s *Store) SaveLink(ctx context.Context, l ledger.AssociatedLink) error {
	return s.exec(ctx, "save associated link", `
		INSERT INTO associated_links (product_id, stock_product_id, primary_pack_qty,
			dependent_pack_qty, cost_share_percent, applies_to_stock)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			stock_product_id = excluded.stock_product_id,
			primary_pack_qty = excluded.primary_pack_qty,
			dependent_pack_qty = excluded.dependent_pack_qty,
			cost_share_percent = excluded.cost_share_percent,
			applies_to_stock = excluded.applies_to_stock`,
		l.ProductID, l.StockProductID, l.PrimaryPackQty,
		l.DependentPackQty, l.CostSharePercent, l.AppliesToStock)
}

// SetStockFrozen writes the store's stock-frozen flag.
func (s *Store) SetStockFrozen(ctx context.Context, store ledger.StoreID, frozen bool) error {
	value := "0"
	if frozen {
		value = "1"
	}
	return s.exec(ctx, "save stock frozen flag", `
		INSERT INTO store_parameters (store_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT(store_id, name) DO UPDATE SET value = excluded.value`,
		store, FrozenParameter, value)
}

// SaveRecipeItem creates or replaces one component of a recipe.
func (s *Store) SaveRecipeItem(ctx context.Context, item ledger.RecipeItem) error {
	return s.exec(ctx, "save recipe item", `
		INSERT INTO recipes (product_id, component_id, recipe_pack_qty, product_pack_qty,
			yield_qty, deducts_stock)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id, component_id) DO UPDATE SET
			recipe_pack_qty = excluded.recipe_pack_qty,
			product_pack_qty = excluded.product_pack_qty,
			yield_qty = excluded.yield_qty,
			deducts_stock = excluded.deducts_stock`,
		item.ProductID, item.ComponentID, item.RecipePackQty, item.ProductPackQty,
		item.Yield, item.DeductsStock)
}

func (s *Store) SaveConsumptionType(ctx context.Context, ct ledger.ConsumptionType) error {
	return s.exec(ctx, "save consumption type", `
		INSERT INTO consumption_types (id, description, emits_invoice) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description, emits_invoice = excluded.emits_invoice`,
		ct.ID, ct.Description, ct.EmitsInvoice)
}

func (s *Store) SaveExchangeReason(ctx context.Context, r ledger.ExchangeReason) error {
	return s.exec(ctx, "save exchange reason", `
		INSERT INTO exchange_reasons (id, description) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description`,
		r.ID, r.Description)
}

func (s *Store) SaveCountSession(ctx context.Context, c ledger.CountSession) error {
	return s.exec(ctx, "save count session", `
		INSERT INTO count_sessions (id, store_id, description, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			store_id = excluded.store_id,
			description = excluded.description,
			status = excluded.status`,
		c.ID, c.StoreID, c.Description, c.Status)
}

// =============================================================================
// SYNC LISTS - Read-only lists pulled by terminals
// =============================================================================

func (s *Store) selectRows(ctx context.Context, op string, dest any, query string, args ...any) error {
	return ledger.Persistence(op, s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...))
}

// Stores lists the active stores.
func (s *Store) Stores(ctx context.Context) ([]ledger.StoreInfo, error) {
	out := []ledger.StoreInfo{}
	err := s.selectRows(ctx, "list stores", &out,
		`SELECT id, name, active FROM stores WHERE active = TRUE ORDER BY id`)
	return out, err
}

func (s *Store) ConsumptionTypes(ctx context.Context) ([]ledger.ConsumptionType, error) {
	out := []ledger.ConsumptionType{}
	err := s.selectRows(ctx, "list consumption types", &out,
		`SELECT id, description, emits_invoice FROM consumption_types ORDER BY id`)
	return out, err
}

func (s *Store) ExchangeReasons(ctx context.Context) ([]ledger.ExchangeReason, error) {
	out := []ledger.ExchangeReason{}
	err := s.selectRows(ctx, "list exchange reasons", &out,
		`SELECT id, description FROM exchange_reasons ORDER BY id`)
	return out, err
}

// Recipes lists every recipe item, joined with the component averages at store.
func (s *Store) Recipes(ctx context.Context, store ledger.StoreID) ([]ledger.RecipeItem, error) {
	var rows []recipeRow
	err := s.selectRows(ctx, "list recipes", &rows, `
		SELECT r.product_id, r.component_id, r.recipe_pack_qty, r.product_pack_qty,
			r.yield_qty, r.deducts_stock,
			COALESCE(ps.avg_cost, '0') AS avg_cost,
			COALESCE(ps.avg_cost_with_tax, '0') AS avg_cost_with_tax
		FROM recipes r
		LEFT JOIN product_stock ps ON ps.product_id = r.component_id AND ps.store_id = ?
		ORDER BY r.product_id, r.component_id`, store)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.RecipeItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

// OpenCounts lists the open count sessions of a store.
func (s *Store) OpenCounts(ctx context.Context, store ledger.StoreID) ([]ledger.CountSession, error) {
	out := []ledger.CountSession{}
	err := s.selectRows(ctx, "list open counts", &out, `
		SELECT id, store_id, description, status FROM count_sessions
		WHERE store_id = ? AND status = ? ORDER BY id`, store, ledger.CountOpen)
	return out, err
}

// =============================================================================
// INSPECTION - Ledger reads for reports and tests
// =============================================================================

// Product returns the committed stock record of a product.
func (s *Store) Product(ctx context.Context, store ledger.StoreID, product ledger.ProductID) (ledger.ProductParams, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+productColumns+` FROM product_stock ps
		LEFT JOIN products p ON p.id = ps.product_id
		WHERE ps.store_id = ? AND ps.product_id = ?`),
		store, product)
	if err != nil {
		return ledger.ProductParams{}, ledger.Persistence("read product stock", err)
	}
	return row.params(), nil
}

type movementRow struct {
	ID             string          `db:"id"`
	StoreID        int64           `db:"store_id"`
	ProductID      int64           `db:"product_id"`
	Quantity       decimal.Decimal `db:"quantity"`
	Direction      int             `db:"direction"`
	Type           int             `db:"movement_type"`
	PriorStock     decimal.Decimal `db:"prior_stock"`
	ResultingStock decimal.Decimal `db:"resulting_stock"`
	Cost           decimal.Decimal `db:"cost"`
	CostWithTax    decimal.Decimal `db:"cost_with_tax"`
	AvgCost        decimal.Decimal `db:"avg_cost"`
	AvgCostWithTax decimal.Decimal `db:"avg_cost_with_tax"`
	UserID         int64           `db:"user_id"`
	OccurredAt     string          `db:"occurred_at"`
}

// Movements returns the movement history of a product, oldest first.
func (s *Store) Movements(ctx context.Context, store ledger.StoreID, product ledger.ProductID) ([]ledger.MovementEntry, error) {
	var rows []movementRow
	err := s.selectRows(ctx, "list movements", &rows, `
		SELECT id, store_id, product_id, quantity, direction, movement_type, prior_stock,
			resulting_stock, cost, cost_with_tax, avg_cost, avg_cost_with_tax, user_id, occurred_at
		FROM stock_movements WHERE store_id = ? AND product_id = ?
		ORDER BY occurred_at, id`, store, product)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.MovementEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ledger.MovementEntry{
			ID:             r.ID,
			StoreID:        ledger.StoreID(r.StoreID),
			ProductID:      ledger.ProductID(r.ProductID),
			Quantity:       r.Quantity,
			Direction:      ledger.Direction(r.Direction),
			Type:           ledger.MovementType(r.Type),
			PriorStock:     r.PriorStock,
			ResultingStock: r.ResultingStock,
			Costs: ledger.Costs{
				Cost:           r.Cost,
				CostWithTax:    r.CostWithTax,
				AvgCost:        r.AvgCost,
				AvgCostWithTax: r.AvgCostWithTax,
			},
			UserID:     ledger.UserID(r.UserID),
			OccurredAt: parseTime(r.OccurredAt),
		})
	}
	return out, nil
}

// FrozenMovementCount counts the frozen movements of a product.
func (s *Store) FrozenMovementCount(ctx context.Context, store ledger.StoreID, product ledger.ProductID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM frozen_movements WHERE store_id = ? AND product_id = ?`), store, product)
	return n, ledger.Persistence("count frozen movements", err)
}

type revisionRow struct {
	ID                 string          `db:"id"`
	StoreID            int64           `db:"store_id"`
	ProductID          int64           `db:"product_id"`
	PrevAvgCost        decimal.Decimal `db:"prev_avg_cost"`
	PrevAvgCostWithTax decimal.Decimal `db:"prev_avg_cost_with_tax"`
	NewAvgCost         decimal.Decimal `db:"new_avg_cost"`
	NewAvgCostWithTax  decimal.Decimal `db:"new_avg_cost_with_tax"`
	UserID             int64           `db:"user_id"`
	Reason             string          `db:"reason"`
	RevisedAt          string          `db:"revised_at"`
}

// CostRevisions returns the average-cost history of a product, oldest first.
func (s *Store) CostRevisions(ctx context.Context, store ledger.StoreID, product ledger.ProductID) ([]ledger.CostRevision, error) {
	var rows []revisionRow
	err := s.selectRows(ctx, "list cost revisions", &rows, `
		SELECT id, store_id, product_id, prev_avg_cost, prev_avg_cost_with_tax, new_avg_cost,
			new_avg_cost_with_tax, user_id, reason, revised_at
		FROM cost_revisions WHERE store_id = ? AND product_id = ?
		ORDER BY revised_at, id`, store, product)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.CostRevision, 0, len(rows))
	for _, r := range rows {
		out = append(out, ledger.CostRevision{
			ID:                 r.ID,
			StoreID:            ledger.StoreID(r.StoreID),
			ProductID:          ledger.ProductID(r.ProductID),
			PrevAvgCost:        r.PrevAvgCost,
			PrevAvgCostWithTax: r.PrevAvgCostWithTax,
			NewAvgCost:         r.NewAvgCost,
			NewAvgCostWithTax:  r.NewAvgCostWithTax,
			UserID:             ledger.UserID(r.UserID),
			Reason:             r.Reason,
			RevisedAt:          parseTime(r.RevisedAt),
		})
	}
	return out, nil
}

// AuditCount counts the audit entries written for a store and form.
func (s *Store) AuditCount(ctx context.Context, store ledger.StoreID, form ledger.AuditForm) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM audit_log WHERE store_id = ? AND form = ?`), store, form)
	return n, ledger.Persistence("count audit entries", err)
}

// Consumptions returns the consumption accumulators of a store for a business date.
func (s *Store) Consumptions(ctx context.Context, store ledger.StoreID, date string) ([]ledger.ConsumptionRecord, error) {
	var rows []consumptionRow
	err := s.selectRows(ctx, "list consumptions", &rows,
		`SELECT `+consumptionColumns+` FROM consumptions
		WHERE store_id = ? AND business_date = ?
		ORDER BY product_id, type_id`, store, date)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.ConsumptionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// CountItems returns the items of a count session ordered by product.
func (s *Store) CountItems(ctx context.Context, countID int64) ([]ledger.CountItem, error) {
	var rows []countItemRow
	err := s.selectRows(ctx, "list count items", &rows, `
		SELECT count_id, store_id, product_id, quantity, cost, cost_with_tax, avg_cost, avg_cost_with_tax
		FROM count_items WHERE count_id = ? ORDER BY product_id`, countID)
	if err != nil {
		return nil, fmt.Errorf("count %d: %w", countID, err)
	}
	out := make([]ledger.CountItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}
