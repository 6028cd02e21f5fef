/*
Package sqlstore provides the SQL-backed implementation of the ledger and
idempotency storage interfaces.

PURPOSE:
  Implements ledger.TxStore (and through it ledger.Catalog and
  ledger.Writer) plus idempotency.Store on top of sqlx. The same queries
  run against SQLite and PostgreSQL; the dialect only changes the decimal
  column type, the bind variables and the row lock on stock reads.

APPEND-ONLY ENFORCEMENT:
  stock_movements, frozen_movements, cost_revisions, exchange_movements
  and audit_log are only ever INSERTed. product_stock, consumptions and
  count_items are the rows updated in place.

CONCURRENCY:
  Every business event runs inside WithTx. On PostgreSQL the stock record
  is read with FOR UPDATE so two events on the same product serialize. The
  SQLite backend keeps a single open connection, which serializes writers.

USAGE:
  store, err := sqlstore.NewSQLite("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  processor := &events.Processor{Store: store, Ledger: &ledger.Ledger{}}

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - catalog.go: back-office writes and terminal sync lists
  - idempotency.go: idempotency.Store
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

const timeLayout = time.RFC3339Nano

// Store implements ledger.TxStore and idempotency.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

// Open connects with the named driver ("sqlite" or "postgres", also
// accepting the sql driver names "sqlite3" and "pgx") and migrates.
// maxOpenConns caps the postgres pool; 0 leaves it unbounded. SQLite
// always uses one connection.
func Open(driver, dsn string, maxOpenConns int) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLite(dsn)
	case "postgres", "pgx":
		return NewPostgres(dsn, maxOpenConns)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// NewSQLite opens a SQLite database at path. Use ":memory:" for an
// in-memory database.
func NewSQLite(path string) (*Store, error) {
	db, err := sqlx.Open(sqliteDialect.driver, path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database lives per connection, and a
	// single writer keeps transactions from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newStore(db, sqliteDialect)
}

// NewPostgres opens a PostgreSQL database through the pgx stdlib driver.
func NewPostgres(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, maxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStore(db, postgresDialect)
}

// configurePool caps the pool at maxOpenConns; zero or less leaves the
// driver default.
func configurePool(db *sqlx.DB, maxOpenConns int) {
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
}

func newStore(db *sqlx.DB, d dialect) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect names the backend, "sqlite" or "postgres".
func (s *Store) Dialect() string {
	return s.dialect.name
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(s.dialect.schema())
	return err
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Persistence("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	return ledger.Persistence("commit transaction", tx.Commit())
}

// txStore is the ledger.Tx bound to one sqlx transaction.
type txStore struct {
	tx      *sqlx.Tx
	dialect dialect
}

func (t *txStore) get(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *txStore) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *txStore) exec(ctx context.Context, op, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return ledger.Persistence(op, err)
}

// execOne runs an UPDATE that must touch exactly one row.
func (t *txStore) execOne(ctx context.Context, op, what string, key any, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return ledger.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Persistence(op, err)
	}
	if n == 0 {
		return ledger.NotFound(what, key)
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type productRow struct {
	StoreID          int64           `db:"store_id"`
	ProductID        int64           `db:"product_id"`
	Active           bool            `db:"active"`
	Stock            decimal.Decimal `db:"stock"`
	ExchangeStock    decimal.Decimal `db:"exchange_stock"`
	Cost             decimal.Decimal `db:"cost"`
	CostWithTax      decimal.Decimal `db:"cost_with_tax"`
	AvgCost          decimal.Decimal `db:"avg_cost"`
	AvgCostWithTax   decimal.Decimal `db:"avg_cost_with_tax"`
	CreditRateID     int64           `db:"credit_rate_id"`
	DebitRateID      int64           `db:"debit_rate_id"`
	PisCofinsTypeID  int64           `db:"pis_cofins_type_id"`
	PisPercent       decimal.Decimal `db:"pis_percent"`
	CofinsPercent    decimal.Decimal `db:"cofins_percent"`
	FinalRatePercent decimal.Decimal `db:"final_rate_percent"`
	IPIValue         decimal.Decimal `db:"ipi_value"`
	ICMSSubstValue   decimal.Decimal `db:"icms_subst_value"`
}

// productColumns reads product_stock joined with products as p. A deleted
// product reads as inactive at every store.
const productColumns = `ps.store_id, ps.product_id,
	(ps.active AND NOT COALESCE(p.deleted, FALSE)) AS active,
	ps.stock, ps.exchange_stock,
	ps.cost, ps.cost_with_tax, ps.avg_cost, ps.avg_cost_with_tax,
	ps.credit_rate_id, ps.debit_rate_id, ps.pis_cofins_type_id,
	ps.pis_percent, ps.cofins_percent, ps.final_rate_percent,
	ps.ipi_value, ps.icms_subst_value`

func (r productRow) params() ledger.ProductParams {
	return ledger.ProductParams{
		StoreID:       ledger.StoreID(r.StoreID),
		ProductID:     ledger.ProductID(r.ProductID),
		Active:        r.Active,
		Stock:         r.Stock,
		ExchangeStock: r.ExchangeStock,
		Costs: ledger.Costs{
			Cost:           r.Cost,
			CostWithTax:    r.CostWithTax,
			AvgCost:        r.AvgCost,
			AvgCostWithTax: r.AvgCostWithTax,
		},
		Tax: ledger.TaxParams{
			CreditRateID:     r.CreditRateID,
			DebitRateID:      r.DebitRateID,
			PisCofinsTypeID:  r.PisCofinsTypeID,
			PisPercent:       r.PisPercent,
			CofinsPercent:    r.CofinsPercent,
			FinalRatePercent: r.FinalRatePercent,
			IPIValue:         r.IPIValue,
			ICMSSubstValue:   r.ICMSSubstValue,
		},
	}
}

type linkRow struct {
	ProductID        int64           `db:"product_id"`
	StockProductID   int64           `db:"stock_product_id"`
	PrimaryPackQty   decimal.Decimal `db:"primary_pack_qty"`
	DependentPackQty decimal.Decimal `db:"dependent_pack_qty"`
	CostSharePercent decimal.Decimal `db:"cost_share_percent"`
	AppliesToStock   bool            `db:"applies_to_stock"`
}

type recipeRow struct {
	ProductID      int64           `db:"product_id"`
	ComponentID    int64           `db:"component_id"`
	RecipePackQty  decimal.Decimal `db:"recipe_pack_qty"`
	ProductPackQty decimal.Decimal `db:"product_pack_qty"`
	Yield          decimal.Decimal `db:"yield_qty"`
	DeductsStock   bool            `db:"deducts_stock"`
	AvgCost        decimal.Decimal `db:"avg_cost"`
	AvgCostWithTax decimal.Decimal `db:"avg_cost_with_tax"`
}

func (r recipeRow) item() ledger.RecipeItem {
	return ledger.RecipeItem{
		ProductID:      ledger.ProductID(r.ProductID),
		ComponentID:    ledger.ProductID(r.ComponentID),
		RecipePackQty:  r.RecipePackQty,
		ProductPackQty: r.ProductPackQty,
		Yield:          r.Yield,
		AvgCost:        r.AvgCost,
		AvgCostWithTax: r.AvgCostWithTax,
		DeductsStock:   r.DeductsStock,
	}
}

type consumptionRow struct {
	StoreID         int64           `db:"store_id"`
	ProductID       int64           `db:"product_id"`
	Date            string          `db:"business_date"`
	TypeID          int64           `db:"type_id"`
	Quantity        decimal.Decimal `db:"quantity"`
	Cost            decimal.Decimal `db:"cost"`
	CostWithTax     decimal.Decimal `db:"cost_with_tax"`
	AvgCost         decimal.Decimal `db:"avg_cost"`
	AvgCostWithTax  decimal.Decimal `db:"avg_cost_with_tax"`
	CreditRateID    int64           `db:"credit_rate_id"`
	PisCofinsTypeID int64           `db:"pis_cofins_type_id"`
	PisCofins       decimal.Decimal `db:"pis_cofins"`
	BasePisCofins   decimal.Decimal `db:"base_pis_cofins"`
	Pis             decimal.Decimal `db:"pis"`
	Cofins          decimal.Decimal `db:"cofins"`
	IPIValue        decimal.Decimal `db:"ipi_value"`
	ICMSSubstValue  decimal.Decimal `db:"icms_subst_value"`
	EmitsInvoice    bool            `db:"emits_invoice"`
}

func (r consumptionRow) record() ledger.ConsumptionRecord {
	return ledger.ConsumptionRecord{
		StoreID:   ledger.StoreID(r.StoreID),
		ProductID: ledger.ProductID(r.ProductID),
		Date:      r.Date,
		TypeID:    r.TypeID,
		Quantity:  r.Quantity,
		Costs: ledger.Costs{
			Cost:           r.Cost,
			CostWithTax:    r.CostWithTax,
			AvgCost:        r.AvgCost,
			AvgCostWithTax: r.AvgCostWithTax,
		},
		CreditRateID:    r.CreditRateID,
		PisCofinsTypeID: r.PisCofinsTypeID,
		TaxValues: ledger.TaxValues{
			PisCofins:     r.PisCofins,
			BasePisCofins: r.BasePisCofins,
			Pis:           r.Pis,
			Cofins:        r.Cofins,
		},
		IPIValue:       r.IPIValue,
		ICMSSubstValue: r.ICMSSubstValue,
		EmitsInvoice:   r.EmitsInvoice,
	}
}

const consumptionColumns = `store_id, product_id, business_date, type_id, quantity,
	cost, cost_with_tax, avg_cost, avg_cost_with_tax,
	credit_rate_id, pis_cofins_type_id, pis_cofins, base_pis_cofins, pis, cofins,
	ipi_value, icms_subst_value, emits_invoice`

type countItemRow struct {
	CountID        int64           `db:"count_id"`
	StoreID        int64           `db:"store_id"`
	ProductID      int64           `db:"product_id"`
	Quantity       decimal.Decimal `db:"quantity"`
	Cost           decimal.Decimal `db:"cost"`
	CostWithTax    decimal.Decimal `db:"cost_with_tax"`
	AvgCost        decimal.Decimal `db:"avg_cost"`
	AvgCostWithTax decimal.Decimal `db:"avg_cost_with_tax"`
}

func (r countItemRow) item() ledger.CountItem {
	return ledger.CountItem{
		CountID:   r.CountID,
		StoreID:   ledger.StoreID(r.StoreID),
		ProductID: ledger.ProductID(r.ProductID),
		Quantity:  r.Quantity,
		Costs: ledger.Costs{
			Cost:           r.Cost,
			CostWithTax:    r.CostWithTax,
			AvgCost:        r.AvgCost,
			AvgCostWithTax: r.AvgCostWithTax,
		},
	}
}

// =============================================================================
// CATALOG
// =============================================================================

func (t *txStore) ProductParams(ctx context.Context, store ledger.StoreID, product ledger.ProductID) (ledger.ProductParams, error) {
	var row productRow
	err := t.get(ctx, &row,
		`SELECT `+productColumns+` FROM product_stock ps
		LEFT JOIN products p ON p.id = ps.product_id
		WHERE ps.store_id = ? AND ps.product_id = ?`+t.dialect.lockRow,
		store, product)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ProductParams{}, ledger.NotFound("product", fmt.Sprintf("%d@%d", product, store))
	}
	if err != nil {
		return ledger.ProductParams{}, ledger.Persistence("read product stock", err)
	}
	return row.params(), nil
}

func (t *txStore) AssociatedLink(ctx context.Context, product ledger.ProductID) (ledger.AssociatedLink, bool, error) {
	var row linkRow
	err := t.get(ctx, &row,
		`SELECT product_id, stock_product_id, primary_pack_qty, dependent_pack_qty,
			cost_share_percent, applies_to_stock
		FROM associated_links WHERE product_id = ?`, product)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AssociatedLink{}, false, nil
	}
	if err != nil {
		return ledger.AssociatedLink{}, false, ledger.Persistence("read associated link", err)
	}
	return ledger.AssociatedLink{
		ProductID:        ledger.ProductID(row.ProductID),
		StockProductID:   ledger.ProductID(row.StockProductID),
		PrimaryPackQty:   row.PrimaryPackQty,
		DependentPackQty: row.DependentPackQty,
		CostSharePercent: row.CostSharePercent,
		AppliesToStock:   row.AppliesToStock,
	}, true, nil
}

func (t *txStore) IsProductActive(ctx context.Context, store ledger.StoreID, product ledger.ProductID) (bool, error) {
	var row struct {
		Active  bool `db:"active"`
		Deleted bool `db:"deleted"`
	}
	err := t.get(ctx, &row,
		`SELECT ps.active, COALESCE(p.deleted, FALSE) AS deleted
		FROM product_stock ps
		LEFT JOIN products p ON p.id = ps.product_id
		WHERE ps.store_id = ? AND ps.product_id = ?`, store, product)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ledger.Persistence("read product status", err)
	}
	return row.Active && !row.Deleted, nil
}

// FrozenParameter is the store parameter holding the stock-frozen flag.
const FrozenParameter = "stock_frozen"

func (t *txStore) IsStockFrozen(ctx context.Context, store ledger.StoreID) (bool, error) {
	var value string
	err := t.get(ctx, &value,
		`SELECT value FROM store_parameters WHERE store_id = ? AND name = ?`,
		store, FrozenParameter)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ledger.Persistence("read stock frozen flag", err)
	}
	return parseFlag(value), nil
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "s", "y", "yes":
		return true
	}
	return false
}

func (t *txStore) RecipeItems(ctx context.Context, store ledger.StoreID, product ledger.ProductID) ([]ledger.RecipeItem, error) {
	var rows []recipeRow
	err := t.selectRows(ctx, &rows,
		`SELECT r.product_id, r.component_id, r.recipe_pack_qty, r.product_pack_qty,
			r.yield_qty, r.deducts_stock,
			COALESCE(ps.avg_cost, '0') AS avg_cost,
			COALESCE(ps.avg_cost_with_tax, '0') AS avg_cost_with_tax
		FROM recipes r
		LEFT JOIN product_stock ps ON ps.product_id = r.component_id AND ps.store_id = ?
		WHERE r.product_id = ?
		ORDER BY r.component_id`, store, product)
	if err != nil {
		return nil, ledger.Persistence("read recipe", err)
	}
	items := make([]ledger.RecipeItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.item())
	}
	return items, nil
}

func (t *txStore) ConsumptionType(ctx context.Context, id int64) (ledger.ConsumptionType, error) {
	var ct ledger.ConsumptionType
	err := t.get(ctx, &ct, `SELECT id, description, emits_invoice FROM consumption_types WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ct, ledger.NotFound("consumption type", id)
	}
	return ct, ledger.Persistence("read consumption type", err)
}

func (t *txStore) ExchangeReason(ctx context.Context, id int64) (ledger.ExchangeReason, error) {
	var r ledger.ExchangeReason
	err := t.get(ctx, &r, `SELECT id, description FROM exchange_reasons WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ledger.NotFound("exchange reason", id)
	}
	return r, ledger.Persistence("read exchange reason", err)
}

func (t *txStore) CountSession(ctx context.Context, id int64) (ledger.CountSession, error) {
	var c ledger.CountSession
	err := t.get(ctx, &c, `SELECT id, store_id, description, status FROM count_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ledger.NotFound("count session", id)
	}
	return c, ledger.Persistence("read count session", err)
}

// =============================================================================
// LEDGER WRITES
// =============================================================================

func (t *txStore) InsertMovement(ctx context.Context, m ledger.MovementEntry) error {
	return t.exec(ctx, "insert stock movement",
		`INSERT INTO stock_movements (id, store_id, product_id, quantity, direction, movement_type,
			prior_stock, resulting_stock, cost, cost_with_tax, avg_cost, avg_cost_with_tax,
			user_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.StoreID, m.ProductID, m.Quantity, m.Direction, m.Type,
		m.PriorStock, m.ResultingStock, m.Cost, m.CostWithTax, m.AvgCost, m.AvgCostWithTax,
		m.UserID, m.OccurredAt.UTC().Format(timeLayout))
}

func (t *txStore) InsertFrozenMovement(ctx context.Context, m ledger.FrozenMovementEntry) error {
	return t.exec(ctx, "insert frozen movement",
		`INSERT INTO frozen_movements (id, store_id, product_id, quantity, direction, movement_type,
			cost, cost_with_tax, avg_cost, avg_cost_with_tax, associated, movement_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.StoreID, m.ProductID, m.Quantity, m.Direction, m.Type,
		m.Cost, m.CostWithTax, m.AvgCost, m.AvgCostWithTax, m.Associated,
		m.Date.UTC().Format(timeLayout))
}

func (t *txStore) UpdateStockQuantity(ctx context.Context, store ledger.StoreID, product ledger.ProductID, stock decimal.Decimal) error {
	return t.execOne(ctx, "update stock quantity", "product", fmt.Sprintf("%d@%d", product, store),
		`UPDATE product_stock SET stock = ? WHERE store_id = ? AND product_id = ?`,
		stock, store, product)
}

func (t *txStore) UpdateAverageCosts(ctx context.Context, store ledger.StoreID, product ledger.ProductID, avgCost, avgCostWithTax decimal.Decimal) error {
	return t.execOne(ctx, "update average costs", "product", fmt.Sprintf("%d@%d", product, store),
		`UPDATE product_stock SET avg_cost = ?, avg_cost_with_tax = ? WHERE store_id = ? AND product_id = ?`,
		avgCost, avgCostWithTax, store, product)
}

func (t *txStore) InsertCostRevision(ctx context.Context, r ledger.CostRevision) error {
	return t.exec(ctx, "insert cost revision",
		`INSERT INTO cost_revisions (id, store_id, product_id, prev_avg_cost, prev_avg_cost_with_tax,
			new_avg_cost, new_avg_cost_with_tax, user_id, reason, revised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StoreID, r.ProductID, r.PrevAvgCost, r.PrevAvgCostWithTax,
		r.NewAvgCost, r.NewAvgCostWithTax, r.UserID, r.Reason, r.RevisedAt.UTC().Format(timeLayout))
}

func (t *txStore) UpdateExchangeQuantity(ctx context.Context, store ledger.StoreID, product ledger.ProductID, pool decimal.Decimal) error {
	return t.execOne(ctx, "update exchange quantity", "product", fmt.Sprintf("%d@%d", product, store),
		`UPDATE product_stock SET exchange_stock = ? WHERE store_id = ? AND product_id = ?`,
		pool, store, product)
}

func (t *txStore) InsertExchangeEntry(ctx context.Context, e ledger.ExchangeEntry) error {
	return t.exec(ctx, "insert exchange movement",
		`INSERT INTO exchange_movements (id, store_id, product_id, quantity, prior_pool, resulting_pool,
			reason_id, cost, cost_with_tax, avg_cost, avg_cost_with_tax, user_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StoreID, e.ProductID, e.Quantity, e.PriorPool, e.ResultingPool,
		e.ReasonID, e.Cost, e.CostWithTax, e.AvgCost, e.AvgCostWithTax, e.UserID,
		e.OccurredAt.UTC().Format(timeLayout))
}

func (t *txStore) InsertAuditEntry(ctx context.Context, a ledger.AuditEntry) error {
	return t.exec(ctx, "insert audit entry",
		`INSERT INTO audit_log (id, store_id, reference_id, form, kind, user_id, terminal,
			app_version, note, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StoreID, a.Reference, a.Form, a.Kind, a.UserID, a.Terminal,
		a.Version, a.Note, a.At.UTC().Format(timeLayout))
}

// =============================================================================
// BUSINESS EVENT RECORDS
// =============================================================================

func (t *txStore) FindConsumption(ctx context.Context, store ledger.StoreID, product ledger.ProductID, date string, typeID int64) (ledger.ConsumptionRecord, bool, error) {
	var row consumptionRow
	err := t.get(ctx, &row,
		`SELECT `+consumptionColumns+` FROM consumptions
		WHERE store_id = ? AND product_id = ? AND business_date = ? AND type_id = ?`,
		store, product, date, typeID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ConsumptionRecord{}, false, nil
	}
	if err != nil {
		return ledger.ConsumptionRecord{}, false, ledger.Persistence("read consumption", err)
	}
	return row.record(), true, nil
}

func (t *txStore) InsertConsumption(ctx context.Context, r ledger.ConsumptionRecord) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO consumptions (`+consumptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.StoreID, r.ProductID, r.Date, r.TypeID, r.Quantity,
		r.Cost, r.CostWithTax, r.AvgCost, r.AvgCostWithTax,
		r.CreditRateID, r.PisCofinsTypeID, r.PisCofins, r.BasePisCofins, r.Pis, r.Cofins,
		r.IPIValue, r.ICMSSubstValue, r.EmitsInvoice)
	if isUniqueViolation(err) {
		// A concurrent event created the accumulator first; the whole event
		// rolls back and the terminal retries.
		return ledger.Persistence("insert consumption", fmt.Errorf("concurrent first consumption of product %d: %w", r.ProductID, err))
	}
	return ledger.Persistence("insert consumption", err)
}

func (t *txStore) UpdateConsumption(ctx context.Context, r ledger.ConsumptionRecord) error {
	return t.execOne(ctx, "update consumption", "consumption",
		fmt.Sprintf("%d@%d/%s/%d", r.ProductID, r.StoreID, r.Date, r.TypeID),
		`UPDATE consumptions SET quantity = ?, cost = ?, cost_with_tax = ?, avg_cost = ?,
			avg_cost_with_tax = ?, credit_rate_id = ?, pis_cofins_type_id = ?, pis_cofins = ?,
			base_pis_cofins = ?, pis = ?, cofins = ?, ipi_value = ?, icms_subst_value = ?,
			emits_invoice = ?
		WHERE store_id = ? AND product_id = ? AND business_date = ? AND type_id = ?`,
		r.Quantity, r.Cost, r.CostWithTax, r.AvgCost,
		r.AvgCostWithTax, r.CreditRateID, r.PisCofinsTypeID, r.PisCofins,
		r.BasePisCofins, r.Pis, r.Cofins, r.IPIValue, r.ICMSSubstValue,
		r.EmitsInvoice,
		r.StoreID, r.ProductID, r.Date, r.TypeID)
}

func (t *txStore) InsertProduction(ctx context.Context, r ledger.ProductionRecord) error {
	return t.exec(ctx, "insert production",
		`INSERT INTO productions (id, store_id, product_id, business_date, quantity, cost_with_tax,
			avg_cost_with_tax, credit_rate_id, debit_rate_id, pis_cofins)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StoreID, r.ProductID, r.Date, r.Quantity, r.CostWithTax,
		r.AvgCostWithTax, r.CreditRateID, r.DebitRateID, r.PisCofins)
}

func (t *txStore) InsertExchange(ctx context.Context, r ledger.ExchangeRecord) error {
	return t.exec(ctx, "insert exchange",
		`INSERT INTO exchanges (id, store_id, product_id, business_date, quantity, reason_id,
			cost, cost_with_tax, avg_cost, avg_cost_with_tax, user_id, terminal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StoreID, r.ProductID, r.Date, r.Quantity, r.ReasonID,
		r.Cost, r.CostWithTax, r.AvgCost, r.AvgCostWithTax, r.UserID, r.Terminal)
}

func (t *txStore) FindCountItem(ctx context.Context, countID int64, product ledger.ProductID) (ledger.CountItem, bool, error) {
	var row countItemRow
	err := t.get(ctx, &row,
		`SELECT count_id, store_id, product_id, quantity, cost, cost_with_tax, avg_cost, avg_cost_with_tax
		FROM count_items WHERE count_id = ? AND product_id = ?`, countID, product)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CountItem{}, false, nil
	}
	if err != nil {
		return ledger.CountItem{}, false, ledger.Persistence("read count item", err)
	}
	return row.item(), true, nil
}

func (t *txStore) InsertCountItem(ctx context.Context, item ledger.CountItem) error {
	return t.exec(ctx, "insert count item",
		`INSERT INTO count_items (count_id, store_id, product_id, quantity, cost, cost_with_tax,
			avg_cost, avg_cost_with_tax)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.CountID, item.StoreID, item.ProductID, item.Quantity, item.Cost, item.CostWithTax,
		item.AvgCost, item.AvgCostWithTax)
}

func (t *txStore) UpdateCountItem(ctx context.Context, item ledger.CountItem) error {
	return t.execOne(ctx, "update count item", "count item", fmt.Sprintf("%d/%d", item.CountID, item.ProductID),
		`UPDATE count_items SET quantity = ?, cost = ?, cost_with_tax = ?, avg_cost = ?, avg_cost_with_tax = ?
		WHERE count_id = ? AND product_id = ?`,
		item.Quantity, item.Cost, item.CostWithTax, item.AvgCost, item.AvgCostWithTax,
		item.CountID, item.ProductID)
}

func (t *txStore) InsertShelfRupture(ctx context.Context, r ledger.ShelfRupture) error {
	return t.exec(ctx, "insert shelf rupture",
		`INSERT INTO shelf_ruptures (id, store_id, product_id, shelf, business_date)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.StoreID, r.ProductID, r.Shelf, r.Date)
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
