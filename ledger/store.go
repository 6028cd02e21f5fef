/*
store.go - Persistence interfaces for the stock ledger

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never holds a database client of its own: every read and write of one
  business event goes through the Tx handed to the WithTx callback, so the
  whole event commits or rolls back together.

KEY INTERFACES:
  Catalog: Read-only lookups of product parameters, links and reference data
  Writer:  Ledger and business-event row writes
  Tx:      Catalog + Writer bound to one database transaction
  TxStore: Opens transactions

APPEND-ONLY CONTRACT:
  Movement, frozen movement, cost revision, exchange movement and audit
  rows only have Insert methods. The product stock record and the
  consumption/count accumulators are the only rows updated in place.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Apply, the consumer of Tx
  - events/processor.go: opens one WithTx per business event
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATALOG - Read-only lookups
// =============================================================================

// Catalog answers the parameter lookups needed while applying an event.
// Lookups return an error wrapping ErrLookupFailure when the row is missing.
type Catalog interface {
	// ProductParams returns the stock record of a product at a store.
	ProductParams(ctx context.Context, store StoreID, product ProductID) (ProductParams, error)

	// AssociatedLink returns the link of a dependent product, or ok=false.
	AssociatedLink(ctx context.Context, product ProductID) (link AssociatedLink, ok bool, err error)

	// IsProductActive reports whether the product exists, is not deleted
	// and is active at the store.
	IsProductActive(ctx context.Context, store StoreID, product ProductID) (bool, error)

	// IsStockFrozen reads the store's stock-frozen flag.
	IsStockFrozen(ctx context.Context, store StoreID) (bool, error)

	// RecipeItems returns the recipe of a produced product, joined with the
	// components' averages at the store.
	RecipeItems(ctx context.Context, store StoreID, product ProductID) ([]RecipeItem, error)

	ConsumptionType(ctx context.Context, id int64) (ConsumptionType, error)
	ExchangeReason(ctx context.Context, id int64) (ExchangeReason, error)
	CountSession(ctx context.Context, id int64) (CountSession, error)
}

// =============================================================================
// WRITER - Row writes inside a transaction
// =============================================================================

// Writer persists ledger rows and business-event records.
type Writer interface {
	InsertMovement(ctx context.Context, m MovementEntry) error
	InsertFrozenMovement(ctx context.Context, m FrozenMovementEntry) error
	UpdateStockQuantity(ctx context.Context, store StoreID, product ProductID, stock decimal.Decimal) error
	UpdateAverageCosts(ctx context.Context, store StoreID, product ProductID, avgCost, avgCostWithTax decimal.Decimal) error
	InsertCostRevision(ctx context.Context, r CostRevision) error

	UpdateExchangeQuantity(ctx context.Context, store StoreID, product ProductID, pool decimal.Decimal) error
	InsertExchangeEntry(ctx context.Context, e ExchangeEntry) error

	InsertAuditEntry(ctx context.Context, a AuditEntry) error

	// FindConsumption returns the accumulator row for (store, product, date, type).
	FindConsumption(ctx context.Context, store StoreID, product ProductID, date string, typeID int64) (rec ConsumptionRecord, ok bool, err error)
	InsertConsumption(ctx context.Context, rec ConsumptionRecord) error
	UpdateConsumption(ctx context.Context, rec ConsumptionRecord) error

	InsertProduction(ctx context.Context, rec ProductionRecord) error
	InsertExchange(ctx context.Context, rec ExchangeRecord) error

	// FindCountItem returns the item of a product within a count session.
	FindCountItem(ctx context.Context, countID int64, product ProductID) (item CountItem, ok bool, err error)
	InsertCountItem(ctx context.Context, item CountItem) error
	UpdateCountItem(ctx context.Context, item CountItem) error

	InsertShelfRupture(ctx context.Context, r ShelfRupture) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the view of the database inside one transaction.
type Tx interface {
	Catalog
	Writer
}

// TxStore opens transactions.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
