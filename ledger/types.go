/*
Package ledger provides the stock movement and costing engine.

PURPOSE:
  Keeps each product's on-hand quantity and weighted-average cost consistent
  while business events (consumption, production, exchange) move stock at a
  store. The engine is storage-agnostic: it reads catalog parameters and
  writes ledger rows through the Tx interface handed to it by a TxStore.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantities and costs: decimal.Decimal, never float64
  - Direction: In adds to stock, Out subtracts
  - ProductParams: the stock record of one product at one store
  - MovementEntry / FrozenMovementEntry / CostRevision: append-only rows

DESIGN PRINCIPLES:
  1. Append-only logs: movement, frozen movement, cost revision and audit rows
     are never updated or deleted
  2. Precision: quantities persist at scale 3, costs at scale 4
  3. Type Safety: distinct ID types for stores, products and users

SEE ALSO:
  - ledger.go: Apply, the single entry point for stock movements
  - costing.go: weighted-average and derived cost computations
  - store.go: Catalog, Writer and TxStore interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	StoreID   int64
	ProductID int64
	UserID    int64
)

// =============================================================================
// DIRECTION AND MOVEMENT TYPES
// =============================================================================

// Direction is the in/out code persisted with every movement.
type Direction int

const (
	In  Direction = 0
	Out Direction = 1
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// ParseDirection accepts "in" or "out".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "in":
		return In, true
	case "out":
		return Out, true
	}
	return In, false
}

// MovementType identifies the business reason of a movement.
type MovementType int

const (
	MovementConsumption MovementType = 11
	MovementExchange    MovementType = 18
	MovementProduction  MovementType = 23
)

// =============================================================================
// PRECISION
// =============================================================================

const (
	QuantityScale = 3
	CostScale     = 4
	AverageScale  = 3
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// CATALOG VIEWS
// =============================================================================

// Costs is the cost snapshot of a product at a store.
type Costs struct {
	Cost           decimal.Decimal `json:"cost"`
	CostWithTax    decimal.Decimal `json:"cost_with_tax"`
	AvgCost        decimal.Decimal `json:"avg_cost"`
	AvgCostWithTax decimal.Decimal `json:"avg_cost_with_tax"`
}

// TaxParams are the fiscal parameters used to derive tax values from costs.
type TaxParams struct {
	CreditRateID    int64
	DebitRateID     int64
	PisCofinsTypeID int64
	PisPercent      decimal.Decimal
	CofinsPercent   decimal.Decimal
	// FinalRatePercent is the effective credit rate applied to the average cost.
	FinalRatePercent decimal.Decimal
	IPIValue         decimal.Decimal
	ICMSSubstValue   decimal.Decimal
}

// TaxValues are the values derived from TaxParams and an average cost.
type TaxValues struct {
	PisCofins     decimal.Decimal
	BasePisCofins decimal.Decimal
	Pis           decimal.Decimal
	Cofins        decimal.Decimal
}

// ProductParams is the Product Stock Record of one product at one store.
type ProductParams struct {
	StoreID       StoreID
	ProductID     ProductID
	Active        bool
	Stock         decimal.Decimal
	ExchangeStock decimal.Decimal
	Costs
	Tax TaxParams
}

// AssociatedLink maps a dependent SKU onto the SKU that holds its stock.
type AssociatedLink struct {
	ProductID        ProductID // dependent SKU
	StockProductID   ProductID // primary, stock-holding SKU
	PrimaryPackQty   decimal.Decimal
	DependentPackQty decimal.Decimal
	CostSharePercent decimal.Decimal
	AppliesToStock   bool
}

// RecipeItem is one component of a produced SKU's recipe, joined with the
// component's current averages at the producing store.
type RecipeItem struct {
	ProductID      ProductID
	ComponentID    ProductID
	RecipePackQty  decimal.Decimal
	ProductPackQty decimal.Decimal
	Yield          decimal.Decimal
	AvgCost        decimal.Decimal
	AvgCostWithTax decimal.Decimal
	DeductsStock   bool
}

// StoreInfo is a store as listed to terminals.
type StoreInfo struct {
	ID     StoreID `json:"id" db:"id"`
	Name   string  `json:"name" db:"name"`
	Active bool    `json:"active" db:"active"`
}

// ConsumptionType is a configured reason for consuming stock.
type ConsumptionType struct {
	ID           int64  `json:"id" db:"id"`
	Description  string `json:"description" db:"description"`
	EmitsInvoice bool   `json:"emits_invoice" db:"emits_invoice"`
}

// ExchangeReason is a configured reason for moving stock into the exchange pool.
type ExchangeReason struct {
	ID          int64  `json:"id" db:"id"`
	Description string `json:"description" db:"description"`
}

// CountStatus is the lifecycle state of a physical count session.
type CountStatus int

const (
	CountOpen      CountStatus = 0
	CountFinalized CountStatus = 1
	CountDeleted   CountStatus = 2
)

// CountSession is a physical stock count opened for a store.
type CountSession struct {
	ID          int64       `json:"id" db:"id"`
	StoreID     StoreID     `json:"store_id" db:"store_id"`
	Description string      `json:"description" db:"description"`
	Status      CountStatus `json:"status" db:"status"`
}

// =============================================================================
// LEDGER ROWS (append-only)
// =============================================================================

// MovementEntry is one applied stock change. Immutable once written.
type MovementEntry struct {
	ID             string
	StoreID        StoreID
	ProductID      ProductID
	Quantity       decimal.Decimal
	Direction      Direction
	Type           MovementType
	PriorStock     decimal.Decimal
	ResultingStock decimal.Decimal
	Costs
	UserID     UserID
	OccurredAt time.Time
}

// FrozenMovementEntry is written instead of a MovementEntry while the store's
// stock is frozen. Its costs are always zero.
type FrozenMovementEntry struct {
	ID        string
	StoreID   StoreID
	ProductID ProductID
	Quantity  decimal.Decimal
	Direction Direction
	Type      MovementType
	Costs
	// Associated is set when the movement was redirected from a dependent SKU.
	Associated bool
	Date       time.Time
}

// CostRevision records one weighted-average recomputation.
type CostRevision struct {
	ID                 string
	StoreID            StoreID
	ProductID          ProductID
	PrevAvgCost        decimal.Decimal
	PrevAvgCostWithTax decimal.Decimal
	NewAvgCost         decimal.Decimal
	NewAvgCostWithTax  decimal.Decimal
	UserID             UserID
	Reason             string
	RevisedAt          time.Time
}

// ExchangeEntry is the audit trail of the exchange pool of a product.
type ExchangeEntry struct {
	ID            string
	StoreID       StoreID
	ProductID     ProductID
	Quantity      decimal.Decimal
	PriorPool     decimal.Decimal
	ResultingPool decimal.Decimal
	ReasonID      int64
	Costs
	UserID     UserID
	OccurredAt time.Time
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditForm identifies the screen/process that produced an audit entry.
type AuditForm int

const (
	FormConsumption AuditForm = 9
	FormCount       AuditForm = 61
	FormProduction  AuditForm = 85
	FormExchange    AuditForm = 196
)

// AuditKind is the kind of change recorded by an audit entry.
type AuditKind int

const (
	AuditInsert AuditKind = 0
	AuditChange AuditKind = 1
	AuditCount  AuditKind = 2
)

// AuditEntry records who did what, from which terminal.
type AuditEntry struct {
	ID        string
	StoreID   StoreID
	Reference ProductID
	Form      AuditForm
	Kind      AuditKind
	UserID    UserID
	Terminal  string
	Version   string
	Note      string
	At        time.Time
}

// =============================================================================
// BUSINESS EVENT RECORDS
// =============================================================================

// ConsumptionRecord accumulates the consumed quantity of a product per
// store, business date and consumption type.
type ConsumptionRecord struct {
	StoreID   StoreID
	ProductID ProductID
	Date      string // YYYY-MM-DD
	TypeID    int64
	Quantity  decimal.Decimal
	Costs
	CreditRateID    int64
	PisCofinsTypeID int64
	TaxValues
	IPIValue       decimal.Decimal
	ICMSSubstValue decimal.Decimal
	EmitsInvoice   bool
}

// ProductionRecord is one confirmed production of a SKU.
type ProductionRecord struct {
	ID             string
	StoreID        StoreID
	ProductID      ProductID
	Date           string
	Quantity       decimal.Decimal
	CostWithTax    decimal.Decimal
	AvgCostWithTax decimal.Decimal
	CreditRateID   int64
	DebitRateID    int64
	PisCofins      decimal.Decimal
}

// ExchangeRecord is one confirmed exchange event.
type ExchangeRecord struct {
	ID        string
	StoreID   StoreID
	ProductID ProductID
	Date      string
	Quantity  decimal.Decimal
	ReasonID  int64
	Costs
	UserID   UserID
	Terminal string
}

// CountItem is the counted quantity of a product within a count session.
type CountItem struct {
	CountID   int64
	StoreID   StoreID
	ProductID ProductID
	Quantity  decimal.Decimal
	Costs
}

// ShelfRupture records a product reported missing from a shelf.
type ShelfRupture struct {
	ID        string
	StoreID   StoreID
	ProductID ProductID
	Shelf     string
	Date      string
}
