/*
Package events turns business events submitted by store terminals into
atomic ledger transactions.

PURPOSE:
  One Processor method per event kind. Each call opens exactly one
  TxStore.WithTx, applies its stock movements through the ledger, writes
  the audit entry and the event record, and commits. Any failure rolls the
  whole event back and is logged with its payload for manual replay.

EVENT KINDS:
  Consumption: out movement (type 11) + consumption accumulator
  Production:  out movement per recipe component + in movement with cost
               revision for the produced SKU (type 23) + production record
  Exchange:    live movement (type 18) + exchange pool increment + record
  Count:       count item upsert within an open count session, no movement
  Rupture:     shelf rupture report, no movement

SEE ALSO:
  - batch.go: RunBatch, one transaction per item
  - ledger/ledger.go: Apply
*/
package events

import (
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// Origin identifies who submitted an event and from which terminal.
type Origin struct {
	User     ledger.UserID `json:"user_id"`
	Terminal string        `json:"terminal_ip"`
}

// Consumption takes stock out for an internal consumption type.
type Consumption struct {
	Store    ledger.StoreID   `json:"store_id"`
	Product  ledger.ProductID `json:"product_id"`
	Quantity decimal.Decimal  `json:"quantity"`
	TypeID   int64            `json:"consumption_type_id"`
	Origin
}

// Production produces a SKU from its recipe components.
type Production struct {
	Store    ledger.StoreID   `json:"store_id"`
	Product  ledger.ProductID `json:"product_id"`
	Quantity decimal.Decimal  `json:"quantity"`
	Origin
}

// Exchange moves a returned product into the store's exchange pool.
type Exchange struct {
	Store    ledger.StoreID   `json:"store_id"`
	Product  ledger.ProductID `json:"product_id"`
	Quantity decimal.Decimal  `json:"quantity"`
	ReasonID int64            `json:"reason_id"`
	Origin
}

// CountEntry adds a counted quantity to a physical count session.
type CountEntry struct {
	CountID  int64            `json:"count_id"`
	Store    ledger.StoreID   `json:"store_id"`
	Product  ledger.ProductID `json:"product_id"`
	Quantity decimal.Decimal  `json:"quantity"`
	Origin
}

// Rupture reports products missing from a shelf.
type Rupture struct {
	Store    ledger.StoreID     `json:"store_id"`
	Shelf    string             `json:"shelf"`
	Products []ledger.ProductID `json:"products"`
	Origin
}
