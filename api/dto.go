/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures terminals send and receive. These types
  decouple the events package from the wire contract: field names follow
  what the terminals already send, and validation lives in struct tags.

NAMING CONVENTION:
  - *Item: one element of a /transmit batch
  - *DTO:  sync list entries returned to terminals

VALIDATION:
  go-playground/validator tags. Decimal quantities are validated through a
  custom type func registered in newValidator (see handlers.go).

SEE ALSO:
  - handlers.go: Uses these types
  - events/events.go: the events each item becomes
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/events"
	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// TRANSMIT ITEMS
// =============================================================================

// OriginFields identify the clerk and terminal of an item.
type OriginFields struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	TerminalIP string `json:"terminal_ip" validate:"required"`
}

func (o OriginFields) origin() events.Origin {
	return events.Origin{User: ledger.UserID(o.UserID), Terminal: o.TerminalIP}
}

// ConsumptionItem is one element of POST /transmit/consumption.
type ConsumptionItem struct {
	StoreID   int64           `json:"store_id" validate:"required,gt=0"`
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	TypeID    int64           `json:"consumption_type_id" validate:"required,gt=0"`
	OriginFields
}

func (i ConsumptionItem) event() events.Consumption {
	return events.Consumption{
		Store:    ledger.StoreID(i.StoreID),
		Product:  ledger.ProductID(i.ProductID),
		Quantity: i.Quantity,
		TypeID:   i.TypeID,
		Origin:   i.origin(),
	}
}

// ProductionItem is one element of POST /transmit/production.
type ProductionItem struct {
	StoreID   int64           `json:"store_id" validate:"required,gt=0"`
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	OriginFields
}

func (i ProductionItem) event() events.Production {
	return events.Production{
		Store:    ledger.StoreID(i.StoreID),
		Product:  ledger.ProductID(i.ProductID),
		Quantity: i.Quantity,
		Origin:   i.origin(),
	}
}

// ExchangeItem is one element of POST /transmit/exchange.
type ExchangeItem struct {
	StoreID   int64           `json:"store_id" validate:"required,gt=0"`
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	ReasonID  int64           `json:"reason_id" validate:"required,gt=0"`
	OriginFields
}

func (i ExchangeItem) event() events.Exchange {
	return events.Exchange{
		Store:    ledger.StoreID(i.StoreID),
		Product:  ledger.ProductID(i.ProductID),
		Quantity: i.Quantity,
		ReasonID: i.ReasonID,
		Origin:   i.origin(),
	}
}

// CountItem is one element of POST /transmit/count. A zero quantity is a
// valid count.
type CountItem struct {
	CountID   int64           `json:"count_id" validate:"required,gt=0"`
	StoreID   int64           `json:"store_id" validate:"required,gt=0"`
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gte=0"`
	OriginFields
}

func (i CountItem) event() events.CountEntry {
	return events.CountEntry{
		CountID:  i.CountID,
		Store:    ledger.StoreID(i.StoreID),
		Product:  ledger.ProductID(i.ProductID),
		Quantity: i.Quantity,
		Origin:   i.origin(),
	}
}

// RuptureItem is one element of POST /transmit/rupture.
type RuptureItem struct {
	StoreID  int64   `json:"store_id" validate:"required,gt=0"`
	Shelf    string  `json:"shelf" validate:"required"`
	Products []int64 `json:"products" validate:"required,min=1,dive,gt=0"`
	OriginFields
}

func (i RuptureItem) event() events.Rupture {
	products := make([]ledger.ProductID, len(i.Products))
	for k, p := range i.Products {
		products[k] = ledger.ProductID(p)
	}
	return events.Rupture{
		Store:    ledger.StoreID(i.StoreID),
		Shelf:    i.Shelf,
		Products: products,
		Origin:   i.origin(),
	}
}

// =============================================================================
// SYNC LISTS
// =============================================================================

// RecipeItemDTO is one recipe component as listed to terminals.
type RecipeItemDTO struct {
	ProductID      int64           `json:"product_id"`
	ComponentID    int64           `json:"component_id"`
	RecipePackQty  decimal.Decimal `json:"recipe_pack_qty"`
	ProductPackQty decimal.Decimal `json:"product_pack_qty"`
	Yield          decimal.Decimal `json:"yield"`
	AvgCostWithTax decimal.Decimal `json:"avg_cost_with_tax"`
	DeductsStock   bool            `json:"deducts_stock"`
}

func toRecipeDTOs(items []ledger.RecipeItem) []RecipeItemDTO {
	out := make([]RecipeItemDTO, len(items))
	for i, it := range items {
		out[i] = RecipeItemDTO{
			ProductID:      int64(it.ProductID),
			ComponentID:    int64(it.ComponentID),
			RecipePackQty:  it.RecipePackQty,
			ProductPackQty: it.ProductPackQty,
			Yield:          it.Yield,
			AvgCostWithTax: it.AvgCostWithTax,
			DeductsStock:   it.DeductsStock,
		}
	}
	return out
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
