/*
ledger.go - Applying stock movements

PURPOSE:
  Apply is the single entry point that changes a product's stock. The
  orchestrator calls it once per movement, always inside the transaction
  of the business event, so that everything it writes commits or rolls
  back together with the audit and event records.

STEPS:
  1. Resolve the effective product through an associated-product link
     ("applies to stock") and rescale the quantity.
  2. Read the effective product's stock record.
  3. Inactive product → ProductInactiveError, nothing written.
  4. Frozen store → FrozenMovementEntry with zero costs, balance untouched.
  5. Otherwise, optional cost revision (production in-movements) computed
     from the pre-movement state, then a MovementEntry and the new balance.

INVARIANTS:
  - The dependent product's own stock is never touched by a redirected
    movement.
  - An out movement never leaves a negative balance unless
    AllowNegativeStock is set.
  - A zero incoming quantity leaves averages unchanged.

EXAMPLE:
  res, err := l.Apply(ctx, tx, ledger.MovementRequest{
      Store: 1, Product: 42, Quantity: decimal.NewFromInt(3),
      Direction: ledger.Out, Type: ledger.MovementConsumption, User: 7,
  })
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger applies movements through a Tx. The zero value is usable.
type Ledger struct {
	// AllowNegativeStock lets out movements drive the balance below zero.
	AllowNegativeStock bool

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// MovementRequest describes one stock change as requested by an event.
type MovementRequest struct {
	Store     StoreID
	Product   ProductID
	Quantity  decimal.Decimal
	Direction Direction
	Type      MovementType
	User      UserID

	// UpdateCost requests a weighted-average revision with the incoming
	// unit costs below. Only honoured for In movements.
	UpdateCost          bool
	IncomingCost        decimal.Decimal
	IncomingCostWithTax decimal.Decimal
	Reason              string
}

// Result reports what Apply did.
type Result struct {
	Product        ProductID // effective product
	Quantity       decimal.Decimal
	Redirected     bool
	Frozen         bool
	PriorStock     decimal.Decimal
	ResultingStock decimal.Decimal

	// Params is the stock record of the effective product before the movement.
	Params   ProductParams
	Revision *CostRevision
}

// Apply applies one movement. See the file comment for the steps.
func (l *Ledger) Apply(ctx context.Context, tx Tx, req MovementRequest) (Result, error) {
	product, qty, redirected, err := l.resolve(ctx, tx, req.Product, req.Quantity)
	if err != nil {
		return Result{}, err
	}

	params, err := tx.ProductParams(ctx, req.Store, product)
	if err != nil {
		return Result{}, err
	}
	if !params.Active {
		return Result{}, &ProductInactiveError{StoreID: req.Store, ProductID: product}
	}

	res := Result{
		Product:        product,
		Quantity:       qty,
		Redirected:     redirected,
		PriorStock:     params.Stock,
		ResultingStock: params.Stock,
		Params:         params,
	}

	frozen, err := tx.IsStockFrozen(ctx, req.Store)
	if err != nil {
		return Result{}, err
	}
	if frozen {
		res.Frozen = true
		err := tx.InsertFrozenMovement(ctx, FrozenMovementEntry{
			ID:         l.newID(),
			StoreID:    req.Store,
			ProductID:  product,
			Quantity:   qty,
			Direction:  req.Direction,
			Type:       req.Type,
			Associated: redirected,
			Date:       l.now(),
		})
		return res, err
	}

	resulting := params.Stock.Add(qty)
	if req.Direction == Out {
		resulting = params.Stock.Sub(qty)
		if resulting.IsNegative() && !l.AllowNegativeStock {
			return Result{}, &InsufficientStockError{
				StoreID:   req.Store,
				ProductID: product,
				Available: params.Stock,
				Requested: qty,
			}
		}
	}
	res.ResultingStock = resulting

	// Averages are revised from the pre-movement balance.
	if req.UpdateCost && req.Direction == In && !qty.IsZero() {
		rev, err := l.revise(ctx, tx, req, product, params, qty)
		if err != nil {
			return Result{}, err
		}
		res.Revision = rev
	}

	err = tx.InsertMovement(ctx, MovementEntry{
		ID:             l.newID(),
		StoreID:        req.Store,
		ProductID:      product,
		Quantity:       qty,
		Direction:      req.Direction,
		Type:           req.Type,
		PriorStock:     params.Stock,
		ResultingStock: resulting,
		Costs:          params.Costs,
		UserID:         req.User,
		OccurredAt:     l.now(),
	})
	if err != nil {
		return Result{}, err
	}
	if err := tx.UpdateStockQuantity(ctx, req.Store, product, resulting); err != nil {
		return Result{}, err
	}
	return res, nil
}

// resolve returns the product that holds the stock of product and the
// quantity to move on it.
func (l *Ledger) resolve(ctx context.Context, cat Catalog, product ProductID, qty decimal.Decimal) (ProductID, decimal.Decimal, bool, error) {
	link, ok, err := cat.AssociatedLink(ctx, product)
	if err != nil {
		return 0, decimal.Zero, false, err
	}
	if !ok || !link.AppliesToStock || link.StockProductID == product {
		return product, qty.Round(QuantityScale), false, nil
	}
	return link.StockProductID, EffectiveQuantity(link, qty), true, nil
}

func (l *Ledger) revise(ctx context.Context, tx Tx, req MovementRequest, product ProductID, params ProductParams, qty decimal.Decimal) (*CostRevision, error) {
	rev := CostRevision{
		ID:                 l.newID(),
		StoreID:            req.Store,
		ProductID:          product,
		PrevAvgCost:        params.AvgCost,
		PrevAvgCostWithTax: params.AvgCostWithTax,
		NewAvgCost:         NewAverage(params.Stock, params.AvgCost, qty, req.IncomingCost),
		NewAvgCostWithTax:  NewAverage(params.Stock, params.AvgCostWithTax, qty, req.IncomingCostWithTax),
		UserID:             req.User,
		Reason:             req.Reason,
		RevisedAt:          l.now(),
	}
	if err := tx.InsertCostRevision(ctx, rev); err != nil {
		return nil, err
	}
	if err := tx.UpdateAverageCosts(ctx, req.Store, product, rev.NewAvgCost, rev.NewAvgCostWithTax); err != nil {
		return nil, err
	}
	return &rev, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func (l *Ledger) newID() string {
	if l.NewID != nil {
		return l.NewID()
	}
	return uuid.NewString()
}

// ID returns a fresh row id.
func (l *Ledger) ID() string { return l.newID() }

// Time returns the ledger's current time.
func (l *Ledger) Time() time.Time { return l.now() }
