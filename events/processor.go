package events

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/ledger"
)

const businessDate = "2006-01-02"

// Processor applies business events. Store and Ledger are required.
type Processor struct {
	Store  ledger.TxStore
	Ledger *ledger.Ledger
	Logger logrus.FieldLogger

	// AppVersion is written on every audit entry.
	AppVersion string

	// ExchangeLiveDirection is the direction of the live-stock movement of
	// an exchange. In by default; Out for stores on the legacy behaviour.
	ExchangeLiveDirection ledger.Direction
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// Consume takes stock out for a consumption and accumulates the quantity
// on the consumption record of (store, product, day, type).
func (p *Processor) Consume(ctx context.Context, ev Consumption) error {
	ev.Quantity = ev.Quantity.Round(ledger.QuantityScale)
	err := p.run(ctx, ev.Quantity, func(tx ledger.Tx) error {
		ctype, err := tx.ConsumptionType(ctx, ev.TypeID)
		if err != nil {
			return err
		}
		if err := requireActive(ctx, tx, ev.Store, ev.Product); err != nil {
			return err
		}

		_, err = p.Ledger.Apply(ctx, tx, ledger.MovementRequest{
			Store:     ev.Store,
			Product:   ev.Product,
			Quantity:  ev.Quantity,
			Direction: ledger.Out,
			Type:      ledger.MovementConsumption,
			User:      ev.User,
		})
		if err != nil {
			return err
		}

		if err := p.audit(ctx, tx, ev.Store, ev.Product, ledger.FormConsumption, ledger.AuditChange, ev.Origin); err != nil {
			return err
		}

		params, err := tx.ProductParams(ctx, ev.Store, ev.Product)
		if err != nil {
			return err
		}
		date := p.Ledger.Time().Format(businessDate)
		rec, found, err := tx.FindConsumption(ctx, ev.Store, ev.Product, date, ev.TypeID)
		if err != nil {
			return err
		}

		qty := ev.Quantity
		if found {
			qty = rec.Quantity.Add(qty)
		}
		rec = ledger.ConsumptionRecord{
			StoreID:         ev.Store,
			ProductID:       ev.Product,
			Date:            date,
			TypeID:          ev.TypeID,
			Quantity:        qty,
			Costs:           params.Costs,
			CreditRateID:    params.Tax.CreditRateID,
			PisCofinsTypeID: params.Tax.PisCofinsTypeID,
			TaxValues:       params.Tax.Derive(params.AvgCostWithTax),
			IPIValue:        params.Tax.IPIValue,
			ICMSSubstValue:  params.Tax.ICMSSubstValue,
			EmitsInvoice:    ctype.EmitsInvoice,
		}
		if found {
			return tx.UpdateConsumption(ctx, rec)
		}
		return tx.InsertConsumption(ctx, rec)
	})
	if err != nil {
		config.LogError(p.logger(), "events", "Consume", "consumption not applied", ev, err)
	}
	return err
}

// =============================================================================
// PRODUCTION
// =============================================================================

// Produce consumes the recipe components of a SKU and credits the produced
// quantity at the components' cost, revising the SKU's average costs.
func (p *Processor) Produce(ctx context.Context, ev Production) error {
	ev.Quantity = ev.Quantity.Round(ledger.QuantityScale)
	err := p.run(ctx, ev.Quantity, func(tx ledger.Tx) error {
		if err := requireActive(ctx, tx, ev.Store, ev.Product); err != nil {
			return err
		}

		items, err := tx.RecipeItems(ctx, ev.Store, ev.Product)
		if err != nil {
			return err
		}

		cost, costWithTax := decimal.Zero, decimal.Zero
		components := 0
		for _, item := range items {
			if !item.DeductsStock {
				continue
			}
			components++
			usage := ledger.RecipeUsage(item, ev.Quantity)
			if !usage.Quantity.IsPositive() {
				return fmt.Errorf("component %d: %w", item.ComponentID, ledger.ErrInvalidQuantity)
			}
			_, err := p.Ledger.Apply(ctx, tx, ledger.MovementRequest{
				Store:     ev.Store,
				Product:   item.ComponentID,
				Quantity:  usage.Quantity,
				Direction: ledger.Out,
				Type:      ledger.MovementProduction,
				User:      ev.User,
			})
			if err != nil {
				return fmt.Errorf("component %d: %w", item.ComponentID, err)
			}
			cost = cost.Add(usage.Cost)
			costWithTax = costWithTax.Add(usage.CostWithTax)
		}
		if components == 0 {
			return fmt.Errorf("product %d: %w", ev.Product, ledger.ErrRecipeNotFound)
		}

		unitCost := ledger.UnitCost(cost, ev.Quantity)
		unitCostWithTax := ledger.UnitCost(costWithTax, ev.Quantity)
		res, err := p.Ledger.Apply(ctx, tx, ledger.MovementRequest{
			Store:               ev.Store,
			Product:             ev.Product,
			Quantity:            ev.Quantity,
			Direction:           ledger.In,
			Type:                ledger.MovementProduction,
			User:                ev.User,
			UpdateCost:          true,
			IncomingCost:        unitCost,
			IncomingCostWithTax: unitCostWithTax,
			Reason:              "production",
		})
		if err != nil {
			return err
		}

		if err := p.audit(ctx, tx, ev.Store, ev.Product, ledger.FormProduction, ledger.AuditInsert, ev.Origin); err != nil {
			return err
		}

		avgWithTax := res.Params.AvgCostWithTax
		if res.Revision != nil {
			avgWithTax = res.Revision.NewAvgCostWithTax
		}
		tax := res.Params.Tax
		return tx.InsertProduction(ctx, ledger.ProductionRecord{
			ID:             p.Ledger.ID(),
			StoreID:        ev.Store,
			ProductID:      ev.Product,
			Date:           p.Ledger.Time().Format(businessDate),
			Quantity:       ev.Quantity,
			CostWithTax:    unitCostWithTax,
			AvgCostWithTax: avgWithTax,
			CreditRateID:   tax.CreditRateID,
			DebitRateID:    tax.DebitRateID,
			PisCofins:      ledger.ProductionPisCofins(tax, ev.Quantity, unitCostWithTax),
		})
	})
	if err != nil {
		config.LogError(p.logger(), "events", "Produce", "production not applied", ev, err)
	}
	return err
}

// =============================================================================
// EXCHANGE
// =============================================================================

// Exchange records a returned product: a live-stock movement plus an
// increment of the requested product's exchange pool.
func (p *Processor) Exchange(ctx context.Context, ev Exchange) error {
	ev.Quantity = ev.Quantity.Round(ledger.QuantityScale)
	err := p.run(ctx, ev.Quantity, func(tx ledger.Tx) error {
		if _, err := tx.ExchangeReason(ctx, ev.ReasonID); err != nil {
			return err
		}
		if err := requireActive(ctx, tx, ev.Store, ev.Product); err != nil {
			return err
		}

		_, err := p.Ledger.Apply(ctx, tx, ledger.MovementRequest{
			Store:     ev.Store,
			Product:   ev.Product,
			Quantity:  ev.Quantity,
			Direction: p.ExchangeLiveDirection,
			Type:      ledger.MovementExchange,
			User:      ev.User,
		})
		if err != nil {
			return err
		}

		// The pool belongs to the requested product, never the stock-holding one.
		params, err := tx.ProductParams(ctx, ev.Store, ev.Product)
		if err != nil {
			return err
		}
		qty := ev.Quantity
		pool := params.ExchangeStock.Add(qty)
		if err := tx.UpdateExchangeQuantity(ctx, ev.Store, ev.Product, pool); err != nil {
			return err
		}
		now := p.Ledger.Time()
		err = tx.InsertExchangeEntry(ctx, ledger.ExchangeEntry{
			ID:            p.Ledger.ID(),
			StoreID:       ev.Store,
			ProductID:     ev.Product,
			Quantity:      qty,
			PriorPool:     params.ExchangeStock,
			ResultingPool: pool,
			ReasonID:      ev.ReasonID,
			Costs:         params.Costs,
			UserID:        ev.User,
			OccurredAt:    now,
		})
		if err != nil {
			return err
		}

		if err := p.audit(ctx, tx, ev.Store, ev.Product, ledger.FormExchange, ledger.AuditChange, ev.Origin); err != nil {
			return err
		}

		return tx.InsertExchange(ctx, ledger.ExchangeRecord{
			ID:        p.Ledger.ID(),
			StoreID:   ev.Store,
			ProductID: ev.Product,
			Date:      now.Format(businessDate),
			Quantity:  qty,
			ReasonID:  ev.ReasonID,
			Costs:     params.Costs,
			UserID:    ev.User,
			Terminal:  ev.Terminal,
		})
	})
	if err != nil {
		config.LogError(p.logger(), "events", "Exchange", "exchange not applied", ev, err)
	}
	return err
}

// =============================================================================
// COUNT
// =============================================================================

// Count adds a counted quantity to an open count session. Live stock is
// not moved; the session is settled elsewhere.
func (p *Processor) Count(ctx context.Context, ev CountEntry) error {
	ev.Quantity = ev.Quantity.Round(ledger.QuantityScale)
	if ev.Quantity.IsNegative() {
		err := fmt.Errorf("count %d: %w", ev.CountID, ledger.ErrInvalidQuantity)
		config.LogError(p.logger(), "events", "Count", "count item not applied", ev, err)
		return err
	}
	err := p.Store.WithTx(ctx, func(tx ledger.Tx) error {
		session, err := tx.CountSession(ctx, ev.CountID)
		if err != nil {
			return err
		}
		if session.StoreID != ev.Store {
			return ledger.NotFound("count session", fmt.Sprintf("%d@%d", ev.CountID, ev.Store))
		}
		switch session.Status {
		case ledger.CountOpen:
		case ledger.CountFinalized:
			return fmt.Errorf("count %d: %w", ev.CountID, ledger.ErrCountFinalized)
		default:
			return fmt.Errorf("count %d: %w", ev.CountID, ledger.ErrCountDeleted)
		}

		if err := requireActive(ctx, tx, ev.Store, ev.Product); err != nil {
			return err
		}
		params, err := tx.ProductParams(ctx, ev.Store, ev.Product)
		if err != nil {
			return err
		}

		if err := p.audit(ctx, tx, ev.Store, ev.Product, ledger.FormCount, ledger.AuditCount, ev.Origin); err != nil {
			return err
		}

		item, found, err := tx.FindCountItem(ctx, ev.CountID, ev.Product)
		if err != nil {
			return err
		}
		qty := ev.Quantity
		if found {
			item.Quantity = item.Quantity.Add(qty)
			item.Costs = params.Costs
			return tx.UpdateCountItem(ctx, item)
		}
		return tx.InsertCountItem(ctx, ledger.CountItem{
			CountID:   ev.CountID,
			StoreID:   ev.Store,
			ProductID: ev.Product,
			Quantity:  qty,
			Costs:     params.Costs,
		})
	})
	if err != nil {
		config.LogError(p.logger(), "events", "Count", "count item not applied", ev, err)
	}
	return err
}

// =============================================================================
// RUPTURE
// =============================================================================

// Rupture records the products reported missing from a shelf.
func (p *Processor) Rupture(ctx context.Context, ev Rupture) error {
	err := p.Store.WithTx(ctx, func(tx ledger.Tx) error {
		date := p.Ledger.Time().Format(businessDate)
		for _, product := range ev.Products {
			err := tx.InsertShelfRupture(ctx, ledger.ShelfRupture{
				ID:        p.Ledger.ID(),
				StoreID:   ev.Store,
				ProductID: product,
				Shelf:     ev.Shelf,
				Date:      date,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(p.logger(), "events", "Rupture", "rupture not recorded", ev, err)
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// run rejects a quantity that is not positive at QuantityScale and
// executes fn in one transaction. Callers round the event quantity first.
func (p *Processor) run(ctx context.Context, qty decimal.Decimal, fn func(tx ledger.Tx) error) error {
	if !qty.IsPositive() {
		return ledger.ErrInvalidQuantity
	}
	return p.Store.WithTx(ctx, fn)
}

func (p *Processor) audit(ctx context.Context, tx ledger.Tx, store ledger.StoreID, product ledger.ProductID, form ledger.AuditForm, kind ledger.AuditKind, origin Origin) error {
	return tx.InsertAuditEntry(ctx, ledger.AuditEntry{
		ID:        p.Ledger.ID(),
		StoreID:   store,
		Reference: product,
		Form:      form,
		Kind:      kind,
		UserID:    origin.User,
		Terminal:  "/" + origin.Terminal,
		Version:   p.AppVersion,
		At:        p.Ledger.Time(),
	})
}

func (p *Processor) logger() logrus.FieldLogger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}

func requireActive(ctx context.Context, cat ledger.Catalog, store ledger.StoreID, product ledger.ProductID) error {
	active, err := cat.IsProductActive(ctx, store, product)
	if err != nil {
		return err
	}
	if !active {
		return &ledger.ProductInactiveError{StoreID: store, ProductID: product}
	}
	return nil
}
