/*
costing.go - Weighted-average and derived cost computations

PURPOSE:
  Pure functions over decimal values. Nothing here touches storage, so
  every formula is unit-tested in isolation (costing_test.go).

WEIGHTED AVERAGE:
  new = (priorStock × priorAvg + incomingQty × incomingCost)
        / (priorStock + incomingQty)

  Rounded to 3 fractional digits. When there was no positive prior stock
  the incoming cost becomes the average. A zero incoming quantity leaves
  the prior average unchanged.

EXAMPLE:
  prior: 10 units @ 10.00, incoming: 5 units @ 12.00
  new = (100 + 60) / 15 = 10.667
*/
package ledger

import "github.com/shopspring/decimal"

// NewAverage computes the weighted-average cost after an incoming movement.
func NewAverage(priorStock, priorAverage, incomingQty, incomingCost decimal.Decimal) decimal.Decimal {
	if incomingQty.IsZero() {
		return priorAverage
	}
	if priorStock.LessThanOrEqual(decimal.Zero) {
		return incomingCost
	}
	total := priorStock.Add(incomingQty)
	if total.IsZero() {
		return incomingCost
	}
	value := priorStock.Mul(priorAverage).Add(incomingQty.Mul(incomingCost))
	return value.Div(total).Round(AverageScale)
}

// EffectiveQuantity converts a quantity of a dependent product into the
// quantity moved on its stock-holding product.
//
//	qty × (primaryPack / dependentPack) × (1 + costShare / 100)
func EffectiveQuantity(link AssociatedLink, qty decimal.Decimal) decimal.Decimal {
	ratio := decimal.NewFromInt(1)
	if !link.DependentPackQty.IsZero() && !link.PrimaryPackQty.IsZero() {
		ratio = link.PrimaryPackQty.Div(link.DependentPackQty)
	}
	share := decimal.NewFromInt(1).Add(link.CostSharePercent.Div(hundred))
	return qty.Mul(ratio).Mul(share).Round(QuantityScale)
}

// Derive computes the PIS/COFINS values of a product from its average cost
// with tax.
func (p TaxParams) Derive(avgCostWithTax decimal.Decimal) TaxValues {
	base := avgCostWithTax.
		Sub(avgCostWithTax.Mul(p.FinalRatePercent).Div(hundred)).
		Add(p.IPIValue).
		Round(CostScale)
	return TaxValues{
		PisCofins:     p.PisPercent.Add(p.CofinsPercent).Round(2),
		BasePisCofins: base,
		Pis:           p.PisPercent.Mul(base).Div(hundred).Round(CostScale),
		Cofins:        p.CofinsPercent.Mul(base).Div(hundred).Round(CostScale),
	}
}

// Usage is the consumption of one recipe component for a production.
type Usage struct {
	Component   ProductID
	Quantity    decimal.Decimal
	Cost        decimal.Decimal
	CostWithTax decimal.Decimal
}

// RecipeUsage computes how much of a component a production consumes and
// what it costs at the component's current averages.
//
//	used = (recipePack / productPack) × produced / yield
func RecipeUsage(item RecipeItem, produced decimal.Decimal) Usage {
	used := produced
	if !item.ProductPackQty.IsZero() {
		used = item.RecipePackQty.Div(item.ProductPackQty).Mul(produced)
	}
	if !item.Yield.IsZero() {
		used = used.Div(item.Yield)
	}
	used = used.Round(QuantityScale)
	return Usage{
		Component:   item.ComponentID,
		Quantity:    used,
		Cost:        item.AvgCost.Mul(used).Round(CostScale),
		CostWithTax: item.AvgCostWithTax.Mul(used).Round(CostScale),
	}
}

// ProductionPisCofins is the PIS/COFINS value recorded with a production.
//
//	(pis% + cofins%) × qty × cost / 100
func ProductionPisCofins(tax TaxParams, qty, cost decimal.Decimal) decimal.Decimal {
	return tax.PisPercent.Add(tax.CofinsPercent).Mul(qty).Mul(cost).Div(hundred).Round(2)
}

// UnitCost divides a total cost over a quantity at cost precision.
func UnitCost(total, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return total.Div(qty).Round(CostScale)
}
