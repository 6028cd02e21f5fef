package events_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/events"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	shop   ledger.StoreID   = 1
	flour  ledger.ProductID = 100
	sugar  ledger.ProductID = 101
	cake   ledger.ProductID = 200
	soda   ledger.ProductID = 300
	sodaX6 ledger.ProductID = 301
	clerk  ledger.UserID    = 9
)

var today = time.Date(2026, time.March, 10, 14, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msg ...string) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got, msg)
}

type fixture struct {
	mem  *store.Memory
	proc *events.Processor
	hook *logtest.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()

	product := func(id ledger.ProductID, stock, avg string) ledger.ProductParams {
		return ledger.ProductParams{
			StoreID:   shop,
			ProductID: id,
			Active:    true,
			Stock:     d(stock),
			Costs: ledger.Costs{
				Cost:           d(avg),
				CostWithTax:    d(avg),
				AvgCost:        d(avg),
				AvgCostWithTax: d(avg),
			},
		}
	}
	mem.PutProduct(product(flour, "50", "5"))
	mem.PutProduct(product(sugar, "30", "4"))
	mem.PutProduct(product(cake, "0", "0"))

	sodaParams := product(soda, "20", "2")
	sodaParams.Tax = ledger.TaxParams{
		CreditRateID:     3,
		PisCofinsTypeID:  1,
		PisPercent:       d("1.65"),
		CofinsPercent:    d("7.6"),
		FinalRatePercent: d("18"),
		IPIValue:         d("0"),
	}
	mem.PutProduct(sodaParams)
	mem.PutProduct(product(sodaX6, "0", "12"))
	mem.PutLink(ledger.AssociatedLink{
		ProductID:        sodaX6,
		StockProductID:   soda,
		PrimaryPackQty:   d("6"),
		DependentPackQty: d("1"),
		CostSharePercent: d("0"),
		AppliesToStock:   true,
	})

	mem.PutRecipe(cake,
		ledger.RecipeItem{ProductID: cake, ComponentID: flour, RecipePackQty: d("2"), ProductPackQty: d("1"), Yield: d("1"), DeductsStock: true},
		ledger.RecipeItem{ProductID: cake, ComponentID: sugar, RecipePackQty: d("3"), ProductPackQty: d("1"), Yield: d("1"), DeductsStock: true},
	)

	mem.PutConsumptionType(ledger.ConsumptionType{ID: 1, Description: "Internal use", EmitsInvoice: true})
	mem.PutConsumptionType(ledger.ConsumptionType{ID: 2, Description: "Breakage"})
	mem.PutExchangeReason(ledger.ExchangeReason{ID: 5, Description: "Damaged"})
	mem.PutCountSession(ledger.CountSession{ID: 40, StoreID: shop, Description: "March", Status: ledger.CountOpen})
	mem.PutCountSession(ledger.CountSession{ID: 41, StoreID: shop, Status: ledger.CountFinalized})
	mem.PutCountSession(ledger.CountSession{ID: 42, StoreID: shop, Status: ledger.CountDeleted})

	logger, hook := logtest.NewNullLogger()
	seq := 0
	proc := &events.Processor{
		Store: mem,
		Ledger: &ledger.Ledger{
			Now: func() time.Time { return today },
			NewID: func() string {
				seq++
				return "id-" + strconv.Itoa(seq)
			},
		},
		Logger:     logger,
		AppVersion: "1.4.2",
	}
	return &fixture{mem: mem, proc: proc, hook: hook}
}

func origin() events.Origin {
	return events.Origin{User: clerk, Terminal: "10.0.0.5"}
}

func (f *fixture) stock(t *testing.T, product ledger.ProductID) ledger.ProductParams {
	t.Helper()
	p, ok := f.mem.Product(shop, product)
	require.True(t, ok)
	return p
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestConsume_MovesStockAuditsAndRecords(t *testing.T) {
	// GIVEN: 20 sodas in stock
	// WHEN: 3 are consumed for internal use
	// THEN: Stock 17, one out movement (type 11), audit form 9, consumption record

	f := newFixture(t)
	ctx := context.Background()

	err := f.proc.Consume(ctx, events.Consumption{Store: shop, Product: soda, Quantity: d("3"), TypeID: 1, Origin: origin()})
	require.NoError(t, err)

	assertDecimal(t, "17", f.stock(t, soda).Stock)

	mv := f.mem.Movements()
	require.Len(t, mv, 1)
	assert.Equal(t, ledger.Out, mv[0].Direction)
	assert.Equal(t, ledger.MovementConsumption, mv[0].Type)

	audit := f.mem.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.FormConsumption, audit[0].Form)
	assert.Equal(t, ledger.AuditChange, audit[0].Kind)
	assert.Equal(t, "/10.0.0.5", audit[0].Terminal)
	assert.Equal(t, "1.4.2", audit[0].Version)
	assert.Equal(t, clerk, audit[0].UserID)

	recs := f.mem.Consumptions()
	require.Len(t, recs, 1)
	assert.Equal(t, "2026-03-10", recs[0].Date)
	assertDecimal(t, "3", recs[0].Quantity)
	assert.True(t, recs[0].EmitsInvoice)
	assert.Equal(t, int64(3), recs[0].CreditRateID)
	assertDecimal(t, "9.25", recs[0].PisCofins)
	// 2 - 2×18/100 = 1.64
	assertDecimal(t, "1.64", recs[0].BasePisCofins)
}

func TestConsume_SameDayAndType_Accumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Consume(ctx, events.Consumption{Store: shop, Product: soda, Quantity: d("3"), TypeID: 2, Origin: origin()}))
	require.NoError(t, f.proc.Consume(ctx, events.Consumption{Store: shop, Product: soda, Quantity: d("1.5"), TypeID: 2, Origin: origin()}))
	require.NoError(t, f.proc.Consume(ctx, events.Consumption{Store: shop, Product: soda, Quantity: d("1"), TypeID: 1, Origin: origin()}))

	recs := f.mem.Consumptions()
	require.Len(t, recs, 2, "one accumulator per consumption type")

	byType := map[int64]ledger.ConsumptionRecord{}
	for _, r := range recs {
		byType[r.TypeID] = r
	}
	assertDecimal(t, "4.5", byType[2].Quantity)
	assert.False(t, byType[2].EmitsInvoice)
	assertDecimal(t, "1", byType[1].Quantity)

	assert.Len(t, f.mem.Movements(), 3)
	assertDecimal(t, "14.5", f.stock(t, soda).Stock)
}

func TestConsume_InactiveProduct_RolledBackAndLogged(t *testing.T) {
	f := newFixture(t)
	p := f.stock(t, soda)
	p.Active = false
	f.mem.PutProduct(p)

	ev := events.Consumption{Store: shop, Product: soda, Quantity: d("3"), TypeID: 1, Origin: origin()}
	err := f.proc.Consume(context.Background(), ev)

	assert.ErrorIs(t, err, ledger.ErrProductInactive)
	assert.Empty(t, f.mem.Movements())
	assert.Empty(t, f.mem.AuditEntries())
	assert.Empty(t, f.mem.Consumptions())

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "events", entry.Data["module"])
	assert.Equal(t, "Consume", entry.Data["funcName"])
	assert.Equal(t, ev, entry.Data["data"])
}

func TestConsume_UnknownType_LookupFailure(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Consume(context.Background(), events.Consumption{Store: shop, Product: soda, Quantity: d("1"), TypeID: 99, Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrLookupFailure)
	assert.Empty(t, f.mem.Movements())
}

func TestConsume_NonPositiveQuantity_Rejected(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Consume(context.Background(), events.Consumption{Store: shop, Product: soda, Quantity: decimal.Zero, TypeID: 1, Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	assert.True(t, ledger.IsClientError(err))
}

func TestConsume_QuantityBelowScale_Rejected(t *testing.T) {
	// GIVEN: A quantity that rounds to zero at three decimals
	// WHEN: It is consumed
	// THEN: Rejected before anything is written

	f := newFixture(t)

	err := f.proc.Consume(context.Background(), events.Consumption{Store: shop, Product: flour, Quantity: d("0.0004"), TypeID: 1, Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	assert.Empty(t, f.mem.Movements())
	assert.Empty(t, f.mem.Consumptions())
	assertDecimal(t, "50", f.stock(t, flour).Stock)
}

func TestConsume_QuantityRoundedToScale(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.proc.Consume(context.Background(), events.Consumption{Store: shop, Product: flour, Quantity: d("1.0004"), TypeID: 1, Origin: origin()}))

	assertDecimal(t, "49", f.stock(t, flour).Stock)
	recs := f.mem.Consumptions()
	require.Len(t, recs, 1)
	assertDecimal(t, "1", recs[0].Quantity)
}

func TestConsume_AssociatedProduct_MovesPrimaryStock(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Consume(context.Background(), events.Consumption{Store: shop, Product: sodaX6, Quantity: d("2"), TypeID: 1, Origin: origin()})
	require.NoError(t, err)

	assertDecimal(t, "8", f.stock(t, soda).Stock)
	assertDecimal(t, "0", f.stock(t, sodaX6).Stock)
	recs := f.mem.Consumptions()
	require.Len(t, recs, 1)
	assert.Equal(t, sodaX6, recs[0].ProductID, "the record keeps the requested product")
}

func TestConsume_FrozenStore_NoLiveChange(t *testing.T) {
	f := newFixture(t)
	f.mem.SetFrozen(shop, true)

	err := f.proc.Consume(context.Background(), events.Consumption{Store: shop, Product: soda, Quantity: d("3"), TypeID: 1, Origin: origin()})
	require.NoError(t, err)

	assertDecimal(t, "20", f.stock(t, soda).Stock)
	assert.Empty(t, f.mem.Movements())
	assert.Len(t, f.mem.FrozenMovements(), 1)
	assert.Len(t, f.mem.Consumptions(), 1)
}

// =============================================================================
// PRODUCTION
// =============================================================================

func TestProduce_CreditsComponentCost(t *testing.T) {
	// GIVEN: Cake recipe uses 2 flour @ 5 and 3 sugar @ 4
	// WHEN: 1 cake is produced
	// THEN: Incoming cost 22, two out movements, one in movement with revision

	f := newFixture(t)

	err := f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()})
	require.NoError(t, err)

	mv := f.mem.Movements()
	require.Len(t, mv, 3)
	assert.Equal(t, flour, mv[0].ProductID)
	assert.Equal(t, ledger.Out, mv[0].Direction)
	assertDecimal(t, "2", mv[0].Quantity)
	assert.Equal(t, sugar, mv[1].ProductID)
	assertDecimal(t, "3", mv[1].Quantity)
	assert.Equal(t, cake, mv[2].ProductID)
	assert.Equal(t, ledger.In, mv[2].Direction)
	for _, m := range mv {
		assert.Equal(t, ledger.MovementProduction, m.Type)
	}

	assertDecimal(t, "48", f.stock(t, flour).Stock)
	assertDecimal(t, "27", f.stock(t, sugar).Stock)
	cakeStock := f.stock(t, cake)
	assertDecimal(t, "1", cakeStock.Stock)
	assertDecimal(t, "22", cakeStock.AvgCost)
	assertDecimal(t, "22", cakeStock.AvgCostWithTax)

	revs := f.mem.CostRevisions()
	require.Len(t, revs, 1)
	assert.Equal(t, cake, revs[0].ProductID)

	prods := f.mem.Productions()
	require.Len(t, prods, 1)
	assertDecimal(t, "22", prods[0].CostWithTax)
	assertDecimal(t, "22", prods[0].AvgCostWithTax)

	audit := f.mem.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.FormProduction, audit[0].Form)
	assert.Equal(t, ledger.AuditInsert, audit[0].Kind)
}

func TestProduce_BlendsWithExistingAverage(t *testing.T) {
	f := newFixture(t)
	p := f.stock(t, cake)
	p.Stock = d("1")
	p.AvgCost = d("20")
	p.AvgCostWithTax = d("20")
	f.mem.PutProduct(p)

	require.NoError(t, f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()}))

	// (1×20 + 1×22) / 2
	assertDecimal(t, "21", f.stock(t, cake).AvgCost)
}

func TestProduce_FinalMovementFails_NothingObservable(t *testing.T) {
	// GIVEN: Writing the produced SKU's averages fails
	// WHEN: A cake is produced
	// THEN: Neither component movement nor the revision survives

	f := newFixture(t)
	f.mem.FailOn("UpdateAverageCosts", errors.New("connection reset"))

	err := f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()})
	require.Error(t, err)

	assert.Empty(t, f.mem.Movements())
	assert.Empty(t, f.mem.CostRevisions())
	assert.Empty(t, f.mem.Productions())
	assertDecimal(t, "50", f.stock(t, flour).Stock)
	assertDecimal(t, "30", f.stock(t, sugar).Stock)
	assertDecimal(t, "0", f.stock(t, cake).Stock)
}

func TestProduce_ComponentShortage_RollsBackEarlierComponents(t *testing.T) {
	f := newFixture(t)
	s := f.stock(t, sugar)
	s.Stock = d("2")
	f.mem.PutProduct(s)

	err := f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assertDecimal(t, "50", f.stock(t, flour).Stock)
	assert.Empty(t, f.mem.Movements())
}

func TestProduce_NoRecipe_Rejected(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Produce(context.Background(), events.Production{Store: shop, Product: soda, Quantity: d("1"), Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrRecipeNotFound)
	assert.True(t, ledger.IsNotFound(err))
	assert.Empty(t, f.mem.Movements())
}

func TestProduce_DeletedComponent_Rejected(t *testing.T) {
	f := newFixture(t)
	f.mem.DeleteProduct(sugar)

	err := f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()})

	var inactive *ledger.ProductInactiveError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, sugar, inactive.ProductID)
	assertDecimal(t, "50", f.stock(t, flour).Stock)
	assertDecimal(t, "0", f.stock(t, cake).Stock)
	assert.Empty(t, f.mem.Movements())
}

func TestProduce_ComponentUsageRoundsToZero_Rejected(t *testing.T) {
	// GIVEN: A component whose usage for one unit is below the quantity scale
	// WHEN: One cake is produced
	// THEN: Rejected; no zero-quantity movement is written

	f := newFixture(t)
	f.mem.PutRecipe(cake,
		ledger.RecipeItem{ProductID: cake, ComponentID: flour, RecipePackQty: d("0.001"), ProductPackQty: d("1000"), Yield: d("1"), DeductsStock: true},
	)

	err := f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	assert.Empty(t, f.mem.Movements())
	assert.Empty(t, f.mem.Productions())
}

func TestProduce_SkipsNonDeductingComponents(t *testing.T) {
	f := newFixture(t)
	f.mem.PutRecipe(cake,
		ledger.RecipeItem{ProductID: cake, ComponentID: flour, RecipePackQty: d("2"), ProductPackQty: d("1"), Yield: d("1"), DeductsStock: true},
		ledger.RecipeItem{ProductID: cake, ComponentID: sugar, RecipePackQty: d("3"), ProductPackQty: d("1"), Yield: d("1"), DeductsStock: false},
	)

	require.NoError(t, f.proc.Produce(context.Background(), events.Production{Store: shop, Product: cake, Quantity: d("2"), Origin: origin()}))

	assertDecimal(t, "30", f.stock(t, sugar).Stock)
	assertDecimal(t, "46", f.stock(t, flour).Stock)
	// 4 flour @ 5 over 2 cakes
	assertDecimal(t, "10", f.stock(t, cake).AvgCost)
}

// =============================================================================
// EXCHANGE
// =============================================================================

func TestExchange_MovesLiveStockAndPool(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Exchange(context.Background(), events.Exchange{Store: shop, Product: soda, Quantity: d("2"), ReasonID: 5, Origin: origin()})
	require.NoError(t, err)

	p := f.stock(t, soda)
	assertDecimal(t, "22", p.Stock)
	assertDecimal(t, "2", p.ExchangeStock)

	mv := f.mem.Movements()
	require.Len(t, mv, 1)
	assert.Equal(t, ledger.In, mv[0].Direction)
	assert.Equal(t, ledger.MovementExchange, mv[0].Type)

	trail := f.mem.ExchangeEntries()
	require.Len(t, trail, 1)
	assertDecimal(t, "0", trail[0].PriorPool)
	assertDecimal(t, "2", trail[0].ResultingPool)
	assert.Equal(t, int64(5), trail[0].ReasonID)

	recs := f.mem.Exchanges()
	require.Len(t, recs, 1)
	assert.Equal(t, "10.0.0.5", recs[0].Terminal)

	audit := f.mem.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.FormExchange, audit[0].Form)
}

func TestExchange_LegacyOutDirection(t *testing.T) {
	f := newFixture(t)
	f.proc.ExchangeLiveDirection = ledger.Out

	require.NoError(t, f.proc.Exchange(context.Background(), events.Exchange{Store: shop, Product: soda, Quantity: d("2"), ReasonID: 5, Origin: origin()}))

	p := f.stock(t, soda)
	assertDecimal(t, "18", p.Stock)
	assertDecimal(t, "2", p.ExchangeStock)
}

func TestExchange_AssociatedProduct_PoolOnRequestedProduct(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.proc.Exchange(context.Background(), events.Exchange{Store: shop, Product: sodaX6, Quantity: d("1"), ReasonID: 5, Origin: origin()}))

	assertDecimal(t, "26", f.stock(t, soda).Stock)
	assertDecimal(t, "0", f.stock(t, soda).ExchangeStock)
	assertDecimal(t, "1", f.stock(t, sodaX6).ExchangeStock)
}

func TestExchange_UnknownReason_LookupFailure(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Exchange(context.Background(), events.Exchange{Store: shop, Product: soda, Quantity: d("1"), ReasonID: 77, Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrLookupFailure)
	assert.Empty(t, f.mem.ExchangeEntries())
}

// =============================================================================
// COUNT
// =============================================================================

func TestCount_UpsertsPerSessionAndProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Count(ctx, events.CountEntry{CountID: 40, Store: shop, Product: soda, Quantity: d("4"), Origin: origin()}))
	require.NoError(t, f.proc.Count(ctx, events.CountEntry{CountID: 40, Store: shop, Product: soda, Quantity: d("2.5"), Origin: origin()}))
	require.NoError(t, f.proc.Count(ctx, events.CountEntry{CountID: 40, Store: shop, Product: flour, Quantity: d("1"), Origin: origin()}))

	items := f.mem.CountItems(40)
	require.Len(t, items, 2)
	assert.Equal(t, flour, items[0].ProductID)
	assert.Equal(t, soda, items[1].ProductID)
	assertDecimal(t, "6.5", items[1].Quantity)
	assertDecimal(t, "2", items[1].AvgCost, "cost snapshot")

	assert.Empty(t, f.mem.Movements(), "counts never move live stock")
	assertDecimal(t, "20", f.stock(t, soda).Stock)

	audit := f.mem.AuditEntries()
	require.Len(t, audit, 3)
	assert.Equal(t, ledger.FormCount, audit[0].Form)
	assert.Equal(t, ledger.AuditCount, audit[0].Kind)
}

func TestCount_ClosedSessions_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.proc.Count(ctx, events.CountEntry{CountID: 41, Store: shop, Product: soda, Quantity: d("1"), Origin: origin()})
	assert.ErrorIs(t, err, ledger.ErrCountFinalized)

	err = f.proc.Count(ctx, events.CountEntry{CountID: 42, Store: shop, Product: soda, Quantity: d("1"), Origin: origin()})
	assert.ErrorIs(t, err, ledger.ErrCountDeleted)

	err = f.proc.Count(ctx, events.CountEntry{CountID: 40, Store: 2, Product: soda, Quantity: d("1"), Origin: origin()})
	assert.ErrorIs(t, err, ledger.ErrLookupFailure, "session of another store")

	assert.Empty(t, f.mem.AuditEntries())
}

func TestCount_InactiveProduct_Rejected(t *testing.T) {
	f := newFixture(t)
	p := f.stock(t, soda)
	p.Active = false
	f.mem.PutProduct(p)

	err := f.proc.Count(context.Background(), events.CountEntry{CountID: 40, Store: shop, Product: soda, Quantity: d("1"), Origin: origin()})

	assert.ErrorIs(t, err, ledger.ErrProductInactive)
	assert.Empty(t, f.mem.CountItems(40))
}

func TestCount_ZeroQuantityAllowed(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.proc.Count(context.Background(), events.CountEntry{CountID: 40, Store: shop, Product: soda, Quantity: decimal.Zero, Origin: origin()}))
	assert.Len(t, f.mem.CountItems(40), 1)
}

// =============================================================================
// RUPTURE
// =============================================================================

func TestRupture_RecordsEveryProduct(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Rupture(context.Background(), events.Rupture{Store: shop, Shelf: "A-12", Products: []ledger.ProductID{soda, flour}, Origin: origin()})
	require.NoError(t, err)

	rows := f.mem.Ruptures()
	require.Len(t, rows, 2)
	assert.Equal(t, "A-12", rows[0].Shelf)
	assert.Equal(t, "2026-03-10", rows[1].Date)
	assert.Empty(t, f.mem.Movements())
}
