package sqlstore_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/events"
	"github.com/warp/stock-engine/idempotency"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	shop   ledger.StoreID   = 1
	closed ledger.StoreID   = 2
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

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed writes the catalog used by the event tests.
func seed(t *testing.T, s *sqlstore.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.SaveStore(ctx, ledger.StoreInfo{ID: shop, Name: "Downtown", Active: true}))
	require.NoError(t, s.SaveStore(ctx, ledger.StoreInfo{ID: closed, Name: "Harbour", Active: false}))

	product := func(id ledger.ProductID, stock, avg string) {
		require.NoError(t, s.SaveProduct(ctx, id, "product "+strconv.Itoa(int(id)), false))
		require.NoError(t, s.SaveProductStock(ctx, ledger.ProductParams{
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
		}))
	}
	product(flour, "50", "5")
	product(sugar, "30", "4")
	product(cake, "0", "0")
	product(soda, "20", "2")
	product(sodaX6, "0", "12")

	require.NoError(t, s.SaveLink(ctx, ledger.AssociatedLink{
		ProductID:        sodaX6,
		StockProductID:   soda,
		PrimaryPackQty:   d("6"),
		DependentPackQty: d("1"),
		CostSharePercent: d("0"),
		AppliesToStock:   true,
	}))
	for _, item := range []ledger.RecipeItem{
		{ProductID: cake, ComponentID: flour, RecipePackQty: d("2"), ProductPackQty: d("1"), Yield: d("1"), DeductsStock: true},
		{ProductID: cake, ComponentID: sugar, RecipePackQty: d("3"), ProductPackQty: d("1"), Yield: d("1"), DeductsStock: true},
	} {
		require.NoError(t, s.SaveRecipeItem(ctx, item))
	}

	require.NoError(t, s.SaveConsumptionType(ctx, ledger.ConsumptionType{ID: 1, Description: "Internal use", EmitsInvoice: true}))
	require.NoError(t, s.SaveExchangeReason(ctx, ledger.ExchangeReason{ID: 5, Description: "Damaged"}))
	require.NoError(t, s.SaveCountSession(ctx, ledger.CountSession{ID: 40, StoreID: shop, Description: "March", Status: ledger.CountOpen}))
	require.NoError(t, s.SaveCountSession(ctx, ledger.CountSession{ID: 41, StoreID: shop, Status: ledger.CountFinalized}))
}

func newProcessor(s *sqlstore.Store) *events.Processor {
	logger, _ := logtest.NewNullLogger()
	seq := 0
	return &events.Processor{
		Store: s,
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
}

func origin() events.Origin {
	return events.Origin{User: clerk, Terminal: "10.0.0.5"}
}

func stock(t *testing.T, s *sqlstore.Store, product ledger.ProductID) ledger.ProductParams {
	t.Helper()
	p, err := s.Product(context.Background(), shop, product)
	require.NoError(t, err)
	return p
}

// =============================================================================
// OPEN
// =============================================================================

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := sqlstore.Open("oracle", "x", 0)
	assert.Error(t, err)
}

func TestOpen_MigrationIsRepeatable(t *testing.T) {
	s, err := sqlstore.Open("sqlite", ":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "sqlite", s.Dialect())
	assert.NoError(t, s.Ping(context.Background()))
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestConsume_PersistsMovementAuditAndAccumulator(t *testing.T) {
	// GIVEN: 20 sodas at average cost 2
	// WHEN: 3 then 2 are consumed on the same day
	// THEN: Stock 15, two movements, one accumulator of 5

	s := newStore(t)
	seed(t, s)
	proc := newProcessor(s)
	ctx := context.Background()

	for _, qty := range []string{"3", "2"} {
		require.NoError(t, proc.Consume(ctx, events.Consumption{
			Store: shop, Product: soda, Quantity: d(qty), TypeID: 1, Origin: origin(),
		}))
	}

	assertDecimal(t, "15", stock(t, s, soda).Stock)

	moves, err := s.Movements(ctx, shop, soda)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, ledger.Out, moves[0].Direction)
	assert.Equal(t, ledger.MovementConsumption, moves[0].Type)
	assertDecimal(t, "20", moves[0].PriorStock)
	assertDecimal(t, "17", moves[0].ResultingStock)
	assertDecimal(t, "2", moves[0].AvgCost)
	assert.True(t, today.Equal(moves[0].OccurredAt))

	audits, err := s.AuditCount(ctx, shop, ledger.FormConsumption)
	require.NoError(t, err)
	assert.Equal(t, 2, audits)

	recs, err := s.Consumptions(ctx, shop, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assertDecimal(t, "5", recs[0].Quantity)
	assert.True(t, recs[0].EmitsInvoice)
}

func TestProduce_RevisesAverageCost(t *testing.T) {
	// GIVEN: Cake needs 2 flour (avg 5) and 3 sugar (avg 4) per unit
	// WHEN: 2 cakes are produced
	// THEN: Components deducted, cake stock 2 at average 22

	s := newStore(t)
	seed(t, s)
	proc := newProcessor(s)
	ctx := context.Background()

	require.NoError(t, proc.Produce(ctx, events.Production{Store: shop, Product: cake, Quantity: d("2"), Origin: origin()}))

	assertDecimal(t, "46", stock(t, s, flour).Stock)
	assertDecimal(t, "24", stock(t, s, sugar).Stock)

	produced := stock(t, s, cake)
	assertDecimal(t, "2", produced.Stock)
	assertDecimal(t, "22", produced.AvgCost)
	assertDecimal(t, "22", produced.AvgCostWithTax)

	revs, err := s.CostRevisions(ctx, shop, cake)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assertDecimal(t, "0", revs[0].PrevAvgCost)
	assertDecimal(t, "22", revs[0].NewAvgCost)
	assert.Equal(t, "production", revs[0].Reason)
}

func TestProduce_ComponentShortage_RollsBackEverything(t *testing.T) {
	// GIVEN: Only 1 sugar in stock
	// WHEN: 2 cakes are produced (flour is deducted before sugar fails)
	// THEN: Nothing is committed, not even the flour movement

	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	p := stock(t, s, sugar)
	p.Stock = d("1")
	require.NoError(t, s.SaveProductStock(ctx, p))

	err := newProcessor(s).Produce(ctx, events.Production{Store: shop, Product: cake, Quantity: d("2"), Origin: origin()})

	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assertDecimal(t, "50", stock(t, s, flour).Stock)
	assertDecimal(t, "0", stock(t, s, cake).Stock)

	moves, err := s.Movements(ctx, shop, flour)
	require.NoError(t, err)
	assert.Empty(t, moves)
	audits, err := s.AuditCount(ctx, shop, ledger.FormProduction)
	require.NoError(t, err)
	assert.Zero(t, audits)
}

func TestConsume_FrozenStore_WritesFrozenMovementOnly(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	proc := newProcessor(s)
	ctx := context.Background()
	require.NoError(t, s.SetStockFrozen(ctx, shop, true))

	require.NoError(t, proc.Consume(ctx, events.Consumption{
		Store: shop, Product: soda, Quantity: d("3"), TypeID: 1, Origin: origin(),
	}))

	assertDecimal(t, "20", stock(t, s, soda).Stock)
	n, err := s.FrozenMovementCount(ctx, shop, soda)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	moves, err := s.Movements(ctx, shop, soda)
	require.NoError(t, err)
	assert.Empty(t, moves)

	// Unfreezing restores live movements.
	require.NoError(t, s.SetStockFrozen(ctx, shop, false))
	require.NoError(t, proc.Consume(ctx, events.Consumption{
		Store: shop, Product: soda, Quantity: d("3"), TypeID: 1, Origin: origin(),
	}))
	assertDecimal(t, "17", stock(t, s, soda).Stock)
}

func TestConsume_AssociatedProduct_MovesPrimaryStock(t *testing.T) {
	// GIVEN: A six-pack linked to single sodas
	// WHEN: 2 six-packs are consumed
	// THEN: 12 sodas leave stock, the six-pack record is untouched

	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, newProcessor(s).Consume(ctx, events.Consumption{
		Store: shop, Product: sodaX6, Quantity: d("2"), TypeID: 1, Origin: origin(),
	}))

	assertDecimal(t, "8", stock(t, s, soda).Stock)
	assertDecimal(t, "0", stock(t, s, sodaX6).Stock)

	recs, err := s.Consumptions(ctx, shop, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sodaX6, recs[0].ProductID, "the record keeps the requested product")
	assertDecimal(t, "2", recs[0].Quantity)
}

func TestExchange_IncrementsPool(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, newProcessor(s).Exchange(ctx, events.Exchange{
		Store: shop, Product: soda, Quantity: d("4"), ReasonID: 5, Origin: origin(),
	}))

	p := stock(t, s, soda)
	assertDecimal(t, "24", p.Stock)
	assertDecimal(t, "4", p.ExchangeStock)
}

func TestCount_AccumulatesAndRejectsClosedSessions(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	proc := newProcessor(s)
	ctx := context.Background()

	for _, qty := range []string{"7", "5"} {
		require.NoError(t, proc.Count(ctx, events.CountEntry{
			CountID: 40, Store: shop, Product: flour, Quantity: d(qty), Origin: origin(),
		}))
	}
	items, err := s.CountItems(ctx, 40)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assertDecimal(t, "12", items[0].Quantity)
	assertDecimal(t, "5", items[0].AvgCost)
	assertDecimal(t, "50", stock(t, s, flour).Stock, "counting never moves stock")

	err = proc.Count(ctx, events.CountEntry{CountID: 41, Store: shop, Product: flour, Quantity: d("1"), Origin: origin()})
	assert.ErrorIs(t, err, ledger.ErrCountFinalized)

	err = proc.Count(ctx, events.CountEntry{CountID: 99, Store: shop, Product: flour, Quantity: d("1"), Origin: origin()})
	assert.True(t, ledger.IsNotFound(err))
}

func TestProductParams_UnknownProduct_LookupFailure(t *testing.T) {
	s := newStore(t)
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.ProductParams(context.Background(), shop, 999)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrLookupFailure)
}

func TestIsProductActive_DeletedProduct(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, flour, "flour", true))

	var active bool
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		active, err = tx.IsProductActive(ctx, shop, flour)
		return err
	}))
	assert.False(t, active)
}

func TestConsume_DeletedPrimaryProduct_Rejected(t *testing.T) {
	// GIVEN: Single sodas are deleted; the six-pack still links to them
	// WHEN: A six-pack is consumed
	// THEN: The redirect hits an inactive product and nothing is written

	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, soda, "soda", true))

	err := newProcessor(s).Consume(ctx, events.Consumption{
		Store: shop, Product: sodaX6, Quantity: d("1"), TypeID: 1, Origin: origin(),
	})

	var inactive *ledger.ProductInactiveError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, soda, inactive.ProductID)
	assertDecimal(t, "20", stock(t, s, soda).Stock)
	moves, err := s.Movements(ctx, shop, soda)
	require.NoError(t, err)
	assert.Empty(t, moves)
}

func TestProduce_DeletedComponent_Rejected(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, flour, "flour", true))

	err := newProcessor(s).Produce(ctx, events.Production{Store: shop, Product: cake, Quantity: d("1"), Origin: origin()})

	require.ErrorIs(t, err, ledger.ErrProductInactive)
	assertDecimal(t, "50", stock(t, s, flour).Stock)
	assertDecimal(t, "30", stock(t, s, sugar).Stock)
	assertDecimal(t, "0", stock(t, s, cake).Stock)
}

func TestConsume_QuantityBelowScale_Rejected(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	err := newProcessor(s).Consume(ctx, events.Consumption{
		Store: shop, Product: flour, Quantity: d("0.0004"), TypeID: 1, Origin: origin(),
	})

	require.ErrorIs(t, err, ledger.ErrInvalidQuantity)
	moves, err := s.Movements(ctx, shop, flour)
	require.NoError(t, err)
	assert.Empty(t, moves)
	recs, err := s.Consumptions(ctx, shop, "2026-03-10")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// =============================================================================
// SYNC LISTS
// =============================================================================

func TestSyncLists(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	stores, err := s.Stores(ctx)
	require.NoError(t, err)
	require.Len(t, stores, 1, "inactive stores are not listed")
	assert.Equal(t, "Downtown", stores[0].Name)

	counts, err := s.OpenCounts(ctx, shop)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(40), counts[0].ID)

	recipes, err := s.Recipes(ctx, shop)
	require.NoError(t, err)
	require.Len(t, recipes, 2)
	assert.Equal(t, flour, recipes[0].ComponentID)
	assertDecimal(t, "5", recipes[0].AvgCost)

	types, err := s.ConsumptionTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 1)

	reasons, err := s.ExchangeReasons(ctx)
	require.NoError(t, err)
	assert.Len(t, reasons, 1)
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	// GIVEN: An empty api_idempotency table
	// WHEN: A key is claimed, failed, reclaimed and completed
	// THEN: Only the first claim and the first reclaim win

	s := newStore(t)
	ctx := context.Background()
	const ep = "/transmit/consumption"

	won, err := s.Claim(ctx, ep, "k-1", "hash")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Claim(ctx, ep, "k-1", "other")
	require.NoError(t, err)
	assert.False(t, won, "duplicate claim loses")

	rec, err := s.Get(ctx, ep, "k-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusInProgress, rec.Status)
	assert.Equal(t, "hash", rec.RequestHash)

	won, err = s.Reclaim(ctx, ep, "k-1")
	require.NoError(t, err)
	assert.False(t, won, "in-progress records cannot be reclaimed")

	require.NoError(t, s.Fail(ctx, ep, "k-1", 500, []byte(`{"error":"internal_error"}`)))
	won, err = s.Reclaim(ctx, ep, "k-1")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.Reclaim(ctx, ep, "k-1")
	require.NoError(t, err)
	assert.False(t, won)

	body := []byte(`{"succeeded":[0],"failed":[]}`)
	require.NoError(t, s.Complete(ctx, ep, "k-1", 200, body))
	rec, err = s.Get(ctx, ep, "k-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.Equal(t, 200, rec.ResponseCode)
	assert.Equal(t, body, rec.ResponseBody)

	_, err = s.Get(ctx, "/transmit/production", "k-1")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
	assert.ErrorIs(t, s.Complete(ctx, ep, "missing", 200, nil), idempotency.ErrRecordNotFound)
}
