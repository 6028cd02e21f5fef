// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore. WithTx runs against a copy of the
// state that replaces the committed state only when fn succeeds.
type Memory struct {
	mu    sync.Mutex
	state *state

	// failures makes the named Writer operation return the given error.
	failures map[string]error
}

type productKey struct {
	Store   ledger.StoreID
	Product ledger.ProductID
}

type consumptionKey struct {
	Store   ledger.StoreID
	Product ledger.ProductID
	Date    string
	Type    int64
}

type countKey struct {
	Count   int64
	Product ledger.ProductID
}

type state struct {
	products         map[productKey]ledger.ProductParams
	deleted          map[ledger.ProductID]bool
	links            map[ledger.ProductID]ledger.AssociatedLink
	frozen           map[ledger.StoreID]bool
	recipes          map[ledger.ProductID][]ledger.RecipeItem
	consumptionTypes map[int64]ledger.ConsumptionType
	exchangeReasons  map[int64]ledger.ExchangeReason
	countSessions    map[int64]ledger.CountSession

	movements       []ledger.MovementEntry
	frozenMovements []ledger.FrozenMovementEntry
	revisions       []ledger.CostRevision
	exchangeEntries []ledger.ExchangeEntry
	audit           []ledger.AuditEntry
	consumptions    map[consumptionKey]ledger.ConsumptionRecord
	productions     []ledger.ProductionRecord
	exchanges       []ledger.ExchangeRecord
	countItems      map[countKey]ledger.CountItem
	ruptures        []ledger.ShelfRupture
}

func newState() *state {
	return &state{
		products:         make(map[productKey]ledger.ProductParams),
		deleted:          make(map[ledger.ProductID]bool),
		links:            make(map[ledger.ProductID]ledger.AssociatedLink),
		frozen:           make(map[ledger.StoreID]bool),
		recipes:          make(map[ledger.ProductID][]ledger.RecipeItem),
		consumptionTypes: make(map[int64]ledger.ConsumptionType),
		exchangeReasons:  make(map[int64]ledger.ExchangeReason),
		countSessions:    make(map[int64]ledger.CountSession),
		consumptions:     make(map[consumptionKey]ledger.ConsumptionRecord),
		countItems:       make(map[countKey]ledger.CountItem),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.deleted {
		c.deleted[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.frozen {
		c.frozen[k] = v
	}
	for k, v := range s.recipes {
		c.recipes[k] = append([]ledger.RecipeItem(nil), v...)
	}
	for k, v := range s.consumptionTypes {
		c.consumptionTypes[k] = v
	}
	for k, v := range s.exchangeReasons {
		c.exchangeReasons[k] = v
	}
	for k, v := range s.countSessions {
		c.countSessions[k] = v
	}
	for k, v := range s.consumptions {
		c.consumptions[k] = v
	}
	for k, v := range s.countItems {
		c.countItems[k] = v
	}
	c.movements = append(c.movements, s.movements...)
	c.frozenMovements = append(c.frozenMovements, s.frozenMovements...)
	c.revisions = append(c.revisions, s.revisions...)
	c.exchangeEntries = append(c.exchangeEntries, s.exchangeEntries...)
	c.audit = append(c.audit, s.audit...)
	c.productions = append(c.productions, s.productions...)
	c.exchanges = append(c.exchanges, s.exchanges...)
	c.ruptures = append(c.ruptures, s.ruptures...)
	return c
}

func NewMemory() *Memory {
	return &Memory{state: newState(), failures: make(map[string]error)}
}

// WithTx executes fn within a transaction.
// Writes are made on a copy of the state that is swapped in on success.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txView{state: m.state.clone(), failures: m.failures}
	if err := fn(view); err != nil {
		return err
	}
	m.state = view.state
	return nil
}

// FailOn makes the named Writer method (e.g. "InsertProduction") fail
// with err inside every following transaction. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutProduct(p ledger.ProductParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[productKey{p.StoreID, p.ProductID}] = p
}

// DeleteProduct marks a product deleted at every store.
func (m *Memory) DeleteProduct(product ledger.ProductID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.deleted[product] = true
}

func (m *Memory) PutLink(l ledger.AssociatedLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.links[l.ProductID] = l
}

func (m *Memory) SetFrozen(store ledger.StoreID, frozen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.frozen[store] = frozen
}

func (m *Memory) PutRecipe(product ledger.ProductID, items ...ledger.RecipeItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.recipes[product] = append([]ledger.RecipeItem(nil), items...)
}

func (m *Memory) PutConsumptionType(t ledger.ConsumptionType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.consumptionTypes[t.ID] = t
}

func (m *Memory) PutExchangeReason(r ledger.ExchangeReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.exchangeReasons[r.ID] = r
}

func (m *Memory) PutCountSession(c ledger.CountSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.countSessions[c.ID] = c
}

// =============================================================================
// INSPECTION
// =============================================================================

// Product returns the committed stock record of a product.
func (m *Memory) Product(store ledger.StoreID, product ledger.ProductID) (ledger.ProductParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.products[productKey{store, product}]
	return p, ok
}

func (m *Memory) Movements() []ledger.MovementEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.MovementEntry(nil), m.state.movements...)
}

func (m *Memory) FrozenMovements() []ledger.FrozenMovementEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.FrozenMovementEntry(nil), m.state.frozenMovements...)
}

func (m *Memory) CostRevisions() []ledger.CostRevision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.CostRevision(nil), m.state.revisions...)
}

func (m *Memory) ExchangeEntries() []ledger.ExchangeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.ExchangeEntry(nil), m.state.exchangeEntries...)
}

func (m *Memory) AuditEntries() []ledger.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.AuditEntry(nil), m.state.audit...)
}

// Consumptions returns the consumption accumulators ordered by product and date.
func (m *Memory) Consumptions() []ledger.ConsumptionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.ConsumptionRecord, 0, len(m.state.consumptions))
	for _, c := range m.state.consumptions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Date < out[j].Date
	})
	return out
}

func (m *Memory) Productions() []ledger.ProductionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.ProductionRecord(nil), m.state.productions...)
}

func (m *Memory) Exchanges() []ledger.ExchangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.ExchangeRecord(nil), m.state.exchanges...)
}

// CountItems returns the items of a count session ordered by product.
func (m *Memory) CountItems(countID int64) []ledger.CountItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.CountItem
	for k, v := range m.state.countItems {
		if k.Count == countID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (m *Memory) Ruptures() []ledger.ShelfRupture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.ShelfRupture(nil), m.state.ruptures...)
}

// =============================================================================
// TRANSACTIONAL VIEW (ledger.Tx)
// =============================================================================

type txView struct {
	state    *state
	failures map[string]error
}

func (tv *txView) fail(op string) error {
	return tv.failures[op]
}

func (tv *txView) ProductParams(_ context.Context, store ledger.StoreID, product ledger.ProductID) (ledger.ProductParams, error) {
	p, ok := tv.state.products[productKey{store, product}]
	if !ok {
		return ledger.ProductParams{}, ledger.NotFound("product", fmt.Sprintf("%d@%d", product, store))
	}
	p.Active = p.Active && !tv.state.deleted[product]
	return p, nil
}

func (tv *txView) AssociatedLink(_ context.Context, product ledger.ProductID) (ledger.AssociatedLink, bool, error) {
	l, ok := tv.state.links[product]
	return l, ok, nil
}

func (tv *txView) IsProductActive(_ context.Context, store ledger.StoreID, product ledger.ProductID) (bool, error) {
	p, ok := tv.state.products[productKey{store, product}]
	return ok && p.Active && !tv.state.deleted[product], nil
}

func (tv *txView) IsStockFrozen(_ context.Context, store ledger.StoreID) (bool, error) {
	return tv.state.frozen[store], nil
}

func (tv *txView) RecipeItems(_ context.Context, store ledger.StoreID, product ledger.ProductID) ([]ledger.RecipeItem, error) {
	items := tv.state.recipes[product]
	out := make([]ledger.RecipeItem, 0, len(items))
	for _, it := range items {
		// Averages come from the component's record at the producing store.
		if p, ok := tv.state.products[productKey{store, it.ComponentID}]; ok {
			it.AvgCost = p.AvgCost
			it.AvgCostWithTax = p.AvgCostWithTax
		}
		out = append(out, it)
	}
	return out, nil
}

func (tv *txView) ConsumptionType(_ context.Context, id int64) (ledger.ConsumptionType, error) {
	t, ok := tv.state.consumptionTypes[id]
	if !ok {
		return t, ledger.NotFound("consumption type", id)
	}
	return t, nil
}

func (tv *txView) ExchangeReason(_ context.Context, id int64) (ledger.ExchangeReason, error) {
	r, ok := tv.state.exchangeReasons[id]
	if !ok {
		return r, ledger.NotFound("exchange reason", id)
	}
	return r, nil
}

func (tv *txView) CountSession(_ context.Context, id int64) (ledger.CountSession, error) {
	c, ok := tv.state.countSessions[id]
	if !ok {
		return c, ledger.NotFound("count session", id)
	}
	return c, nil
}

func (tv *txView) InsertMovement(_ context.Context, e ledger.MovementEntry) error {
	if err := tv.fail("InsertMovement"); err != nil {
		return err
	}
	tv.state.movements = append(tv.state.movements, e)
	return nil
}

func (tv *txView) InsertFrozenMovement(_ context.Context, e ledger.FrozenMovementEntry) error {
	if err := tv.fail("InsertFrozenMovement"); err != nil {
		return err
	}
	tv.state.frozenMovements = append(tv.state.frozenMovements, e)
	return nil
}

func (tv *txView) UpdateStockQuantity(_ context.Context, store ledger.StoreID, product ledger.ProductID, stock decimal.Decimal) error {
	if err := tv.fail("UpdateStockQuantity"); err != nil {
		return err
	}
	k := productKey{store, product}
	p, ok := tv.state.products[k]
	if !ok {
		return ledger.NotFound("product", fmt.Sprintf("%d@%d", product, store))
	}
	p.Stock = stock
	tv.state.products[k] = p
	return nil
}

func (tv *txView) UpdateAverageCosts(_ context.Context, store ledger.StoreID, product ledger.ProductID, avgCost, avgCostWithTax decimal.Decimal) error {
	if err := tv.fail("UpdateAverageCosts"); err != nil {
		return err
	}
	k := productKey{store, product}
	p, ok := tv.state.products[k]
	if !ok {
		return ledger.NotFound("product", fmt.Sprintf("%d@%d", product, store))
	}
	p.AvgCost = avgCost
	p.AvgCostWithTax = avgCostWithTax
	tv.state.products[k] = p
	return nil
}

func (tv *txView) InsertCostRevision(_ context.Context, r ledger.CostRevision) error {
	if err := tv.fail("InsertCostRevision"); err != nil {
		return err
	}
	tv.state.revisions = append(tv.state.revisions, r)
	return nil
}

func (tv *txView) UpdateExchangeQuantity(_ context.Context, store ledger.StoreID, product ledger.ProductID, pool decimal.Decimal) error {
	if err := tv.fail("UpdateExchangeQuantity"); err != nil {
		return err
	}
	k := productKey{store, product}
	p, ok := tv.state.products[k]
	if !ok {
		return ledger.NotFound("product", fmt.Sprintf("%d@%d", product, store))
	}
	p.ExchangeStock = pool
	tv.state.products[k] = p
	return nil
}

func (tv *txView) InsertExchangeEntry(_ context.Context, e ledger.ExchangeEntry) error {
	if err := tv.fail("InsertExchangeEntry"); err != nil {
		return err
	}
	tv.state.exchangeEntries = append(tv.state.exchangeEntries, e)
	return nil
}

func (tv *txView) InsertAuditEntry(_ context.Context, a ledger.AuditEntry) error {
	if err := tv.fail("InsertAuditEntry"); err != nil {
		return err
	}
	tv.state.audit = append(tv.state.audit, a)
	return nil
}

func (tv *txView) FindConsumption(_ context.Context, store ledger.StoreID, product ledger.ProductID, date string, typeID int64) (ledger.ConsumptionRecord, bool, error) {
	rec, ok := tv.state.consumptions[consumptionKey{store, product, date, typeID}]
	return rec, ok, nil
}

func (tv *txView) InsertConsumption(_ context.Context, rec ledger.ConsumptionRecord) error {
	if err := tv.fail("InsertConsumption"); err != nil {
		return err
	}
	k := consumptionKey{rec.StoreID, rec.ProductID, rec.Date, rec.TypeID}
	if _, exists := tv.state.consumptions[k]; exists {
		return fmt.Errorf("consumption %v: duplicate key", k)
	}
	tv.state.consumptions[k] = rec
	return nil
}

func (tv *txView) UpdateConsumption(_ context.Context, rec ledger.ConsumptionRecord) error {
	if err := tv.fail("UpdateConsumption"); err != nil {
		return err
	}
	tv.state.consumptions[consumptionKey{rec.StoreID, rec.ProductID, rec.Date, rec.TypeID}] = rec
	return nil
}

func (tv *txView) InsertProduction(_ context.Context, rec ledger.ProductionRecord) error {
	if err := tv.fail("InsertProduction"); err != nil {
		return err
	}
	tv.state.productions = append(tv.state.productions, rec)
	return nil
}

func (tv *txView) InsertExchange(_ context.Context, rec ledger.ExchangeRecord) error {
	if err := tv.fail("InsertExchange"); err != nil {
		return err
	}
	tv.state.exchanges = append(tv.state.exchanges, rec)
	return nil
}

func (tv *txView) FindCountItem(_ context.Context, countID int64, product ledger.ProductID) (ledger.CountItem, bool, error) {
	item, ok := tv.state.countItems[countKey{countID, product}]
	return item, ok, nil
}

func (tv *txView) InsertCountItem(_ context.Context, item ledger.CountItem) error {
	if err := tv.fail("InsertCountItem"); err != nil {
		return err
	}
	tv.state.countItems[countKey{item.CountID, item.ProductID}] = item
	return nil
}

func (tv *txView) UpdateCountItem(_ context.Context, item ledger.CountItem) error {
	if err := tv.fail("UpdateCountItem"); err != nil {
		return err
	}
	tv.state.countItems[countKey{item.CountID, item.ProductID}] = item
	return nil
}

func (tv *txView) InsertShelfRupture(_ context.Context, r ledger.ShelfRupture) error {
	if err := tv.fail("InsertShelfRupture"); err != nil {
		return err
	}
	tv.state.ruptures = append(tv.state.ruptures, r)
	return nil
}
