// Package position owns the in-memory truth of live positions and the
// monitor loop that protects them.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/events"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Tracker is the single writer for position records. Everyone else
// reads copies via Snapshot.
type Tracker struct {
	logger *zap.Logger
	bus    *events.Bus

	mu        sync.RWMutex
	positions map[string]*types.Position
	realized  decimal.Decimal // day's booked PnL across closed trades
}

func NewTracker(logger *zap.Logger, bus *events.Bus) *Tracker {
	return &Tracker{
		logger:    logger.Named("tracker"),
		bus:       bus,
		positions: make(map[string]*types.Position),
	}
}

// Add registers a freshly opened position with its order lineage. The
// entry, SL, and target order ids land together or not at all; the
// engine calls this exactly once per fill.
func (t *Tracker) Add(pos types.Position) {
	t.mu.Lock()
	p := pos
	t.positions[pos.Symbol] = &p
	t.mu.Unlock()
	t.bus.Publish(events.Event{Type: events.TypePosition, Symbol: pos.Symbol, Message: "position opened", Position: pos})
}

// Update applies a fill event to the position owning the order.
func (t *Tracker) Update(orderID string, fillPrice decimal.Decimal, filledQty int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.positions {
		if p.OrderID != orderID {
			continue
		}
		if fillPrice.IsPositive() {
			p.EntryPrice = fillPrice
		}
		if filledQty > 0 {
			p.Quantity = filledQty
		}
		return
	}
}

// ModifySL records a successful stop modification.
func (t *Tracker) ModifySL(symbol string, newSL decimal.Decimal, newOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.StopLoss = newSL
	if newOrderID != "" {
		p.SLOrderID = newOrderID
	}
	p.SLModStuck = false
}

// MarkPartial flags the first target touch and the raised stop.
func (t *Tracker) MarkPartial(symbol string, remainingQty int64, raisedSL decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.PartialBooked = true
	p.Quantity = remainingQty
	p.StopLoss = raisedSL
}

// MarkClosing moves the position into CLOSING so the gate stops
// treating it as a duplicate blocker.
func (t *Tracker) MarkClosing(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.Status = types.PositionClosing
	}
}

// MarkUnprotected flags a position whose protective orders failed.
func (t *Tracker) MarkUnprotected(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.Unprotected = true
	}
}

// MarkSLStuck flags a position whose stop modification keeps failing.
func (t *Tracker) MarkSLStuck(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.SLModStuck = true
	}
}

// UpdateMaxFavorable records a new favorable-excursion high-water mark.
func (t *Tracker) UpdateMaxFavorable(symbol string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.MaxFavorable = price
	}
}

// Remove drops a closed position.
func (t *Tracker) Remove(symbol string) {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if ok {
		delete(t.positions, symbol)
	}
	t.mu.Unlock()
	if ok {
		t.bus.Publish(events.Event{Type: events.TypePosition, Symbol: symbol, Message: "position closed", Position: *p})
	}
}

// Get returns a copy of one position.
func (t *Tracker) Get(symbol string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Snapshot returns copies of all tracked positions.
func (t *Tracker) Snapshot() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

// Reconcile aligns local records with the broker's view. Broker wins:
// quantities are adjusted, phantom locals are dropped, and unknown
// broker positions are surfaced as alerts without inventing protective
// orders for them.
func (t *Tracker) Reconcile(brokerPositions []types.BrokerPosition) {
	byBroker := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		if bp.Quantity != 0 {
			byBroker[bp.Symbol] = bp
		}
	}

	t.mu.Lock()
	var phantoms []string
	var deltas []string
	for sym, p := range t.positions {
		bp, ok := byBroker[sym]
		if !ok {
			phantoms = append(phantoms, sym)
			delete(t.positions, sym)
			continue
		}
		absQty := bp.Quantity
		if absQty < 0 {
			absQty = -absQty
		}
		if absQty != p.Quantity {
			deltas = append(deltas, sym)
			p.Quantity = absQty
		}
		delete(byBroker, sym)
	}
	t.mu.Unlock()

	for _, sym := range phantoms {
		t.bus.Alert(events.SeverityWarning, sym, "phantom position removed, broker reports flat")
	}
	for _, sym := range deltas {
		t.bus.Alert(events.SeverityWarning, sym, "position quantity adjusted to broker view")
	}
	for sym := range byBroker {
		t.bus.Alert(events.SeverityWarning, sym, "untracked broker position detected")
	}
}

// AddRealized accumulates booked PnL from a closed trade. The daily
// loss brake reads the running total alongside open PnL.
func (t *Tracker) AddRealized(pnl decimal.Decimal) {
	t.mu.Lock()
	t.realized = t.realized.Add(pnl)
	t.mu.Unlock()
}

// RealizedPnL returns the day's booked PnL.
func (t *Tracker) RealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized
}

// UnrealizedPnL sums open PnL across positions at the given marks.
func (t *Tracker) UnrealizedPnL(marks map[string]decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for sym, p := range t.positions {
		ltp, ok := marks[sym]
		if !ok || ltp.IsZero() {
			continue
		}
		diff := ltp.Sub(p.EntryPrice)
		if p.Side == types.PositionShort {
			diff = diff.Neg()
		}
		total = total.Add(diff.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return total
}

// Age returns how long the position has been open.
func Age(p types.Position, now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}
