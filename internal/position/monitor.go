package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/broker"
	"github.com/sentinel-desk/intraday-backend/internal/events"
	"github.com/sentinel-desk/intraday-backend/internal/telemetry"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// MonitorConfig tunes the protection loop.
type MonitorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	UrgentCloseClock  string        `mapstructure:"urgent_close_clock"`  // "15:15"
	SquareOffClock    string        `mapstructure:"square_off_clock"`    // "15:20"
	EmergencyLossPct  float64       `mapstructure:"emergency_loss_pct"`  // 0.03
	TrailTriggerPct   float64       `mapstructure:"trail_trigger_pct"`   // 0.10
	SLModMaxAttempts  int           `mapstructure:"sl_mod_max_attempts"` // 5
	FlattenOnShutdown bool          `mapstructure:"flatten_on_shutdown"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         5 * time.Second,
		UrgentCloseClock: "15:15",
		SquareOffClock:   "15:20",
		EmergencyLossPct: 0.03,
		TrailTriggerPct:  0.10,
		SLModMaxAttempts: 5,
	}
}

// PriceView serves the latest tick and its staleness, plus instrument
// metadata for routing exits to the right exchange.
type PriceView interface {
	Latest(symbol string) (types.Tick, time.Duration, bool)
	Stale(symbol string) bool
	Instrument(symbol string) (types.Instrument, bool)
}

// Journal receives position lifecycle notifications: trade persistence
// and the strategy feedback loop hang off it.
type Journal interface {
	PositionClosed(pos types.Position, exitPrice decimal.Decimal)
	StopMoved(pos types.Position, newSL decimal.Decimal)
}

// Monitor protects open positions: trailing stops, partial booking,
// time-based exits, and the account-level emergency flatten. It runs
// on its own loop, independent of the orchestrator's cadence.
type Monitor struct {
	logger  *zap.Logger
	cfg     MonitorConfig
	tracker *Tracker
	client  broker.Client
	prices  PriceView
	bus     *events.Bus
	metrics *telemetry.Metrics
	capital func() decimal.Decimal

	mu         sync.Mutex
	slAttempts map[string]int
	pendingSL  map[string]decimal.Decimal // improvement not yet applied
	squareSent map[string]bool            // symbols with an exit order in flight
	journal    Journal

	clock  func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewMonitor(logger *zap.Logger, cfg MonitorConfig, tracker *Tracker, client broker.Client, prices PriceView, bus *events.Bus, metrics *telemetry.Metrics, capital func() decimal.Decimal) *Monitor {
	return &Monitor{
		logger:     logger.Named("monitor"),
		cfg:        cfg,
		tracker:    tracker,
		client:     client,
		prices:     prices,
		bus:        bus,
		metrics:    metrics,
		capital:    capital,
		slAttempts: make(map[string]int),
		pendingSL:  make(map[string]decimal.Decimal),
		squareSent: make(map[string]bool),
		clock:      time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetClock overrides wall time, for tests.
func (m *Monitor) SetClock(clock func() time.Time) { m.clock = clock }

// SetJournal installs the lifecycle listener. Must be called before Start.
func (m *Monitor) SetJournal(j Journal) { m.journal = j }

// Start runs the loop until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if m.cfg.FlattenOnShutdown {
					m.flattenAll(context.Background(), "shutdown flatten")
				}
				return
			case <-m.stopCh:
				if m.cfg.FlattenOnShutdown {
					m.flattenAll(context.Background(), "shutdown flatten")
				}
				return
			case <-ticker.C:
				m.cycle(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func clockMinutes(clock string) (int, bool) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// PastUrgentClose reports whether the session is inside the urgent
// close window. The orchestrator consults it to stop accepting
// entries.
func (m *Monitor) PastUrgentClose() bool {
	urgent, ok := clockMinutes(m.cfg.UrgentCloseClock)
	if !ok {
		return false
	}
	now := m.clock()
	return now.Hour()*60+now.Minute() >= urgent
}

func (m *Monitor) pastSquareOff() bool {
	squareOff, ok := clockMinutes(m.cfg.SquareOffClock)
	if !ok {
		return false
	}
	now := m.clock()
	return now.Hour()*60+now.Minute() >= squareOff
}

// cycle is one pass over the book.
func (m *Monitor) cycle(ctx context.Context) {
	positions := m.tracker.Snapshot()
	m.pruneState(positions)
	m.metrics.OpenPositions.Set(float64(len(positions)))
	if len(positions) == 0 {
		return
	}

	positions = m.sweepExits(ctx, positions)
	if len(positions) == 0 {
		return
	}

	marks := m.markPrices(ctx, positions)
	unrealized := m.tracker.UnrealizedPnL(marks)
	pnlF, _ := unrealized.Float64()
	m.metrics.UnrealizedPnL.Set(pnlF)

	// Emergency exit dominates everything else.
	cap := m.capital()
	if cap.IsPositive() &&
		unrealized.LessThanOrEqual(cap.Mul(decimal.NewFromFloat(m.cfg.EmergencyLossPct)).Neg()) {
		m.bus.Alert(events.SeverityCritical, "", "emergency flatten: unrealized loss past limit")
		m.flattenAll(ctx, "emergency loss limit")
		return
	}

	if m.pastSquareOff() {
		m.bus.Publish(events.Event{Type: events.TypeSquare, Message: "mandatory square-off"})
		m.flattenAll(ctx, "mandatory square-off")
		return
	}

	urgent := m.PastUrgentClose()
	for _, pos := range positions {
		if pos.Status != types.PositionOpen {
			continue
		}
		ltp, ok := marks[pos.Symbol]
		if !ok || ltp.IsZero() {
			continue
		}
		if pos.Unprotected {
			m.flattenOne(ctx, pos, "unprotected position flatten")
			continue
		}
		if urgent {
			m.flattenOne(ctx, pos, "urgent close window")
			continue
		}
		m.manage(ctx, pos, ltp)
	}
}

// pruneState drops retry and in-flight bookkeeping for symbols no
// longer tracked; broker reconciliation can retire positions behind
// the monitor's back.
func (m *Monitor) pruneState(positions []types.Position) {
	present := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		present[p.Symbol] = struct{}{}
	}
	m.mu.Lock()
	for sym := range m.squareSent {
		if _, ok := present[sym]; !ok {
			delete(m.squareSent, sym)
		}
	}
	for sym := range m.pendingSL {
		if _, ok := present[sym]; !ok {
			delete(m.pendingSL, sym)
			delete(m.slAttempts, sym)
		}
	}
	m.mu.Unlock()
}

// sweepExits reconciles the book against the order log: a filled stop
// or target means the position is gone at the broker, so the sibling
// protective order is cancelled and the close is journaled. Positions
// already marked closing are retired once their square-off fill shows
// up. Returns the positions still live.
func (m *Monitor) sweepExits(ctx context.Context, positions []types.Position) []types.Position {
	orders, err := m.client.Orders(ctx)
	if err != nil || len(orders) == 0 {
		return positions
	}
	byID := make(map[string]types.BrokerOrder, len(orders))
	byTag := make(map[string]types.BrokerOrder, len(orders))
	for _, ord := range orders {
		byID[ord.OrderID] = ord
		if ord.Tag != "" {
			byTag[ord.Tag] = ord
		}
	}

	live := positions[:0]
	for _, pos := range positions {
		if pos.Status == types.PositionClosing {
			if ord, ok := byTag[pos.Tag+":SQ"]; ok && ord.Status == types.OrderComplete {
				m.finishClose(pos, ord.AvgFillPrice)
				continue
			}
			live = append(live, pos)
			continue
		}
		if ord, ok := byID[pos.SLOrderID]; ok && pos.SLOrderID != "" && ord.Status == types.OrderComplete {
			m.cancelSibling(ctx, pos, pos.TargetOrderID)
			m.bus.Alert(events.SeverityWarning, pos.Symbol, "stop loss hit")
			m.finishClose(pos, ord.AvgFillPrice)
			continue
		}
		if ord, ok := byID[pos.TargetOrderID]; ok && pos.TargetOrderID != "" && ord.Status == types.OrderComplete {
			m.cancelSibling(ctx, pos, pos.SLOrderID)
			m.bus.Alert(events.SeverityInfo, pos.Symbol, "target exit filled")
			m.finishClose(pos, ord.AvgFillPrice)
			continue
		}
		live = append(live, pos)
	}
	return live
}

func (m *Monitor) cancelSibling(ctx context.Context, pos types.Position, orderID string) {
	if orderID == "" {
		return
	}
	if err := m.client.CancelOrder(ctx, orderID); err != nil {
		m.logger.Warn("sibling protective cancel failed",
			zap.String("symbol", pos.Symbol),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

// finishClose retires a position whose exit fill is confirmed.
func (m *Monitor) finishClose(pos types.Position, exit decimal.Decimal) {
	m.mu.Lock()
	delete(m.pendingSL, pos.Symbol)
	delete(m.slAttempts, pos.Symbol)
	delete(m.squareSent, pos.Symbol)
	m.mu.Unlock()
	if exit.IsPositive() {
		pnl := exit.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
		if pos.Side == types.PositionShort {
			pnl = pnl.Neg()
		}
		m.tracker.AddRealized(pnl)
	}
	m.tracker.Remove(pos.Symbol)
	if m.journal != nil {
		m.journal.PositionClosed(pos, exit)
	}
	m.logger.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("exit", exit.String()))
}

// markPrices resolves a mark for each symbol, falling back to the
// broker quote when the cached tick is stale.
func (m *Monitor) markPrices(ctx context.Context, positions []types.Position) map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal, len(positions))
	var staleSymbols []string
	for _, pos := range positions {
		tick, _, ok := m.prices.Latest(pos.Symbol)
		if ok && !m.prices.Stale(pos.Symbol) {
			marks[pos.Symbol] = tick.LTP
			continue
		}
		staleSymbols = append(staleSymbols, pos.Symbol)
	}
	if len(staleSymbols) > 0 {
		if quotes, err := m.client.LTP(ctx, staleSymbols); err == nil {
			for sym, price := range quotes {
				marks[sym] = price
			}
		}
	}
	return marks
}

func profitFrac(pos types.Position, ltp decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := ltp.Sub(pos.EntryPrice)
	if pos.Side == types.PositionShort {
		diff = diff.Neg()
	}
	return diff.Div(pos.EntryPrice)
}

// manage applies trailing and partial booking to one position.
func (m *Monitor) manage(ctx context.Context, pos types.Position, ltp decimal.Decimal) {
	// Track max favorable excursion.
	if pos.Side == types.PositionLong {
		if pos.MaxFavorable.IsZero() || ltp.GreaterThan(pos.MaxFavorable) {
			m.tracker.UpdateMaxFavorable(pos.Symbol, ltp)
		}
	} else if pos.MaxFavorable.IsZero() || ltp.LessThan(pos.MaxFavorable) {
		m.tracker.UpdateMaxFavorable(pos.Symbol, ltp)
	}

	targetHit := (pos.Side == types.PositionLong && ltp.GreaterThanOrEqual(pos.Target)) ||
		(pos.Side == types.PositionShort && ltp.LessThanOrEqual(pos.Target))
	if targetHit {
		if pos.PartialBooked {
			m.flattenOne(ctx, pos, "second target touch")
		} else {
			m.partialBook(ctx, pos, ltp)
		}
		return
	}

	m.trail(ctx, pos, ltp)
}

// trail moves the stop to lock half the open profit once it reaches
// the trigger threshold. A failed modification is retried next cycle;
// the computed improvement is kept so it is never lost.
func (m *Monitor) trail(ctx context.Context, pos types.Position, ltp decimal.Decimal) {
	var want decimal.Decimal

	m.mu.Lock()
	pending, havePending := m.pendingSL[pos.Symbol]
	m.mu.Unlock()

	if havePending {
		// Retry with the better of the parked value and whatever the
		// current price now justifies.
		want = pending
		if profitFrac(pos, ltp).GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.TrailTriggerPct)) {
			half := ltp.Sub(pos.EntryPrice).Mul(decimal.NewFromFloat(0.5))
			fresh := pos.EntryPrice.Add(half)
			if (pos.Side == types.PositionLong && fresh.GreaterThan(want)) ||
				(pos.Side == types.PositionShort && fresh.LessThan(want)) {
				want = fresh
			}
		}
	} else {
		if profitFrac(pos, ltp).LessThan(decimal.NewFromFloat(m.cfg.TrailTriggerPct)) {
			return
		}
		half := ltp.Sub(pos.EntryPrice).Mul(decimal.NewFromFloat(0.5))
		want = pos.EntryPrice.Add(half)
		improves := (pos.Side == types.PositionLong && want.GreaterThan(pos.StopLoss)) ||
			(pos.Side == types.PositionShort && want.LessThan(pos.StopLoss))
		if !improves {
			return
		}
	}

	err := m.client.ModifyOrder(ctx, pos.SLOrderID, types.OrderParams{
		Symbol:       pos.Symbol,
		TriggerPrice: want,
		Quantity:     pos.Quantity,
	})
	if err != nil {
		m.mu.Lock()
		m.pendingSL[pos.Symbol] = want
		m.slAttempts[pos.Symbol]++
		attempts := m.slAttempts[pos.Symbol]
		m.mu.Unlock()
		m.logger.Warn("stop modify failed, will retry",
			zap.String("symbol", pos.Symbol),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if attempts >= m.cfg.SLModMaxAttempts {
			m.tracker.MarkSLStuck(pos.Symbol)
			m.bus.Alert(events.SeverityCritical, pos.Symbol, "stop modification stuck")
		}
		return
	}

	m.mu.Lock()
	delete(m.pendingSL, pos.Symbol)
	delete(m.slAttempts, pos.Symbol)
	m.mu.Unlock()
	m.tracker.ModifySL(pos.Symbol, want, "")
	if m.journal != nil {
		m.journal.StopMoved(pos, want)
	}
	m.logger.Info("trailing stop raised",
		zap.String("symbol", pos.Symbol),
		zap.String("trigger", want.String()))
}

// partialBook takes half off at the first target touch and raises the
// stop so the rest cannot round-trip to a loss.
func (m *Monitor) partialBook(ctx context.Context, pos types.Position, ltp decimal.Decimal) {
	half := pos.Quantity / 2
	if half <= 0 {
		m.flattenOne(ctx, pos, "position too small to book partially")
		return
	}
	exitSide := types.SideSell
	if pos.Side == types.PositionShort {
		exitSide = types.SideBuy
	}
	_, err := m.client.PlaceOrder(ctx, types.OrderParams{
		Symbol:          pos.Symbol,
		Exchange:        m.exchangeFor(pos.Symbol),
		TransactionType: exitSide,
		OrderType:       types.OrderTypeMarket,
		Quantity:        half,
		Product:         types.ProductIntraday,
		Validity:        types.ValidityDay,
		Tag:             pos.Tag + ":PB",
	})
	if err != nil {
		m.logger.Warn("partial booking failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	m.metrics.OrdersSubmitted.WithLabelValues("partial").Inc()

	raised := pos.EntryPrice.Add(ltp.Sub(pos.EntryPrice).Mul(decimal.NewFromFloat(0.3)))
	remaining := pos.Quantity - half
	m.tracker.MarkPartial(pos.Symbol, remaining, raised)
	booked := ltp.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(half))
	if pos.Side == types.PositionShort {
		booked = booked.Neg()
	}
	m.tracker.AddRealized(booked)
	if m.journal != nil {
		m.journal.StopMoved(pos, raised)
	}

	// Shrink the protective pair to the remainder.
	if pos.SLOrderID != "" {
		_ = m.client.ModifyOrder(ctx, pos.SLOrderID, types.OrderParams{
			Symbol:       pos.Symbol,
			TriggerPrice: raised,
			Quantity:     remaining,
		})
	}
	if pos.TargetOrderID != "" {
		_ = m.client.ModifyOrder(ctx, pos.TargetOrderID, types.OrderParams{
			Symbol:   pos.Symbol,
			Price:    pos.Target,
			Quantity: remaining,
		})
	}
	m.bus.Alert(events.SeverityInfo, pos.Symbol, "partial profit booked")
}

// flattenOne cancels the protective pair first, then places the
// opposing market order. A symbol whose exit order is already in
// flight is left alone; re-submitting while the fill is pending would
// multiply the exit size.
func (m *Monitor) flattenOne(ctx context.Context, pos types.Position, reason string) {
	m.mu.Lock()
	if m.squareSent[pos.Symbol] {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	for _, id := range []string{pos.SLOrderID, pos.TargetOrderID} {
		if id == "" {
			continue
		}
		if err := m.client.CancelOrder(ctx, id); err != nil {
			m.logger.Warn("protective cancel failed",
				zap.String("symbol", pos.Symbol),
				zap.String("order_id", id),
				zap.Error(err))
		}
	}
	exitSide := types.SideSell
	if pos.Side == types.PositionShort {
		exitSide = types.SideBuy
	}
	m.tracker.MarkClosing(pos.Symbol)
	_, err := m.client.PlaceOrder(ctx, types.OrderParams{
		Symbol:          pos.Symbol,
		Exchange:        m.exchangeFor(pos.Symbol),
		TransactionType: exitSide,
		OrderType:       types.OrderTypeMarket,
		Quantity:        pos.Quantity,
		Product:         types.ProductIntraday,
		Validity:        types.ValidityDay,
		Tag:             pos.Tag + ":SQ",
	})
	if err != nil {
		// Symbol stays unmarked so the next cycle retries the exit.
		m.logger.Error("flatten order failed",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	m.mu.Lock()
	m.squareSent[pos.Symbol] = true
	m.mu.Unlock()
	m.metrics.SquareOffActions.Inc()
	m.logger.Info("position flattened",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason))
}

func (m *Monitor) exchangeFor(symbol string) string {
	if inst, ok := m.prices.Instrument(symbol); ok && inst.Segment == types.SegmentFutOptNFO {
		return "NFO"
	}
	return "NSE"
}

// FlattenAll squares off the whole book on demand; the control surface
// and shutdown path both use it.
func (m *Monitor) FlattenAll(ctx context.Context, reason string) {
	m.flattenAll(ctx, reason)
}

func (m *Monitor) flattenAll(ctx context.Context, reason string) {
	for _, pos := range m.tracker.Snapshot() {
		if pos.Status == types.PositionOpen || pos.Status == types.PositionClosing {
			m.flattenOne(ctx, pos, reason)
		}
	}
}
