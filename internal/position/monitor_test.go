package position_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/events"
	"github.com/sentinel-desk/intraday-backend/internal/position"
	"github.com/sentinel-desk/intraday-backend/internal/telemetry"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// fakeBroker records broker calls and serves canned quotes.
type fakeBroker struct {
	mu        sync.Mutex
	placed    []types.OrderParams
	modified  []types.OrderParams
	cancelled []string
	modifyErr error
	quotes    map[string]decimal.Decimal
	orderLog  []types.BrokerOrder
	seq       int
}

func (f *fakeBroker) PlaceOrder(_ context.Context, p types.OrderParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, p)
	f.seq++
	return fmt.Sprintf("ord-%d", f.seq), nil
}

func (f *fakeBroker) ModifyOrder(_ context.Context, _ string, p types.OrderParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, p)
	return f.modifyErr
}

func (f *fakeBroker) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBroker) Orders(context.Context) ([]types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.BrokerOrder, len(f.orderLog))
	copy(out, f.orderLog)
	return out, nil
}

func (f *fakeBroker) setOrderLog(orders []types.BrokerOrder) {
	f.mu.Lock()
	f.orderLog = orders
	f.mu.Unlock()
}

func (f *fakeBroker) Positions(context.Context) ([]types.BrokerPosition, error) { return nil, nil }
func (f *fakeBroker) Margins(context.Context) (types.Margin, error)             { return types.Margin{}, nil }
func (f *fakeBroker) OptionChain(context.Context, string, time.Time) (types.OptionChain, error) {
	return types.OptionChain{}, nil
}

func (f *fakeBroker) LTP(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f *fakeBroker) Authenticated() bool { return true }

func (f *fakeBroker) setModifyErr(err error) {
	f.mu.Lock()
	f.modifyErr = err
	f.mu.Unlock()
}

func (f *fakeBroker) modifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.modified)
}

func (f *fakeBroker) placedOrders() []types.OrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderParams, len(f.placed))
	copy(out, f.placed)
	return out
}

// priceView serves fixed ticks; symbols can be marked stale.
type priceView struct {
	mu    sync.Mutex
	ticks map[string]types.Tick
	stale map[string]bool
	insts map[string]types.Instrument
}

func newPriceView() *priceView {
	return &priceView{
		ticks: make(map[string]types.Tick),
		stale: make(map[string]bool),
		insts: make(map[string]types.Instrument),
	}
}

func (v *priceView) set(symbol string, ltp int64) {
	v.mu.Lock()
	v.ticks[symbol] = types.Tick{Symbol: symbol, LTP: decimal.NewFromInt(ltp), Timestamp: time.Now()}
	v.mu.Unlock()
}

func (v *priceView) Latest(symbol string) (types.Tick, time.Duration, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tk, ok := v.ticks[symbol]
	return tk, 0, ok
}

func (v *priceView) Stale(symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale[symbol]
}

func (v *priceView) Instrument(symbol string) (types.Instrument, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.insts[symbol]
	return inst, ok
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func tradingClock(hour, minute int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 2, 16, hour, minute, 0, 0, time.Local)
	}
}

func startMonitor(t *testing.T, cfg position.MonitorConfig, tr *position.Tracker, fb *fakeBroker, pv *priceView, bus *events.Bus, clock func() time.Time) *position.Monitor {
	t.Helper()
	metrics := telemetry.New(prometheus.NewRegistry())
	capital := func() decimal.Decimal { return decimal.NewFromInt(1_000_000) }
	mon := position.NewMonitor(zap.NewNop(), cfg, tr, fb, pv, bus, metrics, capital)
	mon.SetClock(clock)
	ctx, cancel := context.WithCancel(context.Background())
	mon.Start(ctx)
	t.Cleanup(func() {
		mon.Stop()
		cancel()
	})
	return mon
}

func fastConfig() position.MonitorConfig {
	cfg := position.DefaultMonitorConfig()
	cfg.Interval = 10 * time.Millisecond
	return cfg
}

func TestTrailingStopLocksHalfTheProfit(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	pos := longPosition("RELIANCE", 100, 1000)
	pos.Target = decimal.NewFromInt(2000) // out of reach, trailing only
	tr.Add(pos)
	pv.set("RELIANCE", 1120) // +12%, past the 10% trigger

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(11, 0))

	// Locked stop = entry + half the move = 1060.
	waitUntil(t, func() bool {
		p, _ := tr.Get("RELIANCE")
		return p.StopLoss.Equal(decimal.NewFromInt(1060))
	}, "trailing stop at 1060")

	if p, _ := tr.Get("RELIANCE"); !p.MaxFavorable.Equal(decimal.NewFromInt(1120)) {
		t.Errorf("max favorable = %s, want 1120", p.MaxFavorable)
	}
}

func TestTrailRetryKeepsImprovementThenSticks(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	fb.setModifyErr(errors.New("exchange says no"))
	pv := newPriceView()

	pos := longPosition("TCS", 50, 1000)
	pos.Target = decimal.NewFromInt(2000)
	tr.Add(pos)
	pv.set("TCS", 1120)

	cfg := fastConfig()
	cfg.SLModMaxAttempts = 3
	startMonitor(t, cfg, tr, fb, pv, bus, tradingClock(11, 0))

	waitUntil(t, func() bool { return fb.modifyCount() >= 1 }, "first modify attempt")

	// Price falls back under the trigger; the computed improvement must
	// survive and be retried, not recomputed away.
	pv.set("TCS", 1010)

	waitUntil(t, func() bool {
		p, _ := tr.Get("TCS")
		return p.SLModStuck
	}, "stuck flag after repeated failures")

	fb.setModifyErr(nil)
	waitUntil(t, func() bool {
		p, _ := tr.Get("TCS")
		return p.StopLoss.Equal(decimal.NewFromInt(1060)) && !p.SLModStuck
	}, "pending stop applied once broker recovers")
}

func TestPartialBookingThenFullExitAtTarget(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	pos := longPosition("INFY", 100, 1000)
	pos.Target = decimal.NewFromInt(1100)
	pos.TargetOrderID = "tgt-INFY"
	tr.Add(pos)
	pv.set("INFY", 1100)

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(11, 0))

	waitUntil(t, func() bool {
		p, _ := tr.Get("INFY")
		return p.PartialBooked
	}, "partial booked")

	p, _ := tr.Get("INFY")
	if p.Quantity != 50 {
		t.Errorf("remaining quantity = %d, want 50", p.Quantity)
	}
	// Raised stop = entry + 30% of the move = 1030.
	if !p.StopLoss.Equal(decimal.NewFromInt(1030)) {
		t.Errorf("raised stop = %s, want 1030", p.StopLoss)
	}

	// Price holds at target, so the next pass closes the remainder.
	waitUntil(t, func() bool {
		p, _ := tr.Get("INFY")
		return p.Status == types.PositionClosing
	}, "remainder flattened at second touch")

	orders := fb.placedOrders()
	if len(orders) < 2 {
		t.Fatalf("placed %d orders, want partial then flatten", len(orders))
	}
	if orders[0].Quantity != 50 || orders[0].TransactionType != types.SideSell {
		t.Errorf("partial order = %+v", orders[0])
	}
	if orders[1].Quantity != 50 || orders[1].OrderType != types.OrderTypeMarket {
		t.Errorf("flatten order = %+v", orders[1])
	}
}

func TestUrgentWindowFlattensOpenPositions(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	tr.Add(longPosition("SBIN", 10, 800))
	pv.set("SBIN", 801)

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(15, 16))

	waitUntil(t, func() bool {
		p, _ := tr.Get("SBIN")
		return p.Status == types.PositionClosing
	}, "urgent close flatten")

	orders := fb.placedOrders()
	if len(orders) == 0 || orders[0].TransactionType != types.SideSell {
		t.Fatalf("expected a sell market order, got %+v", orders)
	}
}

func TestMandatorySquareOffPublishesEvent(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	squared := make(chan events.Event, 4)
	unsub := bus.Subscribe(func(e events.Event) { squared <- e }, events.TypeSquare)
	defer unsub()

	tr.Add(longPosition("SBIN", 10, 800))
	pv.set("SBIN", 801)

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(15, 25))

	select {
	case <-squared:
	case <-time.After(2 * time.Second):
		t.Fatalf("no square-off event")
	}
	waitUntil(t, func() bool {
		p, _ := tr.Get("SBIN")
		return p.Status == types.PositionClosing
	}, "book flattened")
}

func TestEmergencyFlattenOnAccountLoss(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	alerts := make(chan events.Event, 4)
	unsub := bus.Subscribe(func(e events.Event) {
		if e.Severity == events.SeverityCritical {
			alerts <- e
		}
	}, events.TypeAlert)
	defer unsub()

	// -31000 on 1,000,000 capital breaches the 3% brake.
	tr.Add(longPosition("RELIANCE", 100, 1000))
	pv.set("RELIANCE", 690)

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(11, 0))

	select {
	case <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatalf("no critical alert")
	}
	waitUntil(t, func() bool { return len(fb.placedOrders()) > 0 }, "emergency flatten order")
}

func TestStaleTickFallsBackToBrokerQuote(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{quotes: map[string]decimal.Decimal{"TCS": decimal.NewFromInt(1120)}}
	pv := newPriceView()

	pos := longPosition("TCS", 50, 1000)
	pos.Target = decimal.NewFromInt(2000)
	tr.Add(pos)
	pv.set("TCS", 1120)
	pv.mu.Lock()
	pv.stale["TCS"] = true
	pv.mu.Unlock()

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(11, 0))

	waitUntil(t, func() bool {
		p, _ := tr.Get("TCS")
		return p.StopLoss.Equal(decimal.NewFromInt(1060))
	}, "trail computed off broker quote")
}

func TestUnprotectedPositionIsClosedImmediately(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	pos := longPosition("SBIN", 10, 800)
	tr.Add(pos)
	tr.MarkUnprotected("SBIN")
	pv.set("SBIN", 805)

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(11, 0))

	waitUntil(t, func() bool {
		p, _ := tr.Get("SBIN")
		return p.Status == types.PositionClosing
	}, "unprotected flatten")
}

// recordingJournal captures lifecycle notifications.
type recordingJournal struct {
	mu     sync.Mutex
	exits  []decimal.Decimal
	stops  []decimal.Decimal
	closed []string
}

func (j *recordingJournal) PositionClosed(pos types.Position, exit decimal.Decimal) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = append(j.closed, pos.Symbol)
	j.exits = append(j.exits, exit)
}

func (j *recordingJournal) StopMoved(_ types.Position, newSL decimal.Decimal) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stops = append(j.stops, newSL)
}

func (j *recordingJournal) closedSymbols() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.closed))
	copy(out, j.closed)
	return out
}

func TestStopFillCancelsTargetAndJournalsExit(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()
	journal := &recordingJournal{}

	pos := longPosition("RELIANCE", 100, 1000)
	pos.TargetOrderID = "tgt-RELIANCE"
	pos.Tag = "V1:cid-1"
	pos.StrategyID = "V1"
	tr.Add(pos)
	pv.set("RELIANCE", 992)

	fb.setOrderLog([]types.BrokerOrder{{
		OrderID:      "sl-RELIANCE",
		Symbol:       "RELIANCE",
		Status:       types.OrderComplete,
		AvgFillPrice: decimal.NewFromInt(990),
	}})

	metrics := telemetry.New(prometheus.NewRegistry())
	capital := func() decimal.Decimal { return decimal.NewFromInt(1_000_000) }
	mon := position.NewMonitor(zap.NewNop(), fastConfig(), tr, fb, pv, bus, metrics, capital)
	mon.SetClock(tradingClock(11, 0))
	mon.SetJournal(journal)
	ctx, cancel := context.WithCancel(context.Background())
	mon.Start(ctx)
	t.Cleanup(func() {
		mon.Stop()
		cancel()
	})

	waitUntil(t, func() bool {
		_, ok := tr.Get("RELIANCE")
		return !ok
	}, "position retired after stop fill")

	closed := journal.closedSymbols()
	if len(closed) != 1 || closed[0] != "RELIANCE" {
		t.Fatalf("journaled closes = %v, want [RELIANCE]", closed)
	}
	journal.mu.Lock()
	exit := journal.exits[0]
	journal.mu.Unlock()
	if !exit.Equal(decimal.NewFromInt(990)) {
		t.Errorf("journaled exit = %s, want 990", exit)
	}

	fb.mu.Lock()
	cancelled := append([]string(nil), fb.cancelled...)
	fb.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "tgt-RELIANCE" {
		t.Errorf("cancelled = %v, want the surviving target order", cancelled)
	}

	// The booked loss feeds the daily brake: (990-1000)*100.
	if !tr.RealizedPnL().Equal(decimal.NewFromInt(-1000)) {
		t.Errorf("realized = %s, want -1000", tr.RealizedPnL())
	}
}

func TestSquareOffSubmitsExitOnlyOnce(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	pv := newPriceView()

	tr.Add(longPosition("RELIANCE", 100, 1000))
	pv.set("RELIANCE", 1005)

	// Past the mandatory square-off clock; the exit order never fills,
	// so the position stays on the book cycle after cycle.
	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(15, 25))

	waitUntil(t, func() bool { return len(fb.placedOrders()) > 0 }, "square-off order")
	time.Sleep(100 * time.Millisecond)

	orders := fb.placedOrders()
	if len(orders) != 1 {
		t.Fatalf("placed %d exit orders for one position, want 1", len(orders))
	}
	if orders[0].Quantity != 100 || orders[0].TransactionType != types.SideSell {
		t.Errorf("exit order = %+v", orders[0])
	}
}

func TestTrailRetryAdoptsLargerImprovement(t *testing.T) {
	tr, bus := newTracker(t)
	fb := &fakeBroker{}
	fb.setModifyErr(errors.New("broker busy"))
	pv := newPriceView()

	pos := longPosition("TCS", 100, 1000)
	pos.Target = decimal.NewFromInt(2000)
	tr.Add(pos)
	pv.set("TCS", 1120) // parks a 1060 improvement while modifies fail

	startMonitor(t, fastConfig(), tr, fb, pv, bus, tradingClock(11, 0))

	waitUntil(t, func() bool { return fb.modifyCount() > 0 }, "first modify attempted")

	// Price keeps running while the modify path is down; the retry must
	// chase the better lock, not the stale parked one.
	pv.set("TCS", 1200)
	time.Sleep(50 * time.Millisecond)
	fb.setModifyErr(nil)

	waitUntil(t, func() bool {
		p, _ := tr.Get("TCS")
		return p.StopLoss.Equal(decimal.NewFromInt(1100))
	}, "stop locked at 1100 from the later high")
}
