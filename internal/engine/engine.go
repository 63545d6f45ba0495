// Package engine converts accepted signals into broker orders and
// records the resulting position lineage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/broker"
	"github.com/sentinel-desk/intraday-backend/internal/dedup"
	"github.com/sentinel-desk/intraday-backend/internal/events"
	"github.com/sentinel-desk/intraday-backend/internal/position"
	"github.com/sentinel-desk/intraday-backend/internal/store"
	"github.com/sentinel-desk/intraday-backend/internal/telemetry"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Config tunes batching and throttling.
type Config struct {
	MaxSignalsPerCycle int           `mapstructure:"max_signals_per_cycle"`
	InterOrderDelay    time.Duration `mapstructure:"inter_order_delay"`
	SymbolCooldown     time.Duration `mapstructure:"symbol_cooldown"`
	FillConfirmTimeout time.Duration `mapstructure:"fill_confirm_timeout"`
	FillPollInterval   time.Duration `mapstructure:"fill_poll_interval"`
	PriceCollarPct     float64       `mapstructure:"price_collar_pct"`
}

func DefaultConfig() Config {
	return Config{
		MaxSignalsPerCycle: 5,
		InterOrderDelay:    1500 * time.Millisecond,
		SymbolCooldown:     30 * time.Second,
		FillConfirmTimeout: 5 * time.Second,
		FillPollInterval:   500 * time.Millisecond,
		PriceCollarPct:     0.005,
	}
}

// InstrumentView resolves symbols to instruments.
type InstrumentView interface {
	Instrument(symbol string) (types.Instrument, bool)
}

// Engine submits orders. It is single-threaded per cycle; the
// orchestrator hands it one approved batch at a time.
type Engine struct {
	logger  *zap.Logger
	cfg     Config
	client  broker.Client
	tracker *position.Tracker
	dedup   *dedup.Deduplicator
	bus     *events.Bus
	view    InstrumentView
	trades  *store.Store
	metrics *telemetry.Metrics

	mu        sync.Mutex
	cooldowns map[string]time.Time // key: symbol|action
	draining  bool

	clock func() time.Time
	sleep func(time.Duration)
}

func New(logger *zap.Logger, cfg Config, client broker.Client, tracker *position.Tracker, dd *dedup.Deduplicator, bus *events.Bus, view InstrumentView, trades *store.Store, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		client:    client,
		tracker:   tracker,
		dedup:     dd,
		bus:       bus,
		view:      view,
		trades:    trades,
		metrics:   metrics,
		cooldowns: make(map[string]time.Time),
		clock:     time.Now,
		sleep:     time.Sleep,
	}
}

// SetClock overrides wall time, for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// SetSleep overrides the inter-order pause, for tests.
func (e *Engine) SetSleep(sleep func(time.Duration)) { e.sleep = sleep }

// Drain stops the engine accepting new batches; outstanding broker
// calls in the current batch run to completion.
func (e *Engine) Drain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
}

func cooldownKey(symbol string, action types.Side) string {
	return symbol + "|" + string(action)
}

func (e *Engine) onCooldown(symbol string, action types.Side) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[cooldownKey(symbol, action)]
	return ok && e.clock().Before(until)
}

func (e *Engine) armCooldown(symbol string, action types.Side) {
	e.mu.Lock()
	e.cooldowns[cooldownKey(symbol, action)] = e.clock().Add(e.cfg.SymbolCooldown)
	e.mu.Unlock()
}

// Execute runs one approved batch: management signals first, then
// entries, capped per cycle and spaced by the inter-order delay.
func (e *Engine) Execute(ctx context.Context, batch []types.Signal) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		e.logger.Info("draining, batch dropped", zap.Int("signals", len(batch)))
		return
	}
	e.mu.Unlock()

	submitted := 0
	for _, sig := range batch {
		if ctx.Err() != nil {
			return
		}
		if submitted >= e.cfg.MaxSignalsPerCycle {
			e.logger.Info("cycle submission cap reached", zap.Int("cap", e.cfg.MaxSignalsPerCycle))
			return
		}
		if submitted > 0 {
			e.sleep(e.cfg.InterOrderDelay)
		}
		var ok bool
		if sig.IsManagement() {
			ok = e.executeManagement(ctx, sig)
		} else {
			ok = e.executeEntry(ctx, sig)
		}
		if ok {
			submitted++
		}
	}
}

// executeManagement places a plain order for a scale-out or closure.
// The monitor owns protective-order bookkeeping around it.
func (e *Engine) executeManagement(ctx context.Context, sig types.Signal) bool {
	inst, ok := e.view.Instrument(sig.Symbol)
	if !ok {
		return false
	}
	cid := uuid.NewString()
	params := types.OrderParams{
		Symbol:          sig.Symbol,
		Exchange:        exchangeFor(inst),
		TransactionType: sig.Action,
		OrderType:       types.OrderTypeMarket,
		Quantity:        sig.Quantity,
		Product:         types.ProductIntraday,
		Validity:        types.ValidityDay,
		Tag:             sig.Tag,
		ClientOrderID:   cid,
	}
	if sig.ClosingAction {
		e.tracker.MarkClosing(sig.Symbol)
	}
	orderID, err := e.placeWithRateRetry(ctx, params)
	if err != nil {
		e.reportFailure(sig, err)
		return false
	}
	e.metrics.OrdersSubmitted.WithLabelValues("management").Inc()
	e.logger.Info("management order placed",
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.String("order_id", orderID),
		zap.String("reason", sig.Reason))
	return true
}

// executeEntry runs the full entry sequence: order, fill confirmation,
// paired protective orders, tracker and store records.
func (e *Engine) executeEntry(ctx context.Context, sig types.Signal) bool {
	if e.onCooldown(sig.Symbol, sig.Action) {
		e.logger.Debug("symbol on cooldown", zap.String("symbol", sig.Symbol))
		return false
	}
	inst, ok := e.view.Instrument(sig.Symbol)
	if !ok {
		return false
	}

	cid := uuid.NewString()
	tag := fmt.Sprintf("%s:%s", sig.StrategyID, cid)
	params := e.entryParams(inst, sig, cid, tag)

	orderID, err := e.placeWithRateRetry(ctx, params)
	if err != nil {
		e.reportFailure(sig, err)
		return false
	}
	e.armCooldown(sig.Symbol, sig.Action)
	e.metrics.OrdersSubmitted.WithLabelValues("entry").Inc()

	fillPrice, fillQty, filled := e.waitFill(ctx, orderID)
	if !filled {
		e.logger.Warn("entry not confirmed within timeout",
			zap.String("symbol", sig.Symbol),
			zap.String("order_id", orderID))
		return true
	}

	pos := types.Position{
		Symbol:     sig.Symbol,
		Side:       sideFor(sig.Action),
		Quantity:   fillQty,
		EntryPrice: fillPrice,
		EntryTime:  e.clock(),
		StopLoss:   sig.StopLoss,
		Target:     sig.Target,
		OrderID:    orderID,
		StrategyID: sig.StrategyID,
		Tag:        tag,
		Status:     types.PositionOpen,
	}

	slID, tgtID, protErr := e.placeProtectives(ctx, inst, sig, fillQty, tag)
	pos.SLOrderID = slID
	pos.TargetOrderID = tgtID
	if protErr != nil {
		pos.Unprotected = true
	}

	// Lineage lands in one call so no observer sees a position with
	// half its order ids.
	e.tracker.Add(pos)
	e.dedup.MarkExecuted(ctx, sig, orderID)
	e.trades.RecordEntry(ctx, store.TradeRecord{
		ClientOrderID: cid,
		OrderID:       orderID,
		SLOrderID:     slID,
		TargetOrderID: tgtID,
		Symbol:        sig.Symbol,
		Side:          string(sig.Action),
		Quantity:      fillQty,
		EntryPrice:    fillPrice,
		StopLoss:      sig.StopLoss,
		Target:        sig.Target,
		StrategyID:    sig.StrategyID,
		Confidence:    sig.Confidence,
		Reason:        sig.Reason,
		EnteredAt:     e.clock(),
	})

	if protErr != nil {
		e.bus.Alert(events.SeverityCritical, sig.Symbol,
			"position unprotected: protective order placement failed")
	}
	e.logger.Info("entry executed",
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.Int64("quantity", fillQty),
		zap.String("fill_price", fillPrice.String()),
		zap.String("order_id", orderID),
		zap.String("strategy", sig.StrategyID))
	return true
}

// entryParams chooses the order type: LIMIT with a price collar for
// stock options, MARKET for index options and equity.
func (e *Engine) entryParams(inst types.Instrument, sig types.Signal, cid, tag string) types.OrderParams {
	params := types.OrderParams{
		Symbol:          sig.Symbol,
		Exchange:        exchangeFor(inst),
		TransactionType: sig.Action,
		OrderType:       types.OrderTypeMarket,
		Quantity:        sig.Quantity,
		Product:         types.ProductIntraday,
		Validity:        types.ValidityDay,
		Tag:             tag,
		ClientOrderID:   cid,
	}
	if inst.IsOption() && !inst.IndexName && !isIndexUnderlying(inst.Underlying) {
		collar := sig.EntryPrice.Mul(decimal.NewFromFloat(e.cfg.PriceCollarPct))
		price := sig.EntryPrice.Add(collar)
		if sig.Action == types.SideSell {
			price = sig.EntryPrice.Sub(collar)
		}
		params.OrderType = types.OrderTypeLimit
		params.Price = types.RoundToTick(price, inst.TickSize)
	}
	return params
}

// isIndexUnderlying covers the NSE index option roots.
func isIndexUnderlying(underlying string) bool {
	switch underlying {
	case "NIFTY", "BANKNIFTY", "FINNIFTY", "MIDCPNIFTY", "NIFTY 50", "NIFTY BANK":
		return true
	}
	return false
}

// placeProtectives submits the SL-M and LIMIT target pair. Both carry
// the parent tag with a sub-tag suffix. Either failure leaves the
// position unprotected.
func (e *Engine) placeProtectives(ctx context.Context, inst types.Instrument, sig types.Signal, qty int64, tag string) (slID, tgtID string, err error) {
	exitSide := sig.Action.Opposite()
	slOrderID, slErr := e.placeWithRateRetry(ctx, types.OrderParams{
		Symbol:          sig.Symbol,
		Exchange:        exchangeFor(inst),
		TransactionType: exitSide,
		OrderType:       types.OrderTypeStopMarket,
		Quantity:        qty,
		Product:         types.ProductIntraday,
		Validity:        types.ValidityDay,
		TriggerPrice:    sig.StopLoss,
		Tag:             tag + ":SL",
	})
	if slErr == nil {
		slID = slOrderID
		e.metrics.OrdersSubmitted.WithLabelValues("stop").Inc()
	}

	tgtOrderID, tgtErr := e.placeWithRateRetry(ctx, types.OrderParams{
		Symbol:          sig.Symbol,
		Exchange:        exchangeFor(inst),
		TransactionType: exitSide,
		OrderType:       types.OrderTypeLimit,
		Quantity:        qty,
		Product:         types.ProductIntraday,
		Validity:        types.ValidityDay,
		Price:           sig.Target,
		Tag:             tag + ":TGT",
	})
	if tgtErr == nil {
		tgtID = tgtOrderID
		e.metrics.OrdersSubmitted.WithLabelValues("target").Inc()
	}

	if slErr != nil {
		return slID, tgtID, slErr
	}
	return slID, tgtID, tgtErr
}

// placeWithRateRetry retries exactly once on rate limiting, after a
// full bucket refill.
func (e *Engine) placeWithRateRetry(ctx context.Context, params types.OrderParams) (string, error) {
	orderID, err := e.client.PlaceOrder(ctx, params)
	if errors.Is(err, broker.ErrRateLimited) {
		e.metrics.OrderFailures.WithLabelValues("rate_limited").Inc()
		e.sleep(time.Second)
		orderID, err = e.client.PlaceOrder(ctx, params)
	}
	return orderID, err
}

// waitFill polls the order book until the entry completes or the
// confirmation window closes. A partial fill past the window counts
// with its filled quantity.
func (e *Engine) waitFill(ctx context.Context, orderID string) (decimal.Decimal, int64, bool) {
	deadline := e.clock().Add(e.cfg.FillConfirmTimeout)
	var lastPartialPrice decimal.Decimal
	var lastPartialQty int64
	for {
		orders, err := e.client.Orders(ctx)
		if err == nil {
			for _, o := range orders {
				if o.OrderID != orderID {
					continue
				}
				switch o.Status {
				case types.OrderComplete:
					return o.AvgFillPrice, o.FilledQty, true
				case types.OrderRejected, types.OrderCancelled:
					return decimal.Zero, 0, false
				case types.OrderOpen, types.OrderTriggered:
					if o.FilledQty > 0 {
						lastPartialPrice = o.AvgFillPrice
						lastPartialQty = o.FilledQty
					}
				}
			}
		}
		if e.clock().After(deadline) {
			if lastPartialQty > 0 {
				return lastPartialPrice, lastPartialQty, true
			}
			return decimal.Zero, 0, false
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, 0, false
		case <-time.After(e.cfg.FillPollInterval):
		}
	}
}

func (e *Engine) reportFailure(sig types.Signal, err error) {
	var rej *broker.RejectError
	switch {
	case errors.As(err, &rej):
		e.metrics.OrderFailures.WithLabelValues("reject").Inc()
		e.logger.Error("broker rejected order",
			zap.String("symbol", sig.Symbol),
			zap.String("code", rej.Code),
			zap.String("message", rej.Message))
	case errors.Is(err, broker.ErrRateLimited):
		e.metrics.OrderFailures.WithLabelValues("rate_limited").Inc()
		e.bus.Alert(events.SeverityWarning, sig.Symbol, "signal dropped after rate-limit retry")
	default:
		e.metrics.OrderFailures.WithLabelValues("transient").Inc()
		e.logger.Error("order placement failed",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
	}
}

func sideFor(action types.Side) types.PositionSide {
	if action == types.SideSell {
		return types.PositionShort
	}
	return types.PositionLong
}

func exchangeFor(inst types.Instrument) string {
	if inst.Segment == types.SegmentFutOptNFO {
		return "NFO"
	}
	return "NSE"
}
