// Package types provides shared type definitions for the intraday trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Segment identifies the market segment an instrument trades in.
type Segment string

const (
	SegmentEquityNSE Segment = "EQ_NSE"
	SegmentFutOptNFO Segment = "FO_NFO"
)

// OptionKind distinguishes calls from puts for F&O instruments.
type OptionKind string

const (
	OptionCall OptionKind = "CE"
	OptionPut  OptionKind = "PE"
	OptionNone OptionKind = ""
)

// Instrument describes a tradeable symbol. Immutable once registered.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	Segment    Segment         `json:"segment"`
	LotSize    int64           `json:"lotSize"`
	TickSize   decimal.Decimal `json:"tickSize"`
	Underlying string          `json:"underlying,omitempty"`
	Strike     decimal.Decimal `json:"strike,omitempty"`
	OptionKind OptionKind      `json:"optionKind,omitempty"`
	Expiry     time.Time       `json:"expiry,omitempty"`
	IndexName  bool            `json:"index,omitempty"`
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool {
	return i.Segment == SegmentFutOptNFO && i.OptionKind != OptionNone
}

// Tick is the latest price/volume state for a symbol.
type Tick struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	PrevClose decimal.Decimal `json:"prevClose"`
	Volume    int64           `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	OI        int64           `json:"oi,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how stale the tick is relative to now.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// BarInterval is the bar size of a history ring.
type BarInterval string

const (
	Bar1m BarInterval = "1m"
	Bar5m BarInterval = "5m"
)

// Duration returns the wall-clock length of one bar.
func (b BarInterval) Duration() time.Duration {
	switch b {
	case Bar5m:
		return 5 * time.Minute
	default:
		return time.Minute
	}
}

// Bar is a single closed OHLCV candle.
type Bar struct {
	Symbol   string          `json:"symbol"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
	Start    time.Time       `json:"start"`
	Interval BarInterval     `json:"interval"`
}

// Side represents the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide represents long or short exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Bias is the benchmark index directional state.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// MoveZone partitions today's cumulative index move against recent ATR.
type MoveZone string

const (
	ZoneEarly    MoveZone = "EARLY"
	ZoneNormal   MoveZone = "NORMAL"
	ZoneExtended MoveZone = "EXTENDED"
	ZoneExtreme  MoveZone = "EXTREME"
)

// RegimeAction is the recommended posture per side of the move.
type RegimeAction string

const (
	ActionTrendFollow RegimeAction = "TREND_FOLLOW"
	ActionCaution     RegimeAction = "CAUTION"
	ActionFade        RegimeAction = "FADE"
	ActionBlockChase  RegimeAction = "BLOCK_CHASE"
)

// Regime is the aggregate market state published each orchestrator tick.
type Regime struct {
	Bias               Bias         `json:"bias"`
	Strength           float64      `json:"strength"` // 0-10
	MoveZone           MoveZone     `json:"moveZone"`
	ChaseAction        RegimeAction `json:"chaseAction"`
	FadeAction         RegimeAction `json:"fadeAction"`
	MinChaseConfidence float64      `json:"minChaseConfidence"`
	FadeSizeBoost      float64      `json:"fadeSizeBoost"` // 1.0 when no boost applies
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// Signal is a strategy's proposed trade. Transient; lives until accept/reject.
type Signal struct {
	Symbol           string          `json:"symbol"`
	Action           Side            `json:"action"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	StopLoss         decimal.Decimal `json:"stopLoss"`
	Target           decimal.Decimal `json:"target"`
	Quantity         int64           `json:"quantity"`
	Confidence       float64         `json:"confidence"` // 0-10
	StrategyID       string          `json:"strategyId"`
	GeneratedAt      time.Time       `json:"generatedAt"`
	Tag              string          `json:"tag,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	ManagementAction bool            `json:"managementAction"`
	ClosingAction    bool            `json:"closingAction"`
}

// IsManagement reports whether the signal bypasses dedup and entry gating.
func (s Signal) IsManagement() bool {
	return s.ManagementAction || s.ClosingAction
}

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// Position is the in-memory truth of a live position. Owned by the tracker;
// everyone else observes by copy.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      int64           `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	EntryTime     time.Time       `json:"entryTime"`
	StopLoss      decimal.Decimal `json:"stopLoss"`
	Target        decimal.Decimal `json:"target"`
	OrderID       string          `json:"orderId"`
	SLOrderID     string          `json:"slOrderId,omitempty"`
	TargetOrderID string          `json:"targetOrderId,omitempty"`
	PartialBooked bool            `json:"partialBooked"`
	MaxFavorable  decimal.Decimal `json:"maxFavorableExcursion"`
	StrategyID    string          `json:"strategyId"`
	Tag           string          `json:"tag"`
	Status        PositionStatus  `json:"status"`
	Unprotected   bool            `json:"unprotected"`
	SLModStuck    bool            `json:"slModStuck"`
}

// Notional returns the rupee value of the position at its entry price.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "SL"
	OrderTypeStopMarket OrderType = "SL-M"
)

// Product is the broker product code.
type Product string

const (
	ProductIntraday Product = "MIS"
	ProductNormal   Product = "NRML"
)

// Validity is the order time-in-force.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderStatus is the broker-reported order state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderTriggered OrderStatus = "TRIGGERED"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// OrderParams is the broker place/modify request.
type OrderParams struct {
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	TransactionType Side            `json:"transactionType"`
	OrderType       OrderType       `json:"orderType"`
	Quantity        int64           `json:"quantity"`
	Product         Product         `json:"product"`
	Validity        Validity        `json:"validity"`
	Price           decimal.Decimal `json:"price,omitempty"`
	TriggerPrice    decimal.Decimal `json:"triggerPrice,omitempty"`
	Tag             string          `json:"tag"`
	ClientOrderID   string          `json:"clientOrderId,omitempty"`
}

// BrokerOrder is the broker's reflected view of an order.
type BrokerOrder struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	FilledQty     int64           `json:"filledQty"`
	OrderType     OrderType       `json:"orderType"`
	Price         decimal.Decimal `json:"price,omitempty"`
	TriggerPrice  decimal.Decimal `json:"triggerPrice,omitempty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	Tag           string          `json:"tag"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// BrokerPosition is the broker's reflected view of a net position.
// Quantity is signed: positive long, negative short.
type BrokerPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	LastPrice    decimal.Decimal `json:"lastPrice"`
	PnL          decimal.Decimal `json:"pnl"`
	Product      Product         `json:"product"`
}

// Margin is the broker's funds snapshot.
type Margin struct {
	AvailableCash decimal.Decimal `json:"availableCash"`
	UsedMargin    decimal.Decimal `json:"usedMargin"`
	Total         decimal.Decimal `json:"total"`
}

// OptionQuote is one strike row from an option chain.
type OptionQuote struct {
	Symbol    string          `json:"symbol"`
	Strike    decimal.Decimal `json:"strike"`
	Kind      OptionKind      `json:"kind"`
	LTP       decimal.Decimal `json:"ltp"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	IV        float64         `json:"iv,omitempty"` // annualized, 0 when unknown
	OI        int64           `json:"oi"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// OptionChain is the quotes for one underlying and expiry.
type OptionChain struct {
	Underlying string          `json:"underlying"`
	Expiry     time.Time       `json:"expiry"`
	SpotPrice  decimal.Decimal `json:"spotPrice"`
	Quotes     []OptionQuote   `json:"quotes"`
	FetchedAt  time.Time       `json:"fetchedAt"`
}

// HistoryReq declares a strategy's warm-up history requirement.
type HistoryReq struct {
	Symbol   string      `json:"symbol"`
	Interval BarInterval `json:"interval"`
	Bars     int         `json:"bars"`
}

// RoundToTick rounds a price to the nearest multiple of tickSize.
func RoundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	steps := price.Div(tickSize).Round(0)
	return steps.Mul(tickSize)
}

// RoundToLot rounds a quantity down to a whole number of lots.
func RoundToLot(qty, lotSize int64) int64 {
	if lotSize <= 1 {
		return qty
	}
	return (qty / lotSize) * lotSize
}
