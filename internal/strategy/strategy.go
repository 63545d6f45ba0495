// Package strategy provides the intraday trading strategies and the
// shared risk toolkit they size and protect positions with.
package strategy

import (
	"time"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Strategy identifiers used in order tags and dedup keys.
const (
	IDMomentum       = "V1"
	IDOptionsScalper = "V2"
	IDMicrostructure = "V3"
	IDAdaptive       = "V4"
)

// MarketView is the read-only slice of market state a strategy is
// allowed to consult. The market data cache satisfies it.
type MarketView interface {
	Latest(symbol string) (types.Tick, time.Duration, bool)
	History(symbol string, interval types.BarInterval, n int) ([]types.Bar, error)
	Instrument(symbol string) (types.Instrument, bool)
}

// Strategy is implemented by every signal generator the orchestrator
// fans out to. Implementations must be safe for the orchestrator to
// call from a worker goroutine; they are never called concurrently
// with themselves.
type Strategy interface {
	Name() string

	// Priority breaks symbol-level ties between strategies; lower wins.
	Priority() int

	// WarmupRequirements lists the history the strategy needs preloaded
	// before its first OnTick.
	WarmupRequirements() []types.HistoryReq

	// SyncPositions tells the strategy which of its positions are open
	// so ManageExisting can act on them. Called before each cycle with
	// positions filtered to this strategy.
	SyncPositions(positions []types.Position)

	// ManageExisting emits management signals (stop moves, partial
	// books, exits) for open positions. These bypass dedup and gating.
	ManageExisting(snapshot map[string]types.Tick, regime types.Regime) []types.Signal

	// OnTick evaluates the snapshot and emits zero or more entry
	// signals.
	OnTick(snapshot map[string]types.Tick, regime types.Regime) []types.Signal
}
