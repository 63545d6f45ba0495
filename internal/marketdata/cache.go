// Package marketdata maintains the authoritative latest-tick snapshot for the
// symbol universe plus short-horizon bar history used for strategy warm-up.
package marketdata

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

var (
	// ErrCapacity is returned when a history request exceeds the ring size.
	ErrCapacity = errors.New("marketdata: requested bars exceed ring capacity")
	// ErrAlreadyLive is returned when preload runs after live ticks arrived.
	ErrAlreadyLive = errors.New("marketdata: symbol already receiving live ticks")
	// ErrUnknownSymbol is returned for symbols outside the registered universe.
	ErrUnknownSymbol = errors.New("marketdata: unknown symbol")
	// ErrUnknownInterval is returned for bar intervals the cache does not keep.
	ErrUnknownInterval = errors.New("marketdata: unknown bar interval")
)

// DefaultRingCapacity is the per-interval history depth kept per symbol.
// Warm-up requirements top out around 50 bars; the ring keeps headroom for a
// full session of 1-minute bars.
const DefaultRingCapacity = 400

// slot holds all per-symbol state. The slot table is built once at
// registration and never resized, so lookups are lock-free map reads.
type slot struct {
	instrument types.Instrument
	latest     atomic.Pointer[types.Tick]
	live       atomic.Bool

	aggMu   sync.Mutex
	current *types.Bar // open 1-minute bar being aggregated, nil before first tick
	rings   map[types.BarInterval]*historyRing
}

// Cache is the thread-safe snapshot of the symbol universe.
//
// Concurrency: put_tick writers take epochMu.RLock and swap the latest-tick
// pointer atomically; Snapshot takes epochMu.Lock to get a point-in-time
// consistent cut. Latest() and History() never touch epochMu at all, so
// readers never block writer forward progress.
type Cache struct {
	logger *zap.Logger

	slots   map[string]*slot
	epochMu sync.RWMutex

	stale time.Duration
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStaleThreshold overrides the tick staleness threshold (default 30s).
func WithStaleThreshold(d time.Duration) Option {
	return func(c *Cache) { c.stale = d }
}

// NewCache builds the cache for a fixed universe. The universe is immutable
// for the process lifetime; symbols cannot be added after construction.
func NewCache(logger *zap.Logger, universe []types.Instrument, opts ...Option) *Cache {
	c := &Cache{
		logger: logger.Named("marketdata"),
		slots:  make(map[string]*slot, len(universe)),
		stale:  30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, inst := range universe {
		c.slots[inst.Symbol] = &slot{
			instrument: inst,
			rings: map[types.BarInterval]*historyRing{
				types.Bar1m: newHistoryRing(types.Bar1m, DefaultRingCapacity),
				types.Bar5m: newHistoryRing(types.Bar5m, DefaultRingCapacity),
			},
		}
	}
	return c
}

// Instrument returns the registered instrument for a symbol.
func (c *Cache) Instrument(symbol string) (types.Instrument, bool) {
	s, ok := c.slots[symbol]
	if !ok {
		return types.Instrument{}, false
	}
	return s.instrument, true
}

// Universe returns all registered symbols.
func (c *Cache) Universe() []string {
	out := make([]string, 0, len(c.slots))
	for sym := range c.slots {
		out = append(out, sym)
	}
	return out
}

// PutTick overwrites the latest tick for a symbol and feeds the 1-minute
// aggregator. Unknown symbols are dropped silently; the feed subscribes to a
// superset of the universe during rollover windows.
func (c *Cache) PutTick(symbol string, tick types.Tick) {
	s, ok := c.slots[symbol]
	if !ok {
		return
	}

	// Reject time travel within a session; the feed can replay on reconnect.
	if prev := s.latest.Load(); prev != nil && tick.Timestamp.Before(prev.Timestamp) {
		return
	}

	c.epochMu.RLock()
	t := tick
	s.latest.Store(&t)
	c.epochMu.RUnlock()

	s.live.Store(true)
	c.aggregate(s, tick)
}

// aggregate folds a tick into the open 1-minute bar, sealing bars on minute
// rollover and rolling sealed 1-minute bars up into the 5-minute ring.
func (c *Cache) aggregate(s *slot, tick types.Tick) {
	minute := tick.Timestamp.Truncate(time.Minute)

	s.aggMu.Lock()
	defer s.aggMu.Unlock()

	if s.current != nil && minute.After(s.current.Start) {
		sealed := *s.current
		s.rings[types.Bar1m].append(sealed)
		c.rollUp(s, sealed)
		s.current = nil
	}

	if s.current == nil {
		s.current = &types.Bar{
			Symbol:   tick.Symbol,
			Open:     tick.LTP,
			High:     tick.LTP,
			Low:      tick.LTP,
			Close:    tick.LTP,
			Start:    minute,
			Interval: types.Bar1m,
		}
	}

	b := s.current
	if tick.LTP.GreaterThan(b.High) {
		b.High = tick.LTP
	}
	if tick.LTP.LessThan(b.Low) {
		b.Low = tick.LTP
	}
	b.Close = tick.LTP
	b.Volume += tick.Volume
}

// rollUp folds a sealed 1-minute bar into the 5-minute ring, sealing a
// 5-minute bar when its window completes.
func (c *Cache) rollUp(s *slot, oneMin types.Bar) {
	ring := s.rings[types.Bar5m]
	window := oneMin.Start.Truncate(5 * time.Minute)

	bars := ring.recent(1)
	// The 5m ring only holds closed windows; an open 5m window is rebuilt on
	// demand from the 1m ring, so here we only seal fully elapsed windows.
	if oneMin.Start.Sub(window) == 4*time.Minute {
		ones := s.rings[types.Bar1m].recent(5)
		sealed := types.Bar{Symbol: oneMin.Symbol, Start: window, Interval: types.Bar5m}
		first := true
		for _, b := range ones {
			if b.Start.Before(window) {
				continue
			}
			if first {
				sealed.Open = b.Open
				sealed.High = b.High
				sealed.Low = b.Low
				first = false
			}
			if b.High.GreaterThan(sealed.High) {
				sealed.High = b.High
			}
			if b.Low.LessThan(sealed.Low) || sealed.Low.IsZero() {
				sealed.Low = b.Low
			}
			sealed.Close = b.Close
			sealed.Volume += b.Volume
		}
		if !first {
			if n := len(bars); n == 0 || window.After(bars[n-1].Start) {
				ring.append(sealed)
			}
		}
	}
}

// Latest returns the last tick for a symbol and its age. The boolean is false
// when the symbol is unknown or has never ticked. Callers must treat
// age > the stale threshold as unusable.
func (c *Cache) Latest(symbol string) (types.Tick, time.Duration, bool) {
	s, ok := c.slots[symbol]
	if !ok {
		return types.Tick{}, 0, false
	}
	t := s.latest.Load()
	if t == nil {
		return types.Tick{}, 0, false
	}
	return *t, c.now().Sub(t.Timestamp), true
}

// Stale reports whether the symbol's latest tick is older than the threshold
// (or missing entirely).
func (c *Cache) Stale(symbol string) bool {
	_, age, ok := c.Latest(symbol)
	return !ok || age > c.stale
}

// Snapshot returns a point-in-time consistent view of the requested symbols.
// Missing or never-ticked symbols are omitted. All reads happen under one
// epoch lock so no writer can interleave mid-snapshot.
func (c *Cache) Snapshot(symbols []string) map[string]types.Tick {
	out := make(map[string]types.Tick, len(symbols))

	c.epochMu.Lock()
	for _, sym := range symbols {
		s, ok := c.slots[sym]
		if !ok {
			continue
		}
		if t := s.latest.Load(); t != nil {
			out[sym] = *t
		}
	}
	c.epochMu.Unlock()

	return out
}

// History returns the most recent n closed bars for a symbol, oldest first.
func (c *Cache) History(symbol string, interval types.BarInterval, n int) ([]types.Bar, error) {
	s, ok := c.slots[symbol]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	ring, ok := s.rings[interval]
	if !ok {
		return nil, ErrUnknownInterval
	}
	if n > ring.capacity {
		return nil, ErrCapacity
	}
	return ring.recent(n), nil
}

// Preload initializes a symbol's history rings from a historical query.
// It refuses once live ticks have been accepted for the symbol so a late
// preload can never rewrite history built from the feed.
func (c *Cache) Preload(symbol string, interval types.BarInterval, bars []types.Bar) error {
	s, ok := c.slots[symbol]
	if !ok {
		return ErrUnknownSymbol
	}
	if s.live.Load() {
		return ErrAlreadyLive
	}
	ring, ok := s.rings[interval]
	if !ok {
		return ErrUnknownInterval
	}
	ring.replace(bars)
	c.logger.Debug("history preloaded",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", ring.len()))
	return nil
}

// LastTradedPrice is a convenience for monitor code paths; returns zero when
// the symbol has no usable tick.
func (c *Cache) LastTradedPrice(symbol string) decimal.Decimal {
	t, age, ok := c.Latest(symbol)
	if !ok || age > c.stale {
		return decimal.Zero
	}
	return t.LTP
}
