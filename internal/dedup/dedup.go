package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Drop reasons reported alongside filtered signals.
const (
	ReasonDuplicateToday = "DUPLICATE_TODAY"
	ReasonLowQuality     = "LOW_QUALITY"
	ReasonSymbolDedup    = "SYMBOL_DEDUP"
)

// Rejection pairs a dropped signal with why it was dropped.
type Rejection struct {
	Signal types.Signal
	Reason string
}

// Config tunes the deduplicator.
type Config struct {
	MinQuality float64       `mapstructure:"min_quality"`
	KeyTTL     time.Duration `mapstructure:"key_ttl"`
}

func DefaultConfig() Config {
	return Config{MinQuality: 0.60, KeyTTL: 24 * time.Hour}
}

// Deduplicator runs the three-stage signal filter. Management and
// closing signals bypass every stage untouched.
type Deduplicator struct {
	logger   *zap.Logger
	cfg      Config
	kv       *fallbackKV
	view     HistoryView
	perf     *perfTracker
	priority map[string]int
	clock    func() time.Time
}

func New(logger *zap.Logger, cfg Config, primary KV, view HistoryView, priorities map[string]int) *Deduplicator {
	return &Deduplicator{
		logger:   logger.Named("dedup"),
		cfg:      cfg,
		kv:       newFallbackKV(logger.Named("dedup"), primary),
		view:     view,
		perf:     newPerfTracker(),
		priority: priorities,
		clock:    time.Now,
	}
}

// RecordOutcome feeds the per-strategy performance tracker.
func (d *Deduplicator) RecordOutcome(strategyID string, won bool) {
	d.perf.Record(strategyID, won)
}

// MarkExecuted stamps the broker order id onto the signal's day key so
// the execution record points at the order that consumed it.
func (d *Deduplicator) MarkExecuted(ctx context.Context, sig types.Signal, orderID string) {
	_ = d.kv.Set(ctx, d.key(sig), orderID, d.cfg.KeyTTL)
}

func (d *Deduplicator) key(sig types.Signal) string {
	return fmt.Sprintf("dedup:%s:%s:%s", d.clock().Format("2006-01-02"), sig.Symbol, sig.Action)
}

// Filter applies history, quality, and symbol stages to the batch and
// returns survivors plus rejections. The idempotency key for a
// surviving signal is written here; callers must treat survivors as
// spent for the day.
func (d *Deduplicator) Filter(ctx context.Context, batch []types.Signal, snapshot map[string]types.Tick, regime types.Regime) ([]types.Signal, []Rejection) {
	var (
		passed    []types.Signal
		rejected  []Rejection
		perSymbol = make(map[string][]types.Signal)
	)

	for _, sig := range batch {
		if sig.IsManagement() {
			passed = append(passed, sig)
			continue
		}

		// Stage 2: quality, checked before burning the idempotency key
		// so a low-quality signal does not block a better one later.
		q := qualityScore(d.view, sig, snapshot[sig.Symbol], regime)
		threshold := d.cfg.MinQuality * d.perf.ThresholdMultiplier(sig.StrategyID)
		if q < threshold {
			rejected = append(rejected, Rejection{Signal: sig, Reason: ReasonLowQuality})
			d.logger.Debug("signal below quality threshold",
				zap.String("symbol", sig.Symbol),
				zap.String("strategy", sig.StrategyID),
				zap.Float64("quality", q),
				zap.Float64("threshold", threshold))
			continue
		}
		perSymbol[sig.Symbol] = append(perSymbol[sig.Symbol], sig)
	}

	// Stage 3: one survivor per symbol.
	symbols := make([]string, 0, len(perSymbol))
	for sym := range perSymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		group := perSymbol[sym]
		bestIdx := d.pick(group)
		best := group[bestIdx]
		for i, sig := range group {
			if i != bestIdx {
				rejected = append(rejected, Rejection{Signal: sig, Reason: ReasonSymbolDedup})
			}
		}

		// Stage 1: idempotency, claimed only by the chosen signal.
		fresh, err := d.kv.SetIfAbsent(ctx, d.key(best), d.cfg.KeyTTL)
		if err != nil {
			// fallbackKV already degraded; an error here means even
			// local memory failed, which cannot happen. Let it pass.
			d.logger.Error("dedup store failure", zap.Error(err))
		}
		if !fresh && err == nil {
			rejected = append(rejected, Rejection{Signal: best, Reason: ReasonDuplicateToday})
			continue
		}
		passed = append(passed, best)
	}

	return passed, rejected
}

// pick selects the group winner: highest confidence, then earliest
// generation time, then strategy priority.
func (d *Deduplicator) pick(group []types.Signal) int {
	best := 0
	for i := 1; i < len(group); i++ {
		sig, cur := group[i], group[best]
		switch {
		case sig.Confidence > cur.Confidence:
			best = i
		case sig.Confidence == cur.Confidence && sig.GeneratedAt.Before(cur.GeneratedAt):
			best = i
		case sig.Confidence == cur.Confidence && sig.GeneratedAt.Equal(cur.GeneratedAt) &&
			d.priority[sig.StrategyID] < d.priority[cur.StrategyID]:
			best = i
		}
	}
	return best
}
