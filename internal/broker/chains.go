package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// ChainCache periodically fetches option chains for the configured
// underlyings and serves the latest copy without blocking readers.
type ChainCache struct {
	logger      *zap.Logger
	client      Client
	underlyings []string
	interval    time.Duration

	mu     sync.RWMutex
	chains map[string]types.OptionChain

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewChainCache(logger *zap.Logger, client Client, underlyings []string, interval time.Duration) *ChainCache {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ChainCache{
		logger:      logger.Named("chains"),
		client:      client,
		underlyings: underlyings,
		interval:    interval,
		chains:      make(map[string]types.OptionChain),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the refresh loop. Fetch failures keep the previous
// chain; staleness is the consumer's concern.
func (c *ChainCache) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		c.refresh(ctx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

func (c *ChainCache) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// nextWeeklyExpiry returns the upcoming weekly expiry date. Index
// weeklies expire on Thursday; the expiry day itself still counts.
func nextWeeklyExpiry(now time.Time) time.Time {
	days := (int(time.Thursday) - int(now.Weekday()) + 7) % 7
	d := now.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
}

func (c *ChainCache) refresh(ctx context.Context) {
	expiry := nextWeeklyExpiry(time.Now())
	for _, underlying := range c.underlyings {
		chain, err := c.client.OptionChain(ctx, underlying, expiry)
		if err != nil {
			c.logger.Warn("chain refresh failed",
				zap.String("underlying", underlying),
				zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.chains[underlying] = chain
		c.mu.Unlock()
	}
}

// Chain returns the latest fetched chain for the underlying.
func (c *ChainCache) Chain(underlying string) (types.OptionChain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain, ok := c.chains[underlying]
	return chain, ok
}
