package broker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CapitalCache polls the margins endpoint in the background and serves the
// last good available-cash figure to sizing and the portfolio gate. Sizing
// must never block on a broker round trip, and a transient margins failure
// must not zero out the risk budget mid-session.
type CapitalCache struct {
	logger   *zap.Logger
	client   Client
	interval time.Duration

	mu      sync.RWMutex
	capital decimal.Decimal

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCapitalCache seeds the cache with an initial figure used until the
// first successful poll.
func NewCapitalCache(logger *zap.Logger, client Client, interval time.Duration, seed decimal.Decimal) *CapitalCache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CapitalCache{
		logger:   logger.Named("capital"),
		client:   client,
		interval: interval,
		capital:  seed,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start polls immediately, then on the interval, until Stop or ctx cancel.
func (c *CapitalCache) Start(ctx context.Context) {
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

// Stop halts the poll loop.
func (c *CapitalCache) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Capital returns the last good available-cash figure.
func (c *CapitalCache) Capital() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capital
}

func (c *CapitalCache) refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	margin, err := c.client.Margins(callCtx)
	if err != nil {
		c.logger.Warn("margins poll failed, keeping last figure", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.capital = margin.AvailableCash
	c.mu.Unlock()
}
