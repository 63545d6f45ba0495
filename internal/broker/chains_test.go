package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/broker"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// chainClient records the chain requests it serves.
type chainClient struct {
	broker.Client

	mu     sync.Mutex
	expiry time.Time
	calls  int
}

func (c *chainClient) OptionChain(_ context.Context, underlying string, expiry time.Time) (types.OptionChain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.expiry = expiry
	return types.OptionChain{Underlying: underlying, Expiry: expiry, FetchedAt: time.Now()}, nil
}

func TestChainRefreshRequestsUpcomingWeeklyExpiry(t *testing.T) {
	client := &chainClient{}
	cache := broker.NewChainCache(zap.NewNop(), client, []string{"NIFTY"}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache.Start(ctx)
	defer cache.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		fetched := client.calls > 0
		client.mu.Unlock()
		if fetched {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.mu.Lock()
	expiry := client.expiry
	calls := client.calls
	client.mu.Unlock()
	if calls == 0 {
		t.Fatal("chain never fetched")
	}
	if expiry.Weekday() != time.Thursday {
		t.Errorf("expiry weekday = %s, want Thursday", expiry.Weekday())
	}
	today := time.Now()
	startOfDay := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	if expiry.Before(startOfDay) {
		t.Errorf("expiry %s is in the past", expiry.Format("2006-01-02"))
	}
	if expiry.Sub(startOfDay) > 7*24*time.Hour {
		t.Errorf("expiry %s is more than a week out", expiry.Format("2006-01-02"))
	}

	if _, ok := cache.Chain("NIFTY"); !ok {
		t.Error("fetched chain not served")
	}
}
