package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// RESTConfig configures the REST broker adapter.
type RESTConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	CallTimeout time.Duration // per attempt, default 5s
	MaxRetries  int           // transient-only retry budget, default 3
}

// RESTClient adapts a Kite-style broker REST API to the Client interface.
//
// Order mutations (place/modify/cancel) share one token bucket. Transient
// failures are retried with exponential backoff capped at 1s; business
// rejects and auth failures are never retried. Every retried place carries
// the same client order id so broker-side duplicates resolve to one order.
type RESTClient struct {
	http    *resty.Client
	limiter *OrderLimiter
	logger  *zap.Logger

	maxRetries int
	authed     atomic.Bool
}

// orderResponse is the broker's envelope for order mutations.
type orderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

type listResponse[T any] struct {
	Status string `json:"status"`
	Data   []T    `json:"data"`
}

type objectResponse[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

// NewRESTClient creates the adapter. The limiter is shared with any other
// broker callers in the process so the outbound budget is global.
func NewRESTClient(cfg RESTConfig, limiter *OrderLimiter, logger *zap.Logger) *RESTClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.AccessToken))

	c := &RESTClient{
		http:       httpClient,
		limiter:    limiter,
		logger:     logger.Named("broker"),
		maxRetries: cfg.MaxRetries,
	}
	c.authed.Store(cfg.AccessToken != "")
	return c
}

// Authenticated reports whether the session token is present and not revoked.
func (c *RESTClient) Authenticated() bool { return c.authed.Load() }

// classify maps an HTTP outcome onto the broker error kinds.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerTransient, err)
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", ErrBrokerTransient, code)
	default:
		return &RejectError{Code: fmt.Sprintf("HTTP_%d", code), Message: resp.String()}
	}
}

// withRetry runs fn with the transient-only retry policy: up to maxRetries
// attempts, exponential backoff capped at 1s.
func (c *RESTClient) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if IsReject(err) || err == ErrAuth {
			if err == ErrAuth {
				c.authed.Store(false)
			}
			return err
		}
		c.logger.Warn("transient broker failure, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

// PlaceOrder submits an order. The params' ClientOrderID is forwarded so a
// retried submission that already reached the broker resolves to the same
// order, and is additionally encoded into the tag for brokers that drop it.
func (c *RESTClient) PlaceOrder(ctx context.Context, params types.OrderParams) (string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	var out orderResponse
	err := c.withRetry(ctx, "place_order", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(params).
			SetResult(&out).
			Post("/orders/regular")
		if cerr := classify(resp, err); cerr != nil {
			return cerr
		}
		if out.Status != "success" {
			return &RejectError{Code: out.ErrorType, Message: out.Message}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.Data.OrderID, nil
}

// ModifyOrder mutates price/trigger/quantity on a pending order.
func (c *RESTClient) ModifyOrder(ctx context.Context, orderID string, params types.OrderParams) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	var out orderResponse
	return c.withRetry(ctx, "modify_order", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(params).
			SetResult(&out).
			Put("/orders/regular/" + orderID)
		if cerr := classify(resp, err); cerr != nil {
			return cerr
		}
		if out.Status != "success" {
			return &RejectError{Code: out.ErrorType, Message: out.Message}
		}
		return nil
	})
}

// CancelOrder cancels a pending order. Shares the mutation token bucket.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	var out orderResponse
	return c.withRetry(ctx, "cancel_order", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Delete("/orders/regular/" + orderID)
		if cerr := classify(resp, err); cerr != nil {
			return cerr
		}
		if out.Status != "success" {
			return &RejectError{Code: out.ErrorType, Message: out.Message}
		}
		return nil
	})
}

// Orders returns today's order book as reflected by the broker.
func (c *RESTClient) Orders(ctx context.Context) ([]types.BrokerOrder, error) {
	var out listResponse[types.BrokerOrder]
	err := c.withRetry(ctx, "orders", func() error {
		resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/orders")
		return classify(resp, err)
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Positions returns the broker's net positions.
func (c *RESTClient) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	var out listResponse[types.BrokerPosition]
	err := c.withRetry(ctx, "positions", func() error {
		resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/portfolio/positions")
		return classify(resp, err)
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Margins returns the available funds snapshot.
func (c *RESTClient) Margins(ctx context.Context) (types.Margin, error) {
	var out objectResponse[types.Margin]
	err := c.withRetry(ctx, "margins", func() error {
		resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/user/margins")
		return classify(resp, err)
	})
	if err != nil {
		return types.Margin{}, err
	}
	return out.Data, nil
}

// OptionChain fetches the chain for an underlying and expiry.
func (c *RESTClient) OptionChain(ctx context.Context, underlying string, expiry time.Time) (types.OptionChain, error) {
	var out objectResponse[types.OptionChain]
	err := c.withRetry(ctx, "option_chain", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("underlying", underlying).
			SetQueryParam("expiry", expiry.Format("2006-01-02")).
			SetResult(&out).
			Get("/options/chain")
		return classify(resp, err)
	})
	if err != nil {
		return types.OptionChain{}, err
	}
	return out.Data, nil
}

// LTP fetches last traded prices; the fallback path when the feed is stale.
func (c *RESTClient) LTP(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	var out objectResponse[map[string]decimal.Decimal]
	err := c.withRetry(ctx, "ltp", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(url.Values{"i": symbols}).
			SetResult(&out).
			Get("/quote/ltp")
		return classify(resp, err)
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// HistoricalBars fetches candles for warm-up preloads. Not part of the
// Client interface; only the bootstrap path needs it.
func (c *RESTClient) HistoricalBars(ctx context.Context, symbol string, interval types.BarInterval, from, to time.Time) ([]types.Bar, error) {
	var out listResponse[types.Bar]
	err := c.withRetry(ctx, "historical", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetQueryParam("interval", string(interval)).
			SetQueryParam("from", from.Format(time.RFC3339)).
			SetQueryParam("to", to.Format(time.RFC3339)).
			SetResult(&out).
			Get("/historical/candles")
		return classify(resp, err)
	})
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i].Symbol = symbol
		out.Data[i].Interval = interval
	}
	return out.Data, nil
}
