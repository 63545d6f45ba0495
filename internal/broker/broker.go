// Package broker defines the order-routing interface to the execution broker
// and a rate-limited REST adapter implementing it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

var (
	// ErrBrokerTransient marks a retryable failure (network, 5xx, throttling
	// at the broker edge). Retried inside the client up to the retry budget.
	ErrBrokerTransient = errors.New("broker: transient failure")
	// ErrAuth marks a revoked or invalid session. Never retried.
	ErrAuth = errors.New("broker: authentication failed")
	// ErrRateLimited is returned when the local token bucket cannot supply a
	// token within the acquire timeout.
	ErrRateLimited = errors.New("broker: local rate limit exceeded")
)

// RejectError is a broker business rejection. Never retried.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker: order rejected [%s] %s", e.Code, e.Message)
}

// IsReject reports whether err is a broker business rejection.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// Client is the capability set the trading core needs from a broker.
// All methods may return ErrBrokerTransient, *RejectError, or ErrAuth.
type Client interface {
	PlaceOrder(ctx context.Context, params types.OrderParams) (orderID string, err error)
	ModifyOrder(ctx context.Context, orderID string, params types.OrderParams) error
	CancelOrder(ctx context.Context, orderID string) error
	Orders(ctx context.Context) ([]types.BrokerOrder, error)
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
	Margins(ctx context.Context) (types.Margin, error)
	OptionChain(ctx context.Context, underlying string, expiry time.Time) (types.OptionChain, error)
	LTP(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	Authenticated() bool
}
