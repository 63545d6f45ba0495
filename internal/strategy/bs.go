package strategy

import (
	"math"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// bsPrice returns the Black-Scholes price of a European option.
// spot and strike in rupees, t in years, iv annualized, r the
// risk-free rate.
func bsPrice(kind types.OptionKind, spot, strike, t, iv, r float64) float64 {
	if t <= 0 || iv <= 0 || spot <= 0 || strike <= 0 {
		// Expired or degenerate: intrinsic value.
		if kind == types.OptionCall {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}
	d1 := (math.Log(spot/strike) + (r+iv*iv/2)*t) / (iv * math.Sqrt(t))
	d2 := d1 - iv*math.Sqrt(t)
	if kind == types.OptionCall {
		return spot*normCDF(d1) - strike*math.Exp(-r*t)*normCDF(d2)
	}
	return strike*math.Exp(-r*t)*normCDF(-d2) - spot*normCDF(-d1)
}

// bsDelta returns the option delta.
func bsDelta(kind types.OptionKind, spot, strike, t, iv, r float64) float64 {
	if t <= 0 || iv <= 0 || spot <= 0 || strike <= 0 {
		return 0
	}
	d1 := (math.Log(spot/strike) + (r+iv*iv/2)*t) / (iv * math.Sqrt(t))
	if kind == types.OptionCall {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// bsVega returns the price sensitivity to a one-point IV move.
func bsVega(spot, strike, t, iv, r float64) float64 {
	if t <= 0 || iv <= 0 || spot <= 0 || strike <= 0 {
		return 0
	}
	d1 := (math.Log(spot/strike) + (r+iv*iv/2)*t) / (iv * math.Sqrt(t))
	return spot * normPDF(d1) * math.Sqrt(t)
}

// impliedVol backs out IV from a market price via Newton iterations
// with a bisection fallback when vega collapses. Returns 0 when no
// sensible vol reproduces the price.
func impliedVol(kind types.OptionKind, price, spot, strike, t, r float64) float64 {
	if price <= 0 || t <= 0 || spot <= 0 || strike <= 0 {
		return 0
	}
	iv := 0.25
	for i := 0; i < 50; i++ {
		diff := bsPrice(kind, spot, strike, t, iv, r) - price
		if math.Abs(diff) < 1e-6 {
			return iv
		}
		vega := bsVega(spot, strike, t, iv, r)
		if vega < 1e-8 {
			break
		}
		iv -= diff / vega
		if iv <= 0.001 || iv > 5 {
			break
		}
	}
	// Bisection over a wide bracket.
	lo, hi := 0.001, 5.0
	if bsPrice(kind, spot, strike, t, lo, r) > price || bsPrice(kind, spot, strike, t, hi, r) < price {
		return 0
	}
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if bsPrice(kind, spot, strike, t, mid, r) < price {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}
