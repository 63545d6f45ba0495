package strategy

import (
	"math"
	"testing"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

func TestPutCallParity(t *testing.T) {
	spot, strike, tm, iv, r := 25000.0, 25000.0, 30.0/365, 0.18, 0.065

	call := bsPrice(types.OptionCall, spot, strike, tm, iv, r)
	put := bsPrice(types.OptionPut, spot, strike, tm, iv, r)

	// C - P = S - K*exp(-rT)
	lhs := call - put
	rhs := spot - strike*math.Exp(-r*tm)
	if math.Abs(lhs-rhs) > 1e-6 {
		t.Errorf("parity violated: C-P = %f, S-Ke^-rT = %f", lhs, rhs)
	}
}

func TestPriceDegeneratesToIntrinsic(t *testing.T) {
	// Zero time to expiry collapses to intrinsic value.
	if got := bsPrice(types.OptionCall, 25100, 25000, 0, 0.18, 0.065); math.Abs(got-100) > 1e-9 {
		t.Errorf("expired ITM call = %f, want 100", got)
	}
	if got := bsPrice(types.OptionPut, 25100, 25000, 0, 0.18, 0.065); got != 0 {
		t.Errorf("expired OTM put = %f, want 0", got)
	}
}

func TestDeltaBounds(t *testing.T) {
	tm, iv, r := 30.0/365, 0.18, 0.065

	deepITM := bsDelta(types.OptionCall, 26000, 24000, tm, iv, r)
	if deepITM < 0.95 || deepITM > 1.0 {
		t.Errorf("deep ITM call delta = %f, want near 1", deepITM)
	}
	// An 8% OTM strike a month out still carries meaningful delta at
	// 18% vol, so the bound is loose rather than near-zero.
	deepOTM := bsDelta(types.OptionCall, 24000, 26000, tm, iv, r)
	if deepOTM > 0.10 || deepOTM < 0 {
		t.Errorf("deep OTM call delta = %f, want small", deepOTM)
	}
	atmPut := bsDelta(types.OptionPut, 25000, 25000, tm, iv, r)
	if atmPut > -0.3 || atmPut < -0.7 {
		t.Errorf("ATM put delta = %f, want around -0.5", atmPut)
	}
}

func TestImpliedVolRoundTrip(t *testing.T) {
	spot, strike, tm, r := 25000.0, 25200.0, 20.0/365, 0.065
	for _, iv := range []float64{0.10, 0.18, 0.45} {
		price := bsPrice(types.OptionCall, spot, strike, tm, iv, r)
		got := impliedVol(types.OptionCall, price, spot, strike, tm, r)
		if math.Abs(got-iv) > 1e-3 {
			t.Errorf("IV round trip: in %f, out %f", iv, got)
		}
	}
}

func TestRSIExtremes(t *testing.T) {
	rising := make([]float64, 30)
	falling := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 200 - float64(i)
	}
	if got := rsi(rising, 14); got < 99 {
		t.Errorf("RSI of a pure uptrend = %f, want ~100", got)
	}
	if got := rsi(falling, 14); got > 1 {
		t.Errorf("RSI of a pure downtrend = %f, want ~0", got)
	}
}

func TestMomentumFractionalMove(t *testing.T) {
	values := []float64{100, 101, 102, 103, 104, 110}
	got := momentum(values, 5)
	want := (110.0 - 100.0) / 100.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("momentum = %f, want %f", got, want)
	}
}

func TestHPTrendSlopeSign(t *testing.T) {
	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + 0.5*float64(i)
	}
	_, slope := hpTrend(up, 1600)
	if slope <= 0 {
		t.Errorf("slope = %f on a rising series, want > 0", slope)
	}
}

func TestZScoreOfOutlier(t *testing.T) {
	values := make([]float64, 31)
	for i := range values {
		values[i] = 100
	}
	values[30] = 110
	got := zscore(values, 30)
	if got <= 2 {
		t.Errorf("zscore = %f for a lone spike, want large positive", got)
	}
}
