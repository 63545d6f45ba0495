package strategy

import (
	"math"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// closes extracts bar closes as float64 for indicator math.
func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func volumes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

// ema computes an exponential moving average series.
func ema(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	mult := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*mult + out[i-1]*(1-mult)
	}
	return out
}

// rsi computes Wilder's RSI over the close series; returns the latest value.
func rsi(values []float64, period int) float64 {
	if len(values) <= period {
		return 50
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macd returns the latest MACD line and signal line (12/26/9).
func macd(values []float64) (line, signal float64) {
	if len(values) < 26 {
		return 0, 0
	}
	fast := ema(values, 12)
	slow := ema(values, 26)
	diff := make([]float64, len(values))
	for i := range values {
		diff[i] = fast[i] - slow[i]
	}
	sig := ema(diff, 9)
	return diff[len(diff)-1], sig[len(sig)-1]
}

// momentum returns the fractional change over the last n values.
func momentum(values []float64, n int) float64 {
	if len(values) <= n || values[len(values)-1-n] == 0 {
		return 0
	}
	past := values[len(values)-1-n]
	return (values[len(values)-1] - past) / past
}

// hpTrend extracts a smoothed trend level via a one-sided
// Hodrick-Prescott-style double exponential filter, returning the latest
// trend value and its last-step slope.
func hpTrend(values []float64, lambda float64) (level, slope float64) {
	if len(values) < 3 {
		if len(values) > 0 {
			return values[len(values)-1], 0
		}
		return 0, 0
	}
	// Smoothing weight derived from lambda the way the discrete filter's
	// frequency response suggests; keeps the knob in familiar HP units.
	alpha := 1.0 / (1.0 + math.Pow(lambda, 0.25))
	trend := values[0]
	drift := 0.0
	for i := 1; i < len(values); i++ {
		prev := trend
		trend = alpha*values[i] + (1-alpha)*(trend+drift)
		drift = 0.5*drift + 0.5*(trend-prev)
	}
	return trend, drift
}

// zscore returns the standard score of the last value against the window.
func zscore(values []float64, window int) float64 {
	if len(values) < window || window < 2 {
		return 0
	}
	tail := values[len(values)-window:]
	mean := 0.0
	for _, v := range tail {
		mean += v
	}
	mean /= float64(window)
	variance := 0.0
	for _, v := range tail {
		d := v - mean
		variance += d * d
	}
	variance /= float64(window - 1)
	if variance == 0 {
		return 0
	}
	return (tail[len(tail)-1] - mean) / math.Sqrt(variance)
}

// mean of the last n values; whole slice when n exceeds its length.
func meanLast(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	if n > len(values) {
		n = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}
