package persona

import (
	"context"
	"fmt"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// NewTechnicals builds the price-action persona: multi-horizon momentum
// with volume confirmation, an EMA crossover trend read and an RSI band.
// Series are most recent first, matching the provider vocabulary.
func NewTechnicals(spec strategy.Spec) (engine.Node, error) {
	key := produceKey(spec)
	return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
		prices, priceErr := snap.FetchSeries(ctx, "price_history")
		if priceErr != nil {
			return nil, nil, priceErr
		}
		volumes, _ := snap.FetchSeries(ctx, "volume_history")

		momentum := &analysis{Name: "momentum", MaxScore: 10}
		momentum.Score = 5
		if len(prices) < 64 {
			momentum.note("insufficient price data for momentum analysis (need at least 63 returns)")
		} else {
			returns := dailyReturns(prices)
			mom1m := sumHead(returns, 21)
			mom3m := sumHead(returns, 63)
			mom6m := sumHead(returns, 126)
			weighted := 0.4*mom1m + 0.3*mom3m + 0.3*mom6m

			volumeRatio := 1.0
			if len(volumes) >= 21 {
				avg := 0.0
				for _, v := range volumes[:21] {
					avg += v
				}
				avg /= 21
				if avg > 0 {
					volumeRatio = volumes[0] / avg
				}
			}
			confirmed := volumeRatio > 1.0

			switch {
			case weighted > 5 && confirmed:
				momentum.add(2, fmt.Sprintf("strong bullish momentum with volume confirmation (1M %+.1f%%, 3M %+.1f%%, 6M %+.1f%%)", mom1m, mom3m, mom6m))
			case weighted > 2:
				momentum.add(1, fmt.Sprintf("moderate bullish momentum (1M %+.1f%%, 3M %+.1f%%, 6M %+.1f%%)", mom1m, mom3m, mom6m))
			case weighted < -5 && confirmed:
				momentum.add(-2, fmt.Sprintf("strong bearish momentum with volume confirmation (1M %+.1f%%, 3M %+.1f%%, 6M %+.1f%%)", mom1m, mom3m, mom6m))
			case weighted < -2:
				momentum.add(-1, fmt.Sprintf("moderate bearish momentum (1M %+.1f%%, 3M %+.1f%%, 6M %+.1f%%)", mom1m, mom3m, mom6m))
			default:
				momentum.note(fmt.Sprintf("neutral momentum (1M %+.1f%%, 3M %+.1f%%, 6M %+.1f%%)", mom1m, mom3m, mom6m))
			}
			if volumeRatio > 1.5 {
				if weighted > 0 {
					momentum.add(0.5, fmt.Sprintf("strong volume confirmation (%.2fx average)", volumeRatio))
				} else {
					momentum.add(-0.5, fmt.Sprintf("bearish volume divergence (%.2fx average)", volumeRatio))
				}
			}
		}
		clampScore(momentum)

		trend := &analysis{Name: "trend", MaxScore: 10}
		trend.Score = 5
		if len(prices) < 55 {
			trend.note("insufficient price data for trend analysis (need at least 55 days)")
		} else {
			ema8 := ema(prices, 8)
			ema21 := ema(prices, 21)
			ema55 := ema(prices, 55)
			switch {
			case ema8 > ema21 && ema21 > ema55:
				trend.add(2, fmt.Sprintf("bullish EMA alignment (8 %.2f > 21 %.2f > 55 %.2f)", ema8, ema21, ema55))
			case ema8 < ema21 && ema21 < ema55:
				trend.add(-2, fmt.Sprintf("bearish EMA alignment (8 %.2f < 21 %.2f < 55 %.2f)", ema8, ema21, ema55))
			case ema8 > ema21:
				trend.add(1, "short-term EMA above medium-term, early uptrend")
			case ema8 < ema21:
				trend.add(-1, "short-term EMA below medium-term, early downtrend")
			default:
				trend.note("flat EMA structure, no clear trend")
			}
		}
		clampScore(trend)

		rsiA := &analysis{Name: "rsi", MaxScore: 10}
		rsiA.Score = 5
		if len(prices) < 15 {
			rsiA.note("insufficient price data for RSI")
		} else {
			r := rsi(prices, 14)
			switch {
			case r < 30:
				rsiA.add(2, fmt.Sprintf("oversold (RSI %.1f), mean-reversion setup", r))
			case r < 40:
				rsiA.add(1, fmt.Sprintf("approaching oversold (RSI %.1f)", r))
			case r > 70:
				rsiA.add(-2, fmt.Sprintf("overbought (RSI %.1f), pullback risk", r))
			case r > 60:
				rsiA.add(-1, fmt.Sprintf("approaching overbought (RSI %.1f)", r))
			default:
				rsiA.note(fmt.Sprintf("RSI in neutral band (%.1f)", r))
			}
		}
		clampScore(rsiA)

		dir, conf, rationale := verdict(momentum, trend, rsiA)
		sig := &schema.Signal{
			SourceNodeID: spec.NodeID,
			Direction:    dir,
			Confidence:   conf,
			Rationale:    rationale,
			Metrics:      scoreMetrics(momentum, trend, rsiA),
		}

		var patch state.Patch
		if key != "" {
			patch = state.NewPatch().Set(key, breakdown(momentum, trend, rsiA))
		}
		return sig, patch, nil
	}), nil
}

func clampScore(a *analysis) {
	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score > a.MaxScore {
		a.Score = a.MaxScore
	}
}

// dailyReturns converts a most-recent-first close series into percentage
// returns, also most recent first.
func dailyReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 0; i < len(prices)-1; i++ {
		prev := prices[i+1]
		if prev > 0 {
			out = append(out, (prices[i]-prev)/prev*100)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

// sumHead sums at most the first n entries. Returns whatever it can when
// the series is shorter than the window.
func sumHead(vals []float64, n int) float64 {
	if n > len(vals) {
		n = len(vals)
	}
	var total float64
	for _, v := range vals[:n] {
		total += v
	}
	return total
}

// ema computes an exponential moving average over the last period closes,
// seeded from the oldest value in the window.
func ema(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	window := prices[:period]
	multiplier := 2.0 / float64(period+1)
	v := window[period-1]
	for i := period - 2; i >= 0; i-- {
		v = window[i]*multiplier + v*(1-multiplier)
	}
	return v
}

// rsi computes a simple-average RSI over the given period.
func rsi(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}
	var gains, losses float64
	for i := 0; i < period; i++ {
		delta := prices[i] - prices[i+1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}
