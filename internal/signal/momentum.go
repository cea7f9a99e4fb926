// Package signal holds the built-in trade scorer. The execution core treats
// the scorer as an opaque oracle behind ports.SignalScorer; this default
// implementation ranks momentum from a rolling window of observed ticks and
// can be swapped out without touching the core.
package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"leverbot/internal/domain"
	"leverbot/internal/ports"
)

// Config holds parameters for the momentum scorer.
type Config struct {
	ShortWindow   int     // e.g., 20
	LongWindow    int     // e.g., 60
	RSIWindow     int     // e.g., 14
	RSIOverbought float64 // e.g., 70.0
	RSIOversold   float64 // e.g., 30.0
}

// Scorer implements ports.SignalScorer and ports.TrendOracle from a rolling
// per-symbol price series fed by Observe.
type Scorer struct {
	cfg    Config
	logger ports.Logger

	mu     sync.RWMutex
	series map[string][]float64
}

// New creates a momentum scorer.
func New(cfg Config, logger ports.Logger) (*Scorer, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required for momentum scorer", ports.ErrConfigurationError)
	}
	if cfg.ShortWindow <= 0 || cfg.LongWindow <= 0 || cfg.RSIWindow <= 0 {
		return nil, fmt.Errorf("%w: scorer windows must be positive", ports.ErrConfigurationError)
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return nil, fmt.Errorf("%w: short window must be less than long window", ports.ErrConfigurationError)
	}
	if cfg.RSIOverbought <= cfg.RSIOversold || cfg.RSIOverbought > 100 || cfg.RSIOversold < 0 {
		return nil, fmt.Errorf("%w: RSI thresholds must satisfy 0 <= oversold < overbought <= 100", ports.ErrConfigurationError)
	}
	return &Scorer{
		cfg:    cfg,
		logger: logger,
		series: make(map[string][]float64),
	}, nil
}

// retained returns how many samples the scorer keeps per symbol.
func (s *Scorer) retained() int {
	n := s.cfg.LongWindow
	if s.cfg.RSIWindow+1 > n {
		n = s.cfg.RSIWindow + 1
	}
	return n + 1
}

// Observe appends an accepted tick to the symbol's series. The signature
// matches marketdata.TickHandler so it can be registered directly.
func (s *Scorer) Observe(ctx context.Context, tick domain.PriceTick) {
	if tick.Symbol == "" || tick.Price <= 0 || math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	series := append(s.series[tick.Symbol], tick.Price)
	if max := s.retained(); len(series) > max {
		series = series[len(series)-max:]
	}
	s.series[tick.Symbol] = series
}

// RealizedVol returns the standard deviation of returns over the retained
// window as a price fraction, 0 until enough samples exist.
func (s *Scorer) RealizedVol(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.series[symbol]
	if len(series) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(series)-1)
	var mean float64
	for i := 1; i < len(series); i++ {
		r := series[i]/series[i-1] - 1
		returns = append(returns, r)
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// Score evaluates the symbol's momentum. Direction is long when the short
// average is above the long average with the RSI off its overbought level,
// and symmetric for shorts. Confidence is the average spread relative to
// recent volatility, clamped to [0,1]. Zero confidence means no candidate.
func (s *Scorer) Score(ctx context.Context, symbol string, price float64, realizedVol float64) (ports.Score, error) {
	s.mu.RLock()
	series := append([]float64(nil), s.series[symbol]...)
	s.mu.RUnlock()

	if len(series) < s.cfg.LongWindow || len(series) <= s.cfg.RSIWindow {
		return ports.Score{}, fmt.Errorf("%w: %d samples for %s, need %d", ports.ErrInvalidMarketData, len(series), symbol, s.retained()-1)
	}

	shortMA := average(series[len(series)-s.cfg.ShortWindow:])
	longMA := average(series[len(series)-s.cfg.LongWindow:])
	rsi := wilderRSI(series, s.cfg.RSIWindow)

	var direction domain.Side
	switch {
	case shortMA > longMA && rsi < s.cfg.RSIOverbought:
		direction = domain.Long
	case shortMA < longMA && rsi > s.cfg.RSIOversold:
		direction = domain.Short
	default:
		return ports.Score{}, nil
	}

	// Normalize the spread by volatility so a quiet market needs a smaller
	// absolute move to score the same confidence.
	vol := realizedVol
	if vol <= 0 {
		vol = s.RealizedVol(symbol)
	}
	if vol <= 0 {
		return ports.Score{}, nil
	}
	confidence := math.Abs(shortMA-longMA) / price / vol
	if confidence > 1 {
		confidence = 1
	}

	s.logger.Debug(ctx, "Momentum score", map[string]interface{}{
		"symbol": symbol, "direction": direction, "confidence": confidence,
		"shortMA": shortMA, "longMA": longMA, "rsi": rsi,
	})
	return ports.Score{Direction: direction, Confidence: confidence}, nil
}

// TrendContinuation reports whether momentum still supports the position's
// direction: the short average remains on the favorable side of the long
// average and price has not fallen back through the short average.
func (s *Scorer) TrendContinuation(ctx context.Context, symbol string, side domain.Side, price float64) bool {
	s.mu.RLock()
	series := append([]float64(nil), s.series[symbol]...)
	s.mu.RUnlock()

	if len(series) < s.cfg.LongWindow {
		return false
	}
	shortMA := average(series[len(series)-s.cfg.ShortWindow:])
	longMA := average(series[len(series)-s.cfg.LongWindow:])

	dir := side.Direction()
	return dir*(shortMA-longMA) > 0 && dir*(price-shortMA) >= 0
}

func average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// wilderRSI calculates the Relative Strength Index using Wilder's smoothing.
func wilderRSI(series []float64, period int) float64 {
	changes := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		changes = append(changes, series[i]-series[i-1])
	}

	var avgGain, avgLoss float64
	for i := 0; i < period; i++ {
		if changes[i] > 0 {
			avgGain += changes[i]
		} else {
			avgLoss -= changes[i]
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period; i < len(changes); i++ {
		if changes[i] > 0 {
			avgGain = (avgGain*float64(period-1) + changes[i]) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) - changes[i]) / float64(period)
		}
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50 // Neutral if no change
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
