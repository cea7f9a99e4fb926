package risk

import "math"

// KellyFraction returns the capital fraction to risk for a bet with win
// probability p and win/loss payoff ratio b, clamped to [floor, ceiling].
// Degenerate inputs (b <= 0, p <= 0, or no usable probability) return the
// floor; certainty (p >= 1) returns the ceiling.
func KellyFraction(p, b, floor, ceiling float64) float64 {
	if b <= 0 || p <= 0 || math.IsNaN(p) || math.IsNaN(b) {
		return floor
	}
	if p >= 1 {
		return ceiling
	}
	q := 1 - p
	f := (p*b - q) / b
	return clamp(f, floor, ceiling)
}

// BetaPosterior is the posterior over the win rate given observed outcomes
// and an informative Beta prior.
type BetaPosterior struct {
	Mean     float64
	Variance float64
	Low95    float64
	High95   float64
}

// BayesianWinRate folds wins and losses into a Beta(alpha0, beta0) prior.
// The informative prior keeps small samples from producing over-confident
// estimates (cold-start handling); callers feed it a rolling window so stale
// regimes decay.
func BayesianWinRate(wins, losses int, alpha0, beta0 float64) BetaPosterior {
	alpha := alpha0 + float64(wins)
	beta := beta0 + float64(losses)
	total := alpha + beta
	mean := alpha / total
	variance := alpha * beta / (total * total * (total + 1))
	sd := math.Sqrt(variance)
	return BetaPosterior{
		Mean:     mean,
		Variance: variance,
		Low95:    clamp(mean-1.96*sd, 0, 1),
		High95:   clamp(mean+1.96*sd, 0, 1),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
