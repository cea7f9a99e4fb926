package ports

import (
	"context"

	"leverbot/internal/domain"
)

// Score is the output of the external signal/ML collaborator.
type Score struct {
	Direction  domain.Side
	Confidence float64 // in [0,1]
}

// SignalScorer is the opaque oracle producing trade candidates. It is a pure
// function of the supplied market view; the execution core never inspects how
// the score was computed.
type SignalScorer interface {
	Score(ctx context.Context, symbol string, price float64, realizedVol float64) (Score, error)
}

// TrendOracle answers whether momentum supports extending a take-profit
// target further from entry. Supplied by the same external collaborator as
// the scorer; the position manager only consults it below the lock threshold.
type TrendOracle interface {
	TrendContinuation(ctx context.Context, symbol string, side domain.Side, price float64) bool
}
