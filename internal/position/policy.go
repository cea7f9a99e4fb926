package position

import (
	"time"

	"leverbot/internal/domain"
)

// stopPolicy proposes a tighter stop for an open position. Policies form a
// closed set evaluated in fixed priority order on every tick; each returns
// no effect or a direction-consistent level. The manager applies a proposal
// only if it tightens the stop and stays on the favorable side of the
// current price, so no policy can loosen protection.
type stopPolicy interface {
	name() string
	propose(pos *domain.Position, price float64, now time.Time) (stop float64, ok bool)
}

// breakevenPolicy moves the stop to entry plus a small buffer once the
// leveraged return reaches the trigger. The buffer keeps a breakeven exit
// net-positive after fees.
type breakevenPolicy struct {
	trigger float64 // leveraged return that arms the move (e.g. 0.02)
	buffer  float64 // price fraction past entry (e.g. 0.001)
}

func (p breakevenPolicy) name() string { return "breakeven" }

func (p breakevenPolicy) propose(pos *domain.Position, price float64, _ time.Time) (float64, bool) {
	if pos.Trailing != domain.TrailingArmed {
		return 0, false
	}
	if pos.LeveragedReturn(price) < p.trigger {
		return 0, false
	}
	return pos.EntryPrice * (1 + pos.Side.Direction()*p.buffer), true
}

// chandelierPolicy trails the stop behind the highest favorable excursion by
// a fixed price fraction. Active only after breakeven so the initial stop is
// not churned by noise.
type chandelierPolicy struct {
	trail float64 // distance from the high-water mark as a price fraction
}

func (p chandelierPolicy) name() string { return "chandelier" }

func (p chandelierPolicy) propose(pos *domain.Position, _ float64, _ time.Time) (float64, bool) {
	if pos.Trailing == domain.TrailingArmed {
		return 0, false
	}
	if p.trail <= 0 || pos.HighWater <= 0 {
		return 0, false
	}
	return pos.HighWater * (1 - pos.Side.Direction()*p.trail), true
}

// tightens reports whether the proposed stop is strictly tighter than the
// current one for the position's direction.
func tightens(pos *domain.Position, proposed float64) bool {
	if pos.Side == domain.Short {
		return proposed < pos.StopLoss
	}
	return proposed > pos.StopLoss
}

// favorableSide reports whether the proposed stop stays on the correct side
// of the current price; a stop that crossed the price would fire instantly.
func favorableSide(pos *domain.Position, proposed, price float64) bool {
	if pos.Side == domain.Short {
		return proposed > price
	}
	return proposed < price
}
