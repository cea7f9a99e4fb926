package domain

import "time"

// Position represents a leveraged exchange position owned by the position
// manager for its whole lifetime. No other component mutates it directly.
type Position struct {
	ID            int64         // Unique identifier (from DB)
	Symbol        string        // Trading symbol (e.g., "ETHUSDT")
	Side          Side          // LONG or SHORT
	EntryPrice    float64       // Average fill price at entry
	ExitPrice     float64       // Average fill price at exit (0 while open)
	Quantity      float64       // Original position size
	RemainingQty  float64       // Size still open after partial closes
	Leverage      int           // Leverage used for the position
	StopLoss      float64       // Current stop-loss level
	TakeProfit    float64       // Current take-profit level
	HighWater     float64       // Highest-favorable-excursion price seen so far
	PeakProgress  float64       // Monotone progress-to-target ratio in [0,1]
	EntryTime     time.Time     // When the position was opened
	ExitTime      time.Time     // When the position was fully closed (zero while open)
	State         PositionState // Lifecycle state
	Trailing      TrailingState // Stop/target tightening phase
	PNL           float64       // Realized P&L net of fees, accumulated across partial closes
	CloseReason   CloseReason   // Reason for the final close
	ClientOrderID string        // Idempotency key used for the entry order

	// Protective order IDs on the exchange (nullable in DB).
	StopLossOrderID   *string
	TakeProfitOrderID *string
}

// IsOpen reports whether the position still has exposure on the exchange.
func (p *Position) IsOpen() bool {
	return p.State == StateOpen || p.State == StateClosing
}

// Progress returns the sign-adjusted progress-to-target ratio for the given
// price, clamped to [0,1]. A value of 1 means the price reached the target.
func (p *Position) Progress(price float64) float64 {
	span := p.TakeProfit - p.EntryPrice
	if span == 0 {
		return 0
	}
	ratio := (price - p.EntryPrice) / span
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// LeveragedReturn returns the unrealized return on margin at the given price.
func (p *Position) LeveragedReturn(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	raw := p.Side.Direction() * (price - p.EntryPrice) / p.EntryPrice
	return raw * float64(p.Leverage)
}
