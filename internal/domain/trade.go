package domain

import "time"

// Trade represents a realized close event. A position closed in parts
// produces one Trade per partial close.
type Trade struct {
	ID          int64       // Unique identifier (from DB)
	PositionID  int64       // Position this trade (partially) closed
	Symbol      string      // Trading symbol
	Side        Side        // Direction of the closed position
	EntryPrice  float64     // Price at which the position was entered
	ExitPrice   float64     // Price at which this portion was exited
	Quantity    float64     // Size closed by this trade
	Leverage    int         // Leverage used for the position
	PNL         float64     // Realized P&L net of fees for this portion
	EntryTime   time.Time   // When the position was entered
	ExitTime    time.Time   // When this portion was exited
	CloseReason CloseReason // Why the portion was closed
}

// IsWin reports whether the trade realized a net profit.
func (t *Trade) IsWin() bool {
	return t.PNL > 0
}
