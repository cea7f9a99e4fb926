package domain

// Side represents the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Direction returns +1 for long positions and -1 for short positions.
// Price math throughout the core is written as entry + direction*distance.
func (s Side) Direction() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Opposite returns the closing side for the position.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntryOrderSide maps a position side to the order side that opens it.
func (s Side) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitOrderSide maps a position side to the order side that closes it.
func (s Side) ExitOrderSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// PositionState represents the lifecycle state of a position.
// Transitions are strictly OPENING -> OPEN -> CLOSING -> CLOSED;
// CLOSED is terminal and reached exactly once.
type PositionState string

const (
	StateOpening PositionState = "OPENING"
	StateOpen    PositionState = "OPEN"
	StateClosing PositionState = "CLOSING"
	StateClosed  PositionState = "CLOSED"
)

// TrailingState tracks the stop/target tightening phase of an open position.
type TrailingState string

const (
	// TrailingArmed is the initial phase: stop and target at their entry levels.
	TrailingArmed TrailingState = "ARMED"
	// TrailingBreakeven means the stop has been moved to entry plus a small buffer.
	TrailingBreakeven TrailingState = "BREAKEVEN"
	// TrailingLocked means progress reached the lock threshold and the take-profit
	// level is frozen for the remainder of the position's life.
	TrailingLocked TrailingState = "LOCKED"
)

// ExitDecision is the outcome of evaluating a position against its exit levels.
type ExitDecision string

const (
	ExitNone      ExitDecision = "none"
	ExitStopHit   ExitDecision = "stopHit"
	ExitTargetHit ExitDecision = "targetHit"
	ExitTimeLimit ExitDecision = "timeExit"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "SL"
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonTimeLimit   CloseReason = "TIME_LIMIT"
	CloseReasonLiquidation CloseReason = "Liquidation"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonDivergence  CloseReason = "EXCHANGE_DIVERGENCE"
	CloseReasonEmergency   CloseReason = "EMERGENCY"
	CloseReasonUnknown     CloseReason = "Unknown"
)

// CloseReasonForExit maps an exit decision to the recorded close reason.
func CloseReasonForExit(d ExitDecision) CloseReason {
	switch d {
	case ExitStopHit:
		return CloseReasonStopLoss
	case ExitTargetHit:
		return CloseReasonTakeProfit
	case ExitTimeLimit:
		return CloseReasonTimeLimit
	default:
		return CloseReasonUnknown
	}
}
