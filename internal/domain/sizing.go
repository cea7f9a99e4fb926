package domain

// RejectReason enumerates the admission-control outcomes that block a trade.
// A rejection is a normal control decision, not an error condition.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectCorrelationGroupFull RejectReason = "correlation_group_full"
	RejectPortfolioHeat        RejectReason = "portfolio_heat_exceeded"
	RejectBelowMinNotional     RejectReason = "below_min_notional"
	RejectInsufficientBalance  RejectReason = "insufficient_balance"
	RejectDailyTradeLimit      RejectReason = "daily_trade_limit"
	RejectStaleMarketData      RejectReason = "stale_market_data"
)

// Candidate is a trade proposal handed to the execution coordinator by the
// external signal collaborator. The scorer is an opaque oracle; the core only
// consumes its direction and confidence.
type Candidate struct {
	Symbol      string
	Side        Side
	Confidence  float64 // Scorer confidence in [0,1]
	RealizedVol float64 // Recent realized volatility as a price fraction, 0 if unknown
}

// SizingDecision is the immutable output of a risk-engine admission check,
// consumed exactly once by the execution coordinator.
type SizingDecision struct {
	Symbol             string
	Side               Side
	Approved           bool
	Reason             RejectReason // Set when Approved is false
	Quantity           float64      // Recommended size in base units, step-aligned
	RiskFraction       float64      // Final (scaled, clamped) fraction of capital at risk
	StopDistance       float64      // Stop distance as a fraction of entry price
	TakeProfitDistance float64      // Take-profit distance as a fraction of entry price
	MinProfitThreshold float64      // Fee-coverage floor supplied to the position manager
	RiskCapital        float64      // At-risk capital reserved against the heat ceiling
	ReservationID      string       // Heat reservation handle; confirm or abort exactly once
}
