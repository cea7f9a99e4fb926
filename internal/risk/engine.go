// Package risk decides whether and how large a new trade may be. Sizing is
// Kelly-based over a Bayesian win-rate estimate; admission enforces
// correlation-group caps and a portfolio-heat ceiling; the minimum-profit
// threshold it supplies guarantees targets cover round-trip fees.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"leverbot/internal/domain"
	"leverbot/internal/ports"
)

// Config holds the risk policy knobs. All values are fixed at startup.
type Config struct {
	MinRiskFraction float64 // Kelly clamp floor (0.005)
	MaxRiskFraction float64 // Kelly clamp ceiling (0.04)

	PriorAlpha  float64 // Beta prior alpha (20)
	PriorBeta   float64 // Beta prior beta (20)
	StatsWindow int     // Rolling trade window for the posterior (50)

	RoundTripFeeRate       float64 // Entry+exit fee as a price fraction
	BaseStopDistance       float64 // Default stop distance as a price fraction
	VolStopMultiple        float64 // Stop widening multiple on realized vol
	TakeProfitStopMultiple float64 // Target distance as a multiple of the stop

	// Tiered minimum-profit thresholds: smaller accounts need a larger
	// margin above fees to stay viable after rounding and slippage.
	SmallBalanceTier float64 // e.g. 100
	LargeBalanceTier float64 // e.g. 1000
	SmallMinProfit   float64 // e.g. 0.009
	MidMinProfit     float64 // e.g. 0.0075
	LargeMinProfit   float64 // e.g. 0.006

	HeatCeilingFraction  float64           // Max aggregate at-risk capital as a fraction of balance
	CorrelationGroups    map[string]string // symbol -> group; absent symbols form singleton groups
	MaxPositionsPerGroup int

	StreakLength      int     // Streak length that triggers scaling (3)
	WinStreakFactor   float64 // 1.2
	LossStreakFactor  float64 // 0.5
	HighVolFactor     float64 // 0.75
	VolThreshold      float64 // Realized-vol level that triggers HighVolFactor
	DrawdownFactor    float64 // 0.75
	DrawdownThreshold float64 // Drawdown level that triggers DrawdownFactor

	MinNotional         float64 // Reject below this order notional
	MaxPositionNotional float64 // Cap on a single position's notional
	MaxTradesPerDay     int     // 0 disables the daily cap
	Leverage            int
}

// State is the per-account aggregate the engine owns. It is updated only on
// position close so in-flight positions cannot double-count risk, and it is
// persisted through the snapshot/restore hooks by an external store.
type State struct {
	ConsecutiveWins   int     `json:"consecutive_wins"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	CumulativePnL     float64 `json:"cumulative_pnl"`
	PeakPnL           float64 `json:"peak_pnl"`
	RealizedDrawdown  float64 `json:"realized_drawdown"`
}

// reservation tracks at-risk capital reserved against the heat ceiling from
// the moment of admission, so concurrent admissions cannot overshoot while
// an approved order is still in flight.
type reservation struct {
	symbol      string
	group       string
	riskCapital float64
	positionID  int64
	confirmed   bool
}

// Engine implements the sizing and admission policy.
type Engine struct {
	cfg     Config
	logger  ports.Logger
	history ports.TradeRepository

	mu           sync.Mutex
	state        State
	reservations map[string]*reservation
}

// NewEngine validates the policy and creates an engine. The fee-coverage
// ordering (every minimum-profit tier strictly above the round-trip fee
// rate) is a configuration invariant; violating it is rejected here rather
// than discovered as an unclosable position later.
func NewEngine(cfg Config, logger ports.Logger, history ports.TradeRepository) (*Engine, error) {
	if logger == nil || history == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for risk engine", ports.ErrConfigurationError)
	}
	if cfg.MinRiskFraction <= 0 || cfg.MaxRiskFraction <= cfg.MinRiskFraction {
		return nil, fmt.Errorf("%w: risk fraction bounds must satisfy 0 < min < max", ports.ErrConfigurationError)
	}
	if cfg.RoundTripFeeRate <= 0 {
		return nil, fmt.Errorf("%w: round-trip fee rate must be positive", ports.ErrConfigurationError)
	}
	for _, tier := range []float64{cfg.SmallMinProfit, cfg.MidMinProfit, cfg.LargeMinProfit} {
		if tier <= cfg.RoundTripFeeRate {
			return nil, fmt.Errorf("%w: min-profit tier %v does not exceed round-trip fee rate %v",
				ports.ErrConfigurationError, tier, cfg.RoundTripFeeRate)
		}
	}
	if cfg.BaseStopDistance <= 0 || cfg.BaseStopDistance >= 1 {
		return nil, fmt.Errorf("%w: base stop distance must be in (0, 1)", ports.ErrConfigurationError)
	}
	if cfg.HeatCeilingFraction <= 0 {
		return nil, fmt.Errorf("%w: heat ceiling fraction must be positive", ports.ErrConfigurationError)
	}
	if cfg.Leverage <= 0 {
		return nil, fmt.Errorf("%w: leverage must be positive", ports.ErrConfigurationError)
	}
	if cfg.PriorAlpha <= 0 {
		cfg.PriorAlpha = 20
	}
	if cfg.PriorBeta <= 0 {
		cfg.PriorBeta = 20
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 50
	}
	if cfg.TakeProfitStopMultiple <= 0 {
		cfg.TakeProfitStopMultiple = 3
	}
	if cfg.MaxPositionsPerGroup <= 0 {
		cfg.MaxPositionsPerGroup = 1
	}
	if cfg.StreakLength <= 0 {
		cfg.StreakLength = 3
	}
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		history:      history,
		reservations: make(map[string]*reservation),
	}, nil
}

// MinProfitThreshold returns the tiered fee-coverage floor for take-profit
// distances at the given account size.
func (e *Engine) MinProfitThreshold(balance float64) float64 {
	switch {
	case balance < e.cfg.SmallBalanceTier:
		return e.cfg.SmallMinProfit
	case balance < e.cfg.LargeBalanceTier:
		return e.cfg.MidMinProfit
	default:
		return e.cfg.LargeMinProfit
	}
}

// Heat returns the aggregate at-risk capital currently reserved or open.
func (e *Engine) Heat() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heatLocked()
}

func (e *Engine) heatLocked() float64 {
	var heat float64
	for _, r := range e.reservations {
		heat += r.riskCapital
	}
	return heat
}

func (e *Engine) group(symbol string) string {
	if g, ok := e.cfg.CorrelationGroups[symbol]; ok {
		return g
	}
	return symbol
}

// Admit applies the admission policy to a candidate: correlation-group cap,
// dynamic Kelly scaling, portfolio-heat ceiling, and notional/balance
// validation, in that order. An approved decision reserves the candidate's
// at-risk capital; the caller must Confirm after the fill or Abort if the
// order never lands.
func (e *Engine) Admit(ctx context.Context, cand domain.Candidate, balance, price float64) (domain.SizingDecision, error) {
	dec := domain.SizingDecision{Symbol: cand.Symbol, Side: cand.Side}
	if balance <= 0 || price <= 0 {
		dec.Reason = domain.RejectInsufficientBalance
		return dec, fmt.Errorf("%w: balance %v price %v", ports.ErrInvalidRequest, balance, price)
	}

	if e.cfg.MaxTradesPerDay > 0 {
		count, err := e.history.CountToday(ctx)
		if err != nil {
			return dec, fmt.Errorf("counting today's trades: %w", err)
		}
		if count >= e.cfg.MaxTradesPerDay {
			dec.Reason = domain.RejectDailyTradeLimit
			e.rejected(ctx, cand, dec.Reason, map[string]interface{}{"tradesToday": count, "limit": e.cfg.MaxTradesPerDay})
			return dec, nil
		}
	}

	stats, err := e.history.RecentStats(ctx, e.cfg.StatsWindow)
	if err != nil {
		return dec, fmt.Errorf("reading recent trade stats: %w", err)
	}

	stopDistance := e.cfg.BaseStopDistance
	if cand.RealizedVol > 0 && cand.RealizedVol*e.cfg.VolStopMultiple > stopDistance {
		stopDistance = cand.RealizedVol * e.cfg.VolStopMultiple
	}
	minProfit := e.MinProfitThreshold(balance)
	tpDistance := e.cfg.TakeProfitStopMultiple * stopDistance
	if tpDistance < minProfit {
		tpDistance = minProfit
	}

	posterior := BayesianWinRate(stats.Wins, stats.Losses, e.cfg.PriorAlpha, e.cfg.PriorBeta)
	payoff := tpDistance / stopDistance
	baseFraction := KellyFraction(posterior.Mean, payoff, e.cfg.MinRiskFraction, e.cfg.MaxRiskFraction)

	e.mu.Lock()
	defer e.mu.Unlock()

	// (a) correlation-group cap
	group := e.group(cand.Symbol)
	inGroup := 0
	for _, r := range e.reservations {
		if r.group == group {
			inGroup++
		}
	}
	if inGroup >= e.cfg.MaxPositionsPerGroup {
		dec.Reason = domain.RejectCorrelationGroupFull
		e.rejected(ctx, cand, dec.Reason, map[string]interface{}{"group": group, "open": inGroup, "cap": e.cfg.MaxPositionsPerGroup})
		return dec, nil
	}

	// (c) dynamic risk scaling, composed multiplicatively then re-clamped
	fraction := baseFraction * e.scalingLocked(cand.RealizedVol)
	fraction = clamp(fraction, e.cfg.MinRiskFraction, e.cfg.MaxRiskFraction)

	// (b) portfolio-heat ceiling, checked with the final at-risk capital
	riskCapital := balance * fraction
	ceiling := balance * e.cfg.HeatCeilingFraction
	if heat := e.heatLocked(); heat+riskCapital > ceiling {
		dec.Reason = domain.RejectPortfolioHeat
		e.rejected(ctx, cand, dec.Reason, map[string]interface{}{
			"heat": heat, "candidateRisk": riskCapital, "ceiling": ceiling,
		})
		return dec, nil
	}

	// Sizing: notional = riskCapital / stopDistance, bounded by the single
	// position cap and by what the account can actually margin.
	notional := riskCapital / stopDistance
	if e.cfg.MaxPositionNotional > 0 && notional > e.cfg.MaxPositionNotional {
		notional = e.cfg.MaxPositionNotional
	}
	affordable := balance * float64(e.cfg.Leverage)
	if notional > affordable {
		if affordable < e.cfg.MinNotional {
			dec.Reason = domain.RejectInsufficientBalance
			e.rejected(ctx, cand, dec.Reason, map[string]interface{}{"affordable": affordable, "minNotional": e.cfg.MinNotional})
			return dec, nil
		}
		notional = affordable
	}
	if notional < e.cfg.MinNotional {
		// Rejected, not silently clamped upward: growing the order would
		// change its risk semantics.
		dec.Reason = domain.RejectBelowMinNotional
		e.rejected(ctx, cand, dec.Reason, map[string]interface{}{"notional": notional, "minNotional": e.cfg.MinNotional})
		return dec, nil
	}
	riskCapital = notional * stopDistance

	resID := uuid.NewString()
	e.reservations[resID] = &reservation{
		symbol:      cand.Symbol,
		group:       group,
		riskCapital: riskCapital,
	}

	dec.Approved = true
	dec.Quantity = notional / price
	dec.RiskFraction = fraction
	dec.StopDistance = stopDistance
	dec.TakeProfitDistance = tpDistance
	dec.MinProfitThreshold = minProfit
	dec.RiskCapital = riskCapital
	dec.ReservationID = resID

	e.logger.Info(ctx, "Trade admitted", map[string]interface{}{
		"symbol":       cand.Symbol,
		"side":         string(cand.Side),
		"riskFraction": fraction,
		"stopDistance": stopDistance,
		"tpDistance":   tpDistance,
		"quantity":     dec.Quantity,
		"winRate":      posterior.Mean,
		"heat":         e.heatLocked(),
	})
	return dec, nil
}

// scalingLocked composes the streak/volatility/drawdown adjustment factors.
func (e *Engine) scalingLocked(realizedVol float64) float64 {
	factor := 1.0
	if e.state.ConsecutiveWins >= e.cfg.StreakLength && e.cfg.WinStreakFactor > 0 {
		factor *= e.cfg.WinStreakFactor
	}
	if e.state.ConsecutiveLosses >= e.cfg.StreakLength && e.cfg.LossStreakFactor > 0 {
		factor *= e.cfg.LossStreakFactor
	}
	if e.cfg.VolThreshold > 0 && realizedVol > e.cfg.VolThreshold && e.cfg.HighVolFactor > 0 {
		factor *= e.cfg.HighVolFactor
	}
	if e.cfg.DrawdownThreshold > 0 && e.state.RealizedDrawdown > e.cfg.DrawdownThreshold && e.cfg.DrawdownFactor > 0 {
		factor *= e.cfg.DrawdownFactor
	}
	return factor
}

// AdoptPosition registers a confirmed reservation for a position re-adopted
// from persistence after a restart. Reservations live only in memory, so
// restored exposure must be re-counted against the heat ceiling and its
// correlation group or admissions would size against a phantom-empty book.
// The at-risk capital is the remaining quantity times the distance to the
// current stop.
func (e *Engine) AdoptPosition(ctx context.Context, pos *domain.Position) {
	if pos == nil {
		return
	}
	qty := pos.RemainingQty
	if qty == 0 {
		qty = pos.Quantity
	}
	riskCapital := qty * math.Abs(pos.EntryPrice-pos.StopLoss)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reservations[uuid.NewString()] = &reservation{
		symbol:      pos.Symbol,
		group:       e.group(pos.Symbol),
		riskCapital: riskCapital,
		positionID:  pos.ID,
		confirmed:   true,
	}
	e.logger.Info(ctx, "Re-reserved risk for adopted position", map[string]interface{}{
		"positionID":  pos.ID,
		"symbol":      pos.Symbol,
		"riskCapital": riskCapital,
		"heat":        e.heatLocked(),
	})
}

// Confirm binds a reservation to the position that resulted from it.
func (e *Engine) Confirm(reservationID string, positionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.reservations[reservationID]; ok {
		r.positionID = positionID
		r.confirmed = true
	}
}

// Abort releases a reservation whose order never landed.
func (e *Engine) Abort(reservationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reservations, reservationID)
}

// OnPositionClosed releases the position's heat and updates streaks and
// drawdown. This is the only mutation path for the aggregate state.
func (e *Engine) OnPositionClosed(ctx context.Context, trade *domain.Trade, balance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, r := range e.reservations {
		if r.confirmed && r.positionID == trade.PositionID {
			delete(e.reservations, id)
			break
		}
	}

	if trade.IsWin() {
		e.state.ConsecutiveWins++
		e.state.ConsecutiveLosses = 0
	} else {
		e.state.ConsecutiveLosses++
		e.state.ConsecutiveWins = 0
	}

	e.state.CumulativePnL += trade.PNL
	if e.state.CumulativePnL > e.state.PeakPnL {
		e.state.PeakPnL = e.state.CumulativePnL
	}
	if balance > 0 {
		e.state.RealizedDrawdown = (e.state.PeakPnL - e.state.CumulativePnL) / balance
	}

	e.logger.Info(ctx, "Risk state updated on close", map[string]interface{}{
		"positionID": trade.PositionID,
		"pnl":        trade.PNL,
		"winStreak":  e.state.ConsecutiveWins,
		"lossStreak": e.state.ConsecutiveLosses,
		"drawdown":   e.state.RealizedDrawdown,
		"heat":       e.heatLocked(),
	})
}

// Snapshot serializes the aggregate state for external persistence.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.state)
}

// Restore replaces the in-memory aggregate state from a prior snapshot.
func (e *Engine) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("restoring risk state: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st
	return nil
}

func (e *Engine) rejected(ctx context.Context, cand domain.Candidate, reason domain.RejectReason, fields map[string]interface{}) {
	fields["symbol"] = cand.Symbol
	fields["side"] = string(cand.Side)
	fields["reason"] = string(reason)
	e.logger.Info(ctx, "Trade rejected by admission control", fields)
}
