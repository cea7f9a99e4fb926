package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"context"

	"leverbot/internal/domain"
	"leverbot/internal/ports"
)

// CloseObserver is notified once per position, when the final portion is
// closed, with the aggregate realized trade. Partial closes are recorded in
// trade history individually but do not trigger the observer; aggregate
// account state (streaks, drawdown, heat release) must move exactly once per
// position.
type CloseObserver interface {
	PositionClosed(ctx context.Context, trade *domain.Trade)
}

// Config holds the position manager's policy parameters.
type Config struct {
	// LockThreshold is the progress-to-target ratio at which the take-profit
	// level freezes for the rest of the position's life.
	LockThreshold float64
	// BreakevenTrigger is the leveraged return that moves the stop to entry.
	BreakevenTrigger float64
	// BreakevenBuffer is the price fraction past entry for the breakeven stop.
	BreakevenBuffer float64
	// TrailDistance is the chandelier trail as a fraction of the high-water
	// mark. Zero disables trailing beyond the breakeven move.
	TrailDistance float64
	// MaxHoldDuration closes positions that overstay. Zero disables time exits.
	MaxHoldDuration time.Duration
	// RoundTripFeeRate is the combined entry+exit fee as a fraction of notional.
	RoundTripFeeRate float64
	// QtySteps maps symbol to its quantity step; a residual at or below the
	// step counts as fully closed. Usually filled in through SetQtyStep once
	// exchange filters are known; symbols never set use a tiny default.
	QtySteps map[string]float64
}

const defaultQtyEpsilon = 1e-9

// Manager owns every position from entry fill to final close. All mutation
// goes through it; collaborators only see copies. Each position carries its
// own lock so concurrent ticks for different symbols do not contend.
type Manager struct {
	cfg      Config
	logger   ports.Logger
	repo     ports.PositionRepository
	history  ports.TradeRepository
	observer CloseObserver
	trend    ports.TrendOracle

	policies []stopPolicy
	now      func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	mu  sync.Mutex
	pos *domain.Position
}

// NewManager creates a position manager. The observer and trend oracle are
// optional; repo and history are required.
func NewManager(cfg Config, logger ports.Logger, repo ports.PositionRepository, history ports.TradeRepository, observer CloseObserver, trend ports.TrendOracle) (*Manager, error) {
	op := "NewManager"
	if logger == nil || repo == nil || history == nil {
		return nil, fmt.Errorf("%s: logger, repo and history are required: %w", op, ports.ErrConfigurationError)
	}
	if cfg.LockThreshold <= 0 || cfg.LockThreshold > 1 {
		return nil, fmt.Errorf("%s: lock threshold %.2f outside (0,1]: %w", op, cfg.LockThreshold, ports.ErrConfigurationError)
	}
	if cfg.BreakevenTrigger <= 0 {
		return nil, fmt.Errorf("%s: breakeven trigger must be positive: %w", op, ports.ErrConfigurationError)
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		repo:    repo,
		history: history,
		observer: observer,
		trend:   trend,
		policies: []stopPolicy{
			breakevenPolicy{trigger: cfg.BreakevenTrigger, buffer: cfg.BreakevenBuffer},
			chandelierPolicy{trail: cfg.TrailDistance},
		},
		now:     time.Now,
		entries: make(map[int64]*entry),
	}, nil
}

// Open records a filled entry and brings the position under management.
// Stop and target levels are derived from the admission decision and the
// actual fill price, not the price quoted at admission time.
func (m *Manager) Open(ctx context.Context, dec domain.SizingDecision, fillPrice, fillQty float64, leverage int, clientOrderID string) (*domain.Position, error) {
	op := "Manager.Open"
	if !isFinitePositive(fillPrice) || !isFinitePositive(fillQty) {
		return nil, fmt.Errorf("%s: fill price=%v qty=%v: %w", op, fillPrice, fillQty, ports.ErrInvalidRequest)
	}
	dir := dec.Side.Direction()
	tpDist := dec.TakeProfitDistance
	if floor := math.Max(3*dec.StopDistance, dec.MinProfitThreshold); tpDist < floor {
		tpDist = floor
	}
	now := m.now()
	pos := &domain.Position{
		Symbol:        dec.Symbol,
		Side:          dec.Side,
		EntryPrice:    fillPrice,
		Quantity:      fillQty,
		RemainingQty:  fillQty,
		Leverage:      leverage,
		StopLoss:      fillPrice * (1 - dir*dec.StopDistance),
		TakeProfit:    fillPrice * (1 + dir*tpDist),
		HighWater:     fillPrice,
		EntryTime:     now,
		State:         domain.StateOpening,
		Trailing:      domain.TrailingArmed,
		ClientOrderID: clientOrderID,
	}
	id, err := m.repo.Create(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("%s: persisting position: %w", op, err)
	}
	pos.ID = id
	pos.State = domain.StateOpen
	if err := m.repo.Update(ctx, pos); err != nil {
		m.logger.Warn(ctx, "failed to persist open transition", map[string]interface{}{
			"op": op, "positionID": id, "error": err.Error(),
		})
	}

	m.mu.Lock()
	m.entries[id] = &entry{pos: pos}
	m.mu.Unlock()

	m.logger.Info(ctx, "Position opened", map[string]interface{}{
		"op": op, "positionID": id, "symbol": pos.Symbol, "side": pos.Side,
		"entryPrice": pos.EntryPrice, "quantity": pos.Quantity,
		"stopLoss": pos.StopLoss, "takeProfit": pos.TakeProfit,
	})
	return m.snapshotOf(pos), nil
}

// Adopt brings an already-persisted open position (e.g. found during startup
// resync) under management without touching the database.
func (m *Manager) Adopt(pos *domain.Position) error {
	if pos == nil || pos.ID == 0 {
		return fmt.Errorf("Manager.Adopt: position missing id: %w", ports.ErrInvalidRequest)
	}
	if pos.State != domain.StateOpen {
		return fmt.Errorf("Manager.Adopt: position %d is %s: %w", pos.ID, pos.State, ports.ErrPositionClosed)
	}
	cp := *pos
	if cp.HighWater == 0 {
		cp.HighWater = cp.EntryPrice
	}
	if cp.RemainingQty == 0 {
		cp.RemainingQty = cp.Quantity
	}
	m.mu.Lock()
	m.entries[cp.ID] = &entry{pos: &cp}
	m.mu.Unlock()
	return nil
}

// OnPriceTick advances the trailing state machine for one position. The stop
// only ever tightens, the take-profit only ever freezes, and an invalid price
// leaves the position untouched.
func (m *Manager) OnPriceTick(ctx context.Context, id int64, price float64) error {
	op := "Manager.OnPriceTick"
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if pos.State != domain.StateOpen {
		return fmt.Errorf("%s: position %d is %s: %w", op, id, pos.State, ports.ErrPositionClosed)
	}
	if !isFinitePositive(price) {
		return fmt.Errorf("%s: price %v for position %d: %w", op, price, id, ports.ErrInvalidMarketData)
	}

	changed := false

	// Favorable excursion high-water mark.
	if pos.Side.Direction()*(price-pos.HighWater) > 0 {
		pos.HighWater = price
		changed = true
	}

	// Progress ratchets up and never back down regardless of retracement.
	if p := pos.Progress(price); p > pos.PeakProgress {
		pos.PeakProgress = p
		changed = true
	}

	if pos.Trailing != domain.TrailingLocked && pos.PeakProgress >= m.cfg.LockThreshold {
		pos.Trailing = domain.TrailingLocked
		changed = true
		m.logger.Info(ctx, "Take-profit locked", map[string]interface{}{
			"op": op, "positionID": id, "peakProgress": pos.PeakProgress, "takeProfit": pos.TakeProfit,
		})
	}

	now := m.now()
	for _, pol := range m.policies {
		proposed, ok := pol.propose(pos, price, now)
		if !ok || !tightens(pos, proposed) || !favorableSide(pos, proposed, price) {
			continue
		}
		prev := pos.StopLoss
		pos.StopLoss = proposed
		changed = true
		if pol.name() == "breakeven" && pos.Trailing == domain.TrailingArmed {
			pos.Trailing = domain.TrailingBreakeven
		}
		m.logger.Debug(ctx, "Stop tightened", map[string]interface{}{
			"op": op, "positionID": id, "policy": pol.name(), "from": prev, "to": proposed,
		})
	}

	if changed {
		if err := m.repo.Update(ctx, pos); err != nil {
			m.logger.Warn(ctx, "failed to persist trailing update", map[string]interface{}{
				"op": op, "positionID": id, "error": err.Error(),
			})
		}
	}
	return nil
}

// ExtendTarget pushes the take-profit further from entry. Refused once the
// lock threshold has been reached, when the new level is not strictly further
// in the favorable direction, or when the trend oracle does not confirm
// continuation.
func (m *Manager) ExtendTarget(ctx context.Context, id int64, price, newTarget float64) error {
	op := "Manager.ExtendTarget"
	if !isFinitePositive(newTarget) {
		return fmt.Errorf("%s: target %v: %w", op, newTarget, ports.ErrInvalidRequest)
	}
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if pos.State != domain.StateOpen {
		return fmt.Errorf("%s: position %d is %s: %w", op, id, pos.State, ports.ErrPositionClosed)
	}
	if pos.Trailing == domain.TrailingLocked {
		return fmt.Errorf("%s: take-profit is locked for position %d: %w", op, id, ports.ErrInvalidRequest)
	}
	if pos.Side.Direction()*(newTarget-pos.TakeProfit) <= 0 {
		return fmt.Errorf("%s: target %.8f does not extend %.8f: %w", op, newTarget, pos.TakeProfit, ports.ErrInvalidRequest)
	}
	if m.trend != nil && !m.trend.TrendContinuation(ctx, pos.Symbol, pos.Side, price) {
		return fmt.Errorf("%s: no trend continuation for %s: %w", op, pos.Symbol, ports.ErrInvalidRequest)
	}
	prev := pos.TakeProfit
	pos.TakeProfit = newTarget
	// PeakProgress is relative to the target; a further target dilutes it.
	if p := pos.Progress(price); p < pos.PeakProgress {
		pos.PeakProgress = p
	}
	if err := m.repo.Update(ctx, pos); err != nil {
		m.logger.Warn(ctx, "failed to persist target extension", map[string]interface{}{
			"op": op, "positionID": id, "error": err.Error(),
		})
	}
	m.logger.Info(ctx, "Take-profit extended", map[string]interface{}{
		"op": op, "positionID": id, "from": prev, "to": newTarget,
	})
	return nil
}

// EvaluateExit checks the position against its exit levels at the given price
// and time. It never mutates state; the caller decides whether to act. Stop
// hits take priority over target hits, which take priority over time exits.
func (m *Manager) EvaluateExit(id int64, price float64, now time.Time) (domain.ExitDecision, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.ExitNone, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if pos.State != domain.StateOpen {
		return domain.ExitNone, fmt.Errorf("Manager.EvaluateExit: position %d is %s: %w", id, pos.State, ports.ErrPositionClosed)
	}
	if !isFinitePositive(price) {
		return domain.ExitNone, fmt.Errorf("Manager.EvaluateExit: price %v: %w", price, ports.ErrInvalidMarketData)
	}
	dir := pos.Side.Direction()
	switch {
	case dir*(price-pos.StopLoss) <= 0:
		return domain.ExitStopHit, nil
	case dir*(price-pos.TakeProfit) >= 0:
		return domain.ExitTargetHit, nil
	case m.cfg.MaxHoldDuration > 0 && now.Sub(pos.EntryTime) >= m.cfg.MaxHoldDuration:
		return domain.ExitTimeLimit, nil
	}
	return domain.ExitNone, nil
}

// Close realizes a portion of the position at the given exit price. A
// residual at or below the symbol's quantity step counts as fully closed.
// Each portion is recorded as a trade; the observer fires once with the
// aggregate when the position fully closes.
func (m *Manager) Close(ctx context.Context, id int64, exitPrice, qty float64, reason domain.CloseReason) (*domain.Trade, error) {
	op := "Manager.Close"
	if !isFinitePositive(exitPrice) {
		return nil, fmt.Errorf("%s: exit price %v: %w", op, exitPrice, ports.ErrInvalidMarketData)
	}
	if !isFinitePositive(qty) {
		return nil, fmt.Errorf("%s: quantity %v: %w", op, qty, ports.ErrInvalidRequest)
	}
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if pos.State != domain.StateOpen {
		return nil, fmt.Errorf("%s: position %d is %s: %w", op, id, pos.State, ports.ErrPositionClosed)
	}
	// Exchange fills can overshoot the requested size by rounding; never let
	// the residual go negative.
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	pos.State = domain.StateClosing

	dir := pos.Side.Direction()
	gross := dir * (exitPrice - pos.EntryPrice) * qty
	fee := m.cfg.RoundTripFeeRate * qty * (pos.EntryPrice + exitPrice) / 2
	pnl := gross - fee

	now := m.now()
	trade := &domain.Trade{
		PositionID:  id,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    qty,
		Leverage:    pos.Leverage,
		PNL:         pnl,
		EntryTime:   pos.EntryTime,
		ExitTime:    now,
		CloseReason: reason,
	}

	pos.RemainingQty -= qty
	pos.PNL += pnl

	final := pos.RemainingQty <= m.qtyEpsilon(pos.Symbol)
	if final {
		pos.RemainingQty = 0
		pos.State = domain.StateClosed
		pos.ExitPrice = exitPrice
		pos.ExitTime = now
		pos.CloseReason = reason
	} else {
		pos.State = domain.StateOpen
	}

	// The close already happened on the exchange; a persistence failure must
	// not resurrect the position, so it is logged and the close proceeds.
	if err := m.repo.Update(ctx, pos); err != nil {
		m.logger.Error(ctx, err, "failed to persist close", map[string]interface{}{
			"op": op, "positionID": id,
		})
	}
	if _, err := m.history.Record(ctx, trade); err != nil {
		m.logger.Error(ctx, err, "failed to record trade", map[string]interface{}{
			"op": op, "positionID": id,
		})
	}

	if final {
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()

		m.logger.Info(ctx, "Position closed", map[string]interface{}{
			"op": op, "positionID": id, "symbol": pos.Symbol, "reason": reason,
			"exitPrice": exitPrice, "pnl": pos.PNL,
		})
		if m.observer != nil {
			agg := *trade
			agg.Quantity = pos.Quantity
			agg.PNL = pos.PNL
			m.observer.PositionClosed(ctx, &agg)
		}
	} else {
		m.logger.Info(ctx, "Position partially closed", map[string]interface{}{
			"op": op, "positionID": id, "symbol": pos.Symbol, "reason": reason,
			"closedQty": qty, "remainingQty": pos.RemainingQty, "pnl": pnl,
		})
	}
	return trade, nil
}

// SetProtectiveOrders records the exchange ids of the stop-loss and
// take-profit orders guarding the position.
func (m *Manager) SetProtectiveOrders(ctx context.Context, id int64, slOrderID, tpOrderID string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if slOrderID != "" {
		e.pos.StopLossOrderID = &slOrderID
	}
	if tpOrderID != "" {
		e.pos.TakeProfitOrderID = &tpOrderID
	}
	if err := m.repo.Update(ctx, e.pos); err != nil {
		m.logger.Warn(ctx, "failed to persist protective order ids", map[string]interface{}{
			"op": "Manager.SetProtectiveOrders", "positionID": id, "error": err.Error(),
		})
	}
	return nil
}

// Get returns a copy of the managed position.
func (m *Manager) Get(id int64) (*domain.Position, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.snapshotOf(e.pos), nil
}

// OpenIDs returns the ids of managed positions for the symbol, or all
// positions when symbol is empty.
func (m *Manager) OpenIDs(symbol string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.entries))
	for id, e := range m.entries {
		if symbol == "" || e.pos.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	return ids
}

// OpenView returns open position counts per symbol, used by the market-data
// layer to detect divergence from the exchange's view.
func (m *Manager) OpenView() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	view := make(map[string]int64, len(m.entries))
	for _, e := range m.entries {
		view[e.pos.Symbol]++
	}
	return view
}

func (m *Manager) entry(id int64) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("position %d not managed: %w", id, ports.ErrNotFound)
	}
	return e, nil
}

// SetQtyStep records a symbol's exchange quantity step, learned from symbol
// filters at bootstrap. Anything at or below the step cannot be closed on the
// exchange and counts as fully closed.
func (m *Manager) SetQtyStep(symbol string, step float64) {
	if step <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.QtySteps == nil {
		m.cfg.QtySteps = make(map[string]float64)
	}
	m.cfg.QtySteps[symbol] = step
}

func (m *Manager) qtyEpsilon(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step, ok := m.cfg.QtySteps[symbol]; ok && step > 0 {
		return step
	}
	return defaultQtyEpsilon
}

func (m *Manager) snapshotOf(pos *domain.Position) *domain.Position {
	cp := *pos
	return &cp
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
