// Package coordinator wires the execution core together: it takes trade
// candidates from the signal collaborator through risk admission, precision
// validation, and idempotent order submission, feeds price ticks to the
// position manager, and drives exits. It is the only component that talks to
// more than one collaborator at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"leverbot/internal/domain"
	"leverbot/internal/marketdata"
	"leverbot/internal/observability"
	"leverbot/internal/ports"
	"leverbot/internal/position"
	"leverbot/internal/precision"
	"leverbot/internal/risk"
	"leverbot/internal/transport"
)

// Config configures the coordinator.
type Config struct {
	Symbols  []string
	Leverage int
	// ShutdownTimeout bounds the drain of in-flight operations. Zero means 30s.
	ShutdownTimeout time.Duration
}

// Coordinator orchestrates admission, execution, and lifecycle management.
type Coordinator struct {
	cfg      Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	exec     *transport.Executor
	market   *marketdata.Sync
	engine   *risk.Engine
	manager  *position.Manager
	posRepo  ports.PositionRepository

	validators map[string]*precision.Validator

	mu           sync.Mutex
	shuttingDown bool
	closing      map[int64]struct{}
	inFlight     sync.WaitGroup
}

// New creates a coordinator. Bootstrap must be called before candidates are
// evaluated.
func New(cfg Config, logger ports.Logger, exchange ports.ExchangeClient, exec *transport.Executor, market *marketdata.Sync, engine *risk.Engine, manager *position.Manager, posRepo ports.PositionRepository) (*Coordinator, error) {
	if logger == nil || exchange == nil || exec == nil || market == nil || engine == nil || manager == nil || posRepo == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for coordinator", ports.ErrConfigurationError)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", ports.ErrConfigurationError)
	}
	if cfg.Leverage <= 0 {
		return nil, fmt.Errorf("%w: leverage must be positive", ports.ErrConfigurationError)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Coordinator{
		cfg:        cfg,
		logger:     logger,
		exchange:   exchange,
		exec:       exec,
		market:     market,
		engine:     engine,
		manager:    manager,
		posRepo:    posRepo,
		validators: make(map[string]*precision.Validator),
		closing:    make(map[int64]struct{}),
	}, nil
}

// Bootstrap synchronizes server time, applies leverage, loads per-symbol
// precision rules, and re-adopts positions left open by a previous run.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	op := "Coordinator.Bootstrap"

	if err := c.exec.Do(ctx, "time", transport.CallOptions{}, func(ctx context.Context) error {
		return c.exchange.SetServerTime(ctx)
	}); err != nil {
		return fmt.Errorf("%s: server time sync: %w", op, err)
	}

	for _, symbol := range c.cfg.Symbols {
		symbol := symbol
		if err := c.exec.Do(ctx, "leverage", transport.CallOptions{}, func(ctx context.Context) error {
			return c.exchange.SetLeverage(ctx, symbol, c.cfg.Leverage)
		}); err != nil {
			// A symbol already at the target leverage is fine; anything else
			// still lets the run continue at whatever the exchange has set.
			c.logger.Warn(ctx, "Failed to set leverage, continuing", map[string]interface{}{
				"op": op, "symbol": symbol, "leverage": c.cfg.Leverage, "error": err.Error(),
			})
		}

		var filters *ports.SymbolFilters
		if err := c.exec.Do(ctx, "exchangeInfo", transport.CallOptions{}, func(ctx context.Context) error {
			var err error
			filters, err = c.exchange.GetSymbolFilters(ctx, symbol)
			return err
		}); err != nil {
			return fmt.Errorf("%s: symbol filters for %s: %w", op, symbol, err)
		}
		v, err := precision.NewValidator(*filters)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		c.validators[symbol] = v
		c.manager.SetQtyStep(symbol, v.QtyEpsilon())
	}

	open, err := c.posRepo.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("%s: loading open positions: %w", op, err)
	}
	for _, pos := range open {
		if err := c.manager.Adopt(pos); err != nil {
			c.logger.Warn(ctx, "Skipping unadoptable position", map[string]interface{}{
				"op": op, "positionID": pos.ID, "error": err.Error(),
			})
			continue
		}
		// Reservations are not part of the persisted risk state, so the
		// adopted exposure must be re-counted against the heat ceiling.
		c.engine.AdoptPosition(ctx, pos)
		c.logger.Info(ctx, "Re-adopted open position", map[string]interface{}{
			"op": op, "positionID": pos.ID, "symbol": pos.Symbol, "entryPrice": pos.EntryPrice,
		})
	}
	observability.SetOpenPositions(len(c.manager.OpenIDs("")))
	observability.SetHeat(c.engine.Heat())

	c.market.SetOpenPositionsView(c.manager.OpenView)
	c.market.OnPositionsDiverged(c.handleDivergence)
	c.market.OnTick(c.handleTick)
	return nil
}

// PositionClosed feeds the final aggregate trade of a position into the risk
// engine's account state. It satisfies the position manager's observer
// interface.
func (c *Coordinator) PositionClosed(ctx context.Context, trade *domain.Trade) {
	c.engine.OnPositionClosed(ctx, trade, c.market.Balance())
	observability.IncTrade(trade.IsWin())
	observability.SetEquity(c.market.Balance())
	observability.IncExit(string(trade.CloseReason), string(trade.Side))
	observability.SetHeat(c.engine.Heat())
	observability.SetOpenPositions(len(c.manager.OpenIDs("")))
}

// EvaluateAndMaybeOpen runs one candidate through the full admission and
// execution path. A risk rejection is a normal outcome: the decision carries
// the reason and the error is nil. Errors mean the attempt itself failed.
func (c *Coordinator) EvaluateAndMaybeOpen(ctx context.Context, cand domain.Candidate) (domain.SizingDecision, *domain.Position, error) {
	op := "Coordinator.EvaluateAndMaybeOpen"
	if err := c.begin(); err != nil {
		return domain.SizingDecision{}, nil, err
	}
	defer c.inFlight.Done()

	if c.market.IsStale(cand.Symbol) {
		dec := domain.SizingDecision{Symbol: cand.Symbol, Side: cand.Side, Reason: domain.RejectStaleMarketData}
		observability.IncAdmission(string(dec.Reason))
		c.logger.Warn(ctx, "Candidate suppressed on stale market data", map[string]interface{}{
			"op": op, "symbol": cand.Symbol, "feedState": string(c.market.State()),
		})
		return dec, nil, nil
	}
	price, ok := c.market.LatestPrice(cand.Symbol)
	if !ok {
		return domain.SizingDecision{}, nil, fmt.Errorf("%s: no quote for %s: %w", op, cand.Symbol, ports.ErrStaleData)
	}
	balance := c.market.Balance()

	dec, err := c.engine.Admit(ctx, cand, balance, price)
	if err != nil {
		return dec, nil, fmt.Errorf("%s: admission: %w", op, err)
	}
	if !dec.Approved {
		observability.IncAdmission(string(dec.Reason))
		return dec, nil, nil
	}

	v, ok := c.validators[cand.Symbol]
	if !ok {
		c.engine.Abort(dec.ReservationID)
		return dec, nil, fmt.Errorf("%s: no precision rules for %s: %w", op, cand.Symbol, ports.ErrConfigurationError)
	}
	qty, err := v.ValidateOrder(dec.Quantity, price)
	if err != nil {
		c.engine.Abort(dec.ReservationID)
		if errors.Is(err, ports.ErrBelowMinNotional) {
			dec.Approved = false
			dec.Reason = domain.RejectBelowMinNotional
			observability.IncAdmission(string(dec.Reason))
			return dec, nil, nil
		}
		return dec, nil, fmt.Errorf("%s: %w", op, err)
	}

	pos, err := c.submitEntry(ctx, dec, v, qty, price)
	if err != nil {
		return dec, nil, err
	}
	observability.IncAdmission("approved")
	observability.SetHeat(c.engine.Heat())
	observability.SetOpenPositions(len(c.manager.OpenIDs("")))
	return dec, pos, nil
}

// submitEntry places the entry order under an idempotency key, resolves
// ambiguous outcomes against the exchange, registers the fill with the
// position manager, and guards it with protective orders.
func (c *Coordinator) submitEntry(ctx context.Context, dec domain.SizingDecision, v *precision.Validator, qty, price float64) (*domain.Position, error) {
	op := "Coordinator.submitEntry"
	clientOrderID := uuid.NewString()
	qtyStr := v.FormatQuantity(qty)
	orderSide := dec.Side.EntryOrderSide()

	var entry *ports.OrderResponse
	submitErr := c.exec.Do(ctx, "order", transport.CallOptions{IdempotencyKey: clientOrderID}, func(ctx context.Context) error {
		var err error
		entry, err = c.exchange.PlaceMarketOrder(ctx, dec.Symbol, orderSide, qtyStr, clientOrderID)
		return err
	})
	if submitErr != nil {
		if !ambiguous(submitErr) {
			c.engine.Abort(dec.ReservationID)
			return nil, fmt.Errorf("%s: entry order: %w", op, submitErr)
		}
		// The order may or may not have landed. The client order id is the
		// source of truth; look it up before deciding anything.
		c.logger.Warn(ctx, "Ambiguous entry outcome, resolving by client order id", map[string]interface{}{
			"op": op, "symbol": dec.Symbol, "clientOrderID": clientOrderID, "error": submitErr.Error(),
		})
		resolved, lookupErr := c.lookupOrder(ctx, dec.Symbol, clientOrderID)
		if lookupErr != nil {
			c.engine.Abort(dec.ReservationID)
			return nil, fmt.Errorf("%s: unresolved entry (lookup failed): %w", op, errors.Join(submitErr, lookupErr))
		}
		if resolved == nil || resolved.ExecutedQty == 0 {
			c.engine.Abort(dec.ReservationID)
			return nil, fmt.Errorf("%s: entry order never landed: %w", op, submitErr)
		}
		entry = resolved
	}

	fillPrice := entry.AvgPrice
	if fillPrice == 0 {
		fillPrice = price
	}
	fillQty := entry.ExecutedQty
	if fillQty == 0 {
		fillQty = qty
	}

	pos, err := c.manager.Open(ctx, dec, fillPrice, fillQty, c.cfg.Leverage, clientOrderID)
	if err != nil {
		// Exposure exists on the exchange but could not be brought under
		// management; flatten it rather than run unmanaged.
		c.engine.Abort(dec.ReservationID)
		c.emergencyFlatten(ctx, dec.Symbol, orderSide, qtyStr)
		return nil, fmt.Errorf("%s: registering position: %w", op, err)
	}
	c.engine.Confirm(dec.ReservationID, pos.ID)
	observability.IncOrder(string(orderSide))

	if err := c.placeProtectiveOrders(ctx, pos, v); err != nil {
		c.logger.Error(ctx, err, "Protective order placement failed, closing position", map[string]interface{}{
			"op": op, "positionID": pos.ID,
		})
		c.closePosition(ctx, pos.ID, fillPrice, domain.CloseReasonEmergency)
		return nil, fmt.Errorf("%s: protective orders: %w", op, err)
	}
	return pos, nil
}

// placeProtectiveOrders puts the stop-loss and take-profit orders on the
// exchange. A stop-loss failure is fatal for the position; a take-profit
// failure first cancels the stop so no orphan order survives.
func (c *Coordinator) placeProtectiveOrders(ctx context.Context, pos *domain.Position, v *precision.Validator) error {
	op := "Coordinator.placeProtectiveOrders"
	exitSide := pos.Side.ExitOrderSide()
	qtyStr := v.FormatQuantity(pos.RemainingQty)

	slClientID := uuid.NewString()
	var slOrder *ports.OrderResponse
	err := c.exec.Do(ctx, "order", transport.CallOptions{IdempotencyKey: slClientID}, func(ctx context.Context) error {
		var err error
		slOrder, err = c.exchange.PlaceStopMarketOrder(ctx, pos.Symbol, exitSide, qtyStr, v.FormatPrice(v.SnapPrice(pos.StopLoss)), slClientID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: stop order: %w", op, err)
	}

	tpClientID := uuid.NewString()
	var tpOrder *ports.OrderResponse
	err = c.exec.Do(ctx, "order", transport.CallOptions{IdempotencyKey: tpClientID}, func(ctx context.Context) error {
		var err error
		tpOrder, err = c.exchange.PlaceTakeProfitMarketOrder(ctx, pos.Symbol, exitSide, qtyStr, v.FormatPrice(v.SnapPrice(pos.TakeProfit)), tpClientID)
		return err
	})
	if err != nil {
		c.cancelOrderWarn(ctx, pos.Symbol, slOrder.OrderID, "SL")
		return fmt.Errorf("%s: take-profit order: %w", op, err)
	}

	return c.manager.SetProtectiveOrders(ctx, pos.ID,
		strconv.FormatInt(slOrder.OrderID, 10), strconv.FormatInt(tpOrder.OrderID, 10))
}

// cancelOrderWarn cancels a protective order, logging instead of failing when
// the cancel does not go through. An already-gone order is not an error: it
// may have filled or been cancelled by the exchange.
func (c *Coordinator) cancelOrderWarn(ctx context.Context, symbol string, orderID int64, label string) {
	err := c.exec.Do(ctx, "orderCancel", transport.CallOptions{}, func(ctx context.Context) error {
		_, err := c.exchange.CancelOrder(ctx, symbol, orderID)
		return err
	})
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		c.logger.Warn(ctx, "Failed to cancel protective order", map[string]interface{}{
			"symbol": symbol, "orderID": orderID, "type": label, "error": err.Error(),
		})
	}
}

// Tick ingests one price update directly, bypassing the stream. Used by
// callers that source ticks themselves; streamed ticks arrive via handleTick.
func (c *Coordinator) Tick(ctx context.Context, tick domain.PriceTick) {
	if !c.market.Apply(tick) {
		return
	}
	c.handleTick(ctx, tick)
}

// handleTick drives trailing state and exits for every position on the
// symbol of an accepted tick.
func (c *Coordinator) handleTick(ctx context.Context, tick domain.PriceTick) {
	price, ok := c.market.LatestPrice(tick.Symbol)
	if !ok {
		return
	}
	now := time.Now()
	for _, id := range c.manager.OpenIDs(tick.Symbol) {
		if err := c.manager.OnPriceTick(ctx, id, price); err != nil {
			if !errors.Is(err, ports.ErrPositionClosed) && !errors.Is(err, ports.ErrNotFound) {
				c.logger.Warn(ctx, "Tick handling failed", map[string]interface{}{
					"positionID": id, "error": err.Error(),
				})
			}
			continue
		}
		decision, err := c.manager.EvaluateExit(id, price, now)
		if err != nil || decision == domain.ExitNone {
			continue
		}
		if err := c.begin(); err != nil {
			return
		}
		c.closePosition(ctx, id, price, domain.CloseReasonForExit(decision))
		c.inFlight.Done()
	}
}

// ClosePosition closes a managed position at the market. Exposed for manual
// intervention and shutdown paths.
func (c *Coordinator) ClosePosition(ctx context.Context, id int64, reason domain.CloseReason) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.inFlight.Done()
	pos, err := c.manager.Get(id)
	if err != nil {
		return err
	}
	price, ok := c.market.LatestPrice(pos.Symbol)
	if !ok {
		price = pos.EntryPrice
	}
	return c.closePosition(ctx, id, price, reason)
}

// closePosition flattens the position on the exchange, cancels its
// protective orders, and realizes the close with the manager.
func (c *Coordinator) closePosition(ctx context.Context, id int64, fallbackPrice float64, reason domain.CloseReason) error {
	op := "Coordinator.closePosition"
	// Two tick sources observing the same exit must not both place a close
	// order: each submission carries a fresh client order id, so the
	// idempotency key cannot deduplicate them.
	if !c.beginClose(id) {
		return nil
	}
	defer c.endClose(id)
	pos, err := c.manager.Get(id)
	if err != nil {
		return err
	}
	v, ok := c.validators[pos.Symbol]
	if !ok {
		return fmt.Errorf("%s: no precision rules for %s: %w", op, pos.Symbol, ports.ErrConfigurationError)
	}
	qtyStr := v.FormatQuantity(pos.RemainingQty)

	closeClientID := uuid.NewString()
	var closeOrder *ports.OrderResponse
	err = c.exec.Do(ctx, "order", transport.CallOptions{IdempotencyKey: closeClientID}, func(ctx context.Context) error {
		var err error
		closeOrder, err = c.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(), qtyStr, closeClientID)
		return err
	})
	if err != nil {
		// The position stays open and the protective orders stay active.
		return fmt.Errorf("%s: closing order for position %d: %w", op, id, err)
	}

	if pos.StopLossOrderID != nil {
		if orderID, err := strconv.ParseInt(*pos.StopLossOrderID, 10, 64); err == nil {
			c.cancelOrderWarn(ctx, pos.Symbol, orderID, "SL")
		}
	}
	if pos.TakeProfitOrderID != nil {
		if orderID, err := strconv.ParseInt(*pos.TakeProfitOrderID, 10, 64); err == nil {
			c.cancelOrderWarn(ctx, pos.Symbol, orderID, "TP")
		}
	}

	exitPrice := closeOrder.AvgPrice
	if exitPrice == 0 {
		exitPrice = fallbackPrice
	}
	exitQty := closeOrder.ExecutedQty
	if exitQty == 0 {
		exitQty = pos.RemainingQty
	}
	if _, err := c.manager.Close(ctx, id, exitPrice, exitQty, reason); err != nil {
		return fmt.Errorf("%s: realizing close for position %d: %w", op, id, err)
	}
	return nil
}

// handleDivergence archives positions the exchange no longer reports, e.g.
// liquidations that happened while the stream was down. No orders are placed;
// the exposure is already gone.
func (c *Coordinator) handleDivergence(ctx context.Context, exchangeOpen []*ports.PositionRisk) {
	op := "Coordinator.handleDivergence"
	remote := make(map[string]bool, len(exchangeOpen))
	for _, p := range exchangeOpen {
		if p.PositionAmt != 0 {
			remote[p.Symbol] = true
		}
	}
	for _, id := range c.manager.OpenIDs("") {
		pos, err := c.manager.Get(id)
		if err != nil {
			continue
		}
		if remote[pos.Symbol] {
			continue
		}
		price, ok := c.market.LatestPrice(pos.Symbol)
		if !ok {
			price = pos.EntryPrice
		}
		c.logger.Warn(ctx, "Position gone on exchange, archiving as divergence", map[string]interface{}{
			"op": op, "positionID": id, "symbol": pos.Symbol,
		})
		if _, err := c.manager.Close(ctx, id, price, pos.RemainingQty, domain.CloseReasonDivergence); err != nil {
			c.logger.Error(ctx, err, "Failed to archive diverged position", map[string]interface{}{
				"op": op, "positionID": id,
			})
		}
	}
}

// Shutdown stops accepting new work and waits for in-flight operations to
// drain, bounded by the configured timeout.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(done)
	}()

	timeout := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timeout.Stop()
	select {
	case <-done:
		c.logger.Info(ctx, "Coordinator drained")
		return nil
	case <-timeout.C:
		return fmt.Errorf("shutdown drain timed out after %s: %w", c.cfg.ShutdownTimeout, ports.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) beginClose(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.closing[id]; ok {
		return false
	}
	c.closing[id] = struct{}{}
	return true
}

func (c *Coordinator) endClose(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.closing, id)
}

func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return ports.ErrShuttingDown
	}
	c.inFlight.Add(1)
	return nil
}

// emergencyFlatten reverses an entry fill that could not be registered.
func (c *Coordinator) emergencyFlatten(ctx context.Context, symbol string, entrySide domain.OrderSide, qtyStr string) {
	op := "Coordinator.emergencyFlatten"
	closeSide := domain.Sell
	if entrySide == domain.Sell {
		closeSide = domain.Buy
	}
	clientOrderID := uuid.NewString()
	err := c.exec.Do(ctx, "order", transport.CallOptions{IdempotencyKey: clientOrderID}, func(ctx context.Context) error {
		_, err := c.exchange.PlaceMarketOrder(ctx, symbol, closeSide, qtyStr, clientOrderID)
		return err
	})
	if err != nil {
		c.logger.Error(ctx, err, "EMERGENCY CLOSE FAILED", map[string]interface{}{
			"op": op, "symbol": symbol, "quantity": qtyStr,
		})
		return
	}
	c.logger.Warn(ctx, "Emergency close order placed", map[string]interface{}{
		"op": op, "symbol": symbol, "quantity": qtyStr,
	})
}

// lookupOrder asks the exchange whether a client order id landed. Run outside
// the idempotency guard since the original submission has already released it.
func (c *Coordinator) lookupOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	var resolved *ports.OrderResponse
	err := c.exec.Do(ctx, "orderLookup", transport.CallOptions{}, func(ctx context.Context) error {
		var err error
		resolved, err = c.exchange.GetOrderByClientID(ctx, symbol, clientOrderID)
		return err
	})
	return resolved, err
}

// ambiguous reports whether a submission failure leaves the order's fate
// unknown. Rejections and validation failures are definite; timeouts,
// cancellations mid-flight, and exhausted retries against a flaky network
// are not.
func ambiguous(err error) bool {
	return errors.Is(err, ports.ErrTimeout) ||
		errors.Is(err, ports.ErrContextCanceled) ||
		errors.Is(err, ports.ErrRetryBudgetExceeded) ||
		errors.Is(err, ports.ErrConnectionFailed)
}
