package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverbot/internal/domain"
	"leverbot/internal/marketdata"
	"leverbot/internal/ports"
	"leverbot/internal/position"
	"leverbot/internal/risk"
	"leverbot/internal/transport"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type placedOrder struct {
	symbol        string
	side          domain.OrderSide
	quantity      string
	stopPrice     string
	clientOrderID string
}

// fakeExchange scripts exchange behavior for the scenarios under test.
type fakeExchange struct {
	mu sync.Mutex

	markPrice float64
	balance   float64
	filters   ports.SymbolFilters
	openRisk  []*ports.PositionRisk

	marketOrders []placedOrder
	stopOrders   []placedOrder
	tpOrders     []placedOrder
	cancels      []int64

	// byClientID holds orders that actually landed on the exchange.
	byClientID map[string]*ports.OrderResponse

	// entryFailures makes the next N market orders return entryErr. With
	// landDespiteFailure the order is recorded as landed anyway, modeling a
	// response lost in transit.
	entryFailures      int
	entryErr           error
	landDespiteFailure bool
	stopOrderErr       error

	// marketOrderGate, when set, blocks market orders until the gate is
	// closed; each blocked order signals marketOrderEntered first.
	marketOrderGate    chan struct{}
	marketOrderEntered chan struct{}

	nextOrderID int64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		markPrice: 50_000,
		balance:   1_000,
		filters: ports.SymbolFilters{
			Symbol:      "ETHUSDT",
			QtyStep:     0.001,
			PriceTick:   0.01,
			MinQty:      0.001,
			MinNotional: 20,
		},
		byClientID: make(map[string]*ports.OrderResponse),
	}
}

func (f *fakeExchange) SetServerTime(ctx context.Context) error { return nil }
func (f *fakeExchange) Ping(ctx context.Context) error          { return nil }

func (f *fakeExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markPrice, nil
}

func (f *fakeExchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (*ports.SymbolFilters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.filters
	cp.Symbol = symbol
	return &cp, nil
}

func (f *fakeExchange) fill(symbol string, side domain.OrderSide, quantity, clientOrderID, orderType string) *ports.OrderResponse {
	f.nextOrderID++
	qty, _ := strconv.ParseFloat(quantity, 64)
	resp := &ports.OrderResponse{
		OrderID:       f.nextOrderID,
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		AvgPrice:      f.markPrice,
		OrigQuantity:  qty,
		ExecutedQty:   qty,
		Status:        "FILLED",
		Type:          orderType,
		Side:          string(side),
		Timestamp:     time.Now(),
	}
	f.byClientID[clientOrderID] = resp
	return resp
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, clientOrderID string) (*ports.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketOrderGate != nil {
		gate, entered := f.marketOrderGate, f.marketOrderEntered
		f.mu.Unlock()
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
		f.mu.Lock()
	}
	if f.entryFailures > 0 {
		f.entryFailures--
		if f.landDespiteFailure {
			if _, ok := f.byClientID[clientOrderID]; !ok {
				f.marketOrders = append(f.marketOrders, placedOrder{symbol, side, quantity, "", clientOrderID})
				f.fill(symbol, side, quantity, clientOrderID, "MARKET")
			}
		}
		return nil, f.entryErr
	}
	f.marketOrders = append(f.marketOrders, placedOrder{symbol, side, quantity, "", clientOrderID})
	return f.fill(symbol, side, quantity, clientOrderID, "MARKET"), nil
}

func (f *fakeExchange) PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string, clientOrderID string) (*ports.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopOrderErr != nil {
		return nil, f.stopOrderErr
	}
	f.stopOrders = append(f.stopOrders, placedOrder{symbol, side, quantity, stopPrice, clientOrderID})
	return f.fill(symbol, side, quantity, clientOrderID, "STOP_MARKET"), nil
}

func (f *fakeExchange) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string, clientOrderID string) (*ports.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpOrders = append(f.tpOrders, placedOrder{symbol, side, quantity, stopPrice, clientOrderID})
	return f.fill(symbol, side, quantity, clientOrderID, "TAKE_PROFIT_MARKET"), nil
}

func (f *fakeExchange) GetOrderByClientID(ctx context.Context, symbol string, clientOrderID string) (*ports.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byClientID[clientOrderID], nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return &ports.OrderResponse{OrderID: orderID, Status: "CANCELED"}, nil
}

func (f *fakeExchange) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	return nil, nil
}

func (f *fakeExchange) GetOpenPositions(ctx context.Context) ([]*ports.PositionRisk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openRisk, nil
}

type stubStream struct {
	ticks chan domain.PriceTick
	errs  chan error
}

func newStubStream() *stubStream {
	return &stubStream{ticks: make(chan domain.PriceTick), errs: make(chan error, 1)}
}

func (s *stubStream) Connect(ctx context.Context) error { return nil }
func (s *stubStream) Ticks() <-chan domain.PriceTick    { return s.ticks }
func (s *stubStream) Errs() <-chan error                { return s.errs }
func (s *stubStream) Close() error                      { return nil }

type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	positions map[int64]domain.Position
}

func (r *memRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	cp := *pos
	cp.ID = r.nextID
	r.positions[cp.ID] = cp
	return cp.ID, nil
}

func (r *memRepo) Update(ctx context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[pos.ID] = *pos
	return nil
}

func (r *memRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		if p.State == domain.StateOpen {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

type memHistory struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (h *memHistory) Record(ctx context.Context, trade *domain.Trade) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trades = append(h.trades, trade)
	return int64(len(h.trades)), nil
}

func (h *memHistory) RecentStats(ctx context.Context, window int) (ports.TradeStats, error) {
	return ports.TradeStats{}, nil
}

func (h *memHistory) CountToday(ctx context.Context) (int, error) { return 0, nil }

// observerProxy breaks the construction cycle between the manager and the
// coordinator, which observes its own managed closes.
type observerProxy struct{ target position.CloseObserver }

func (o *observerProxy) PositionClosed(ctx context.Context, trade *domain.Trade) {
	if o.target != nil {
		o.target.PositionClosed(ctx, trade)
	}
}

type fixture struct {
	coord    *Coordinator
	exchange *fakeExchange
	market   *marketdata.Sync
	engine   *risk.Engine
	manager  *position.Manager
	repo     *memRepo
	history  *memHistory
	cancel   context.CancelFunc
}

func riskConfig() risk.Config {
	return risk.Config{
		MinRiskFraction:        0.005,
		MaxRiskFraction:        0.04,
		PriorAlpha:             20,
		PriorBeta:              20,
		StatsWindow:            50,
		RoundTripFeeRate:       0.0012,
		BaseStopDistance:       0.005,
		VolStopMultiple:        1.5,
		TakeProfitStopMultiple: 3,
		SmallBalanceTier:       100,
		LargeBalanceTier:       1000,
		SmallMinProfit:         0.009,
		MidMinProfit:           0.0075,
		LargeMinProfit:         0.006,
		HeatCeilingFraction:    0.10,
		MaxPositionsPerGroup:   1,
		MinNotional:            20,
		Leverage:               10,
	}
}

// fixtureConfig lets a test tune the risk policy or seed persisted positions
// before the coordinator bootstraps.
type fixtureConfig struct {
	risk  risk.Config
	seeds []domain.Position
}

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()
	fc := fixtureConfig{risk: riskConfig()}
	for _, o := range opts {
		o(&fc)
	}
	f := &fixture{
		exchange: newFakeExchange(),
		repo:     &memRepo{positions: make(map[int64]domain.Position)},
		history:  &memHistory{},
	}
	for i := range fc.seeds {
		_, err := f.repo.Create(context.Background(), &fc.seeds[i])
		require.NoError(t, err)
	}
	logger := nopLogger{}

	breaker, err := transport.NewBreaker(transport.BreakerConfig{
		FailureThreshold: 100,
		Cooldown:         time.Second,
		Logger:           logger,
	})
	require.NoError(t, err)
	exec, err := transport.NewExecutor(transport.Config{
		MaxRetries:     2,
		NetworkRetries: 1,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		CallTimeout:    time.Second,
		Logger:         logger,
		Breaker:        breaker,
	})
	require.NoError(t, err)

	f.market, err = marketdata.New(marketdata.Config{
		Symbols:            []string{"ETHUSDT"},
		StalenessThreshold: time.Hour,
	}, logger, f.exchange, exec, newStubStream())
	require.NoError(t, err)

	f.engine, err = risk.NewEngine(fc.risk, logger, f.history)
	require.NoError(t, err)

	// QtySteps stays empty here: Bootstrap must wire the quantity steps from
	// the exchange filters.
	proxy := &observerProxy{}
	f.manager, err = position.NewManager(position.Config{
		LockThreshold:    0.75,
		BreakevenTrigger: 0.02,
		BreakevenBuffer:  0.001,
		RoundTripFeeRate: 0.0012,
	}, logger, f.repo, f.history, proxy, nil)
	require.NoError(t, err)

	f.coord, err = New(Config{
		Symbols:         []string{"ETHUSDT"},
		Leverage:        10,
		ShutdownTimeout: time.Second,
	}, logger, f.exchange, exec, f.market, f.engine, f.manager, f.repo)
	require.NoError(t, err)
	proxy.target = f.coord

	require.NoError(t, f.coord.Bootstrap(context.Background()))
	return f
}

// startStreaming brings the market view to STREAMING through a real Run loop
// so candidates are not suppressed as stale.
func (f *fixture) startStreaming(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() { _ = f.market.Run(ctx) }()
	require.Eventually(t, func() bool {
		return f.market.State() == marketdata.StateStreaming
	}, 2*time.Second, 5*time.Millisecond)
}

func candidate() domain.Candidate {
	return domain.Candidate{Symbol: "ETHUSDT", Side: domain.Long, Confidence: 0.8}
}

func TestEvaluateAndMaybeOpenEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	dec, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.True(t, dec.Approved)
	require.NotNil(t, pos)

	// $1,000 at the 4% ceiling risks $40; a 0.5% stop puts $8,000 notional
	// on the book, 0.16 units at $50,000.
	assert.InDelta(t, 0.04, dec.RiskFraction, 1e-9)
	assert.InDelta(t, 40, dec.RiskCapital, 1e-9)
	assert.InDelta(t, 0.16, dec.Quantity, 1e-9)
	assert.InDelta(t, 49_750, pos.StopLoss, 1e-6)
	assert.InDelta(t, 50_750, pos.TakeProfit, 1e-6)

	require.Len(t, f.exchange.marketOrders, 1)
	entry := f.exchange.marketOrders[0]
	assert.Equal(t, domain.Buy, entry.side)
	assert.Equal(t, pos.ClientOrderID, entry.clientOrderID)
	qty, _ := strconv.ParseFloat(entry.quantity, 64)
	assert.InDelta(t, 0.16, qty, 1e-9)

	require.Len(t, f.exchange.stopOrders, 1)
	slPrice, _ := strconv.ParseFloat(f.exchange.stopOrders[0].stopPrice, 64)
	assert.InDelta(t, 49_750, slPrice, 1e-6)
	require.Len(t, f.exchange.tpOrders, 1)
	tpPrice, _ := strconv.ParseFloat(f.exchange.tpOrders[0].stopPrice, 64)
	assert.InDelta(t, 50_750, tpPrice, 1e-6)

	// The reservation is confirmed, not released.
	assert.InDelta(t, 40, f.engine.Heat(), 1e-9)

	stored, err := f.repo.FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.StopLossOrderID)
	assert.NotNil(t, stored.TakeProfitOrderID)
}

func TestStaleMarketDataSuppressesCandidates(t *testing.T) {
	f := newFixture(t)
	// No Run loop: the feed never left RECONNECTING.

	dec, pos, err := f.coord.EvaluateAndMaybeOpen(context.Background(), candidate())
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.False(t, dec.Approved)
	assert.Equal(t, domain.RejectStaleMarketData, dec.Reason)
	assert.Empty(t, f.exchange.marketOrders)
}

func TestRejectionPlacesNoOrders(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	_, pos1, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.NotNil(t, pos1)
	ordersAfterFirst := len(f.exchange.marketOrders)

	// Second candidate on the same symbol hits the correlation-group cap.
	dec, pos2, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	assert.Nil(t, pos2)
	assert.False(t, dec.Approved)
	assert.Equal(t, domain.RejectCorrelationGroupFull, dec.Reason)
	assert.Len(t, f.exchange.marketOrders, ordersAfterFirst)
}

func TestAmbiguousEntryResolvedByClientOrderID(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	// Every submission attempt reports a timeout, but the first one actually
	// landed. The retry budget burns down, the coordinator resolves the fate
	// through the client order id, and exactly one position exists.
	f.exchange.mu.Lock()
	f.exchange.entryFailures = 10
	f.exchange.entryErr = fmt.Errorf("%w: no response", ports.ErrTimeout)
	f.exchange.landDespiteFailure = true
	f.exchange.mu.Unlock()

	dec, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.True(t, dec.Approved)
	require.NotNil(t, pos)

	assert.Len(t, f.exchange.marketOrders, 1)
	assert.Len(t, f.manager.OpenIDs("ETHUSDT"), 1)
	assert.InDelta(t, 40, f.engine.Heat(), 1e-9)
}

func TestEntryThatNeverLandedAbortsReservation(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	f.exchange.mu.Lock()
	f.exchange.entryFailures = 10
	f.exchange.entryErr = fmt.Errorf("%w: no response", ports.ErrTimeout)
	f.exchange.mu.Unlock()

	_, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	assert.Error(t, err)
	assert.Nil(t, pos)
	assert.Zero(t, f.engine.Heat(), "aborted reservation must release its heat")
	assert.Empty(t, f.manager.OpenIDs(""))
}

func TestStopOrderFailureClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	f.exchange.mu.Lock()
	f.exchange.stopOrderErr = fmt.Errorf("%w: rejected", ports.ErrOrderPlacementFailed)
	f.exchange.mu.Unlock()

	_, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	assert.Error(t, err)
	assert.Nil(t, pos)

	// Entry plus the flattening close.
	assert.Len(t, f.exchange.marketOrders, 2)
	assert.Equal(t, domain.Buy, f.exchange.marketOrders[0].side)
	assert.Equal(t, domain.Sell, f.exchange.marketOrders[1].side)
	assert.Empty(t, f.manager.OpenIDs(""))
	assert.Zero(t, f.engine.Heat())

	f.history.mu.Lock()
	defer f.history.mu.Unlock()
	require.NotEmpty(t, f.history.trades)
	assert.Equal(t, domain.CloseReasonEmergency, f.history.trades[len(f.history.trades)-1].CloseReason)
}

func TestTickDrivesStopExit(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	_, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.NotNil(t, pos)

	f.coord.Tick(ctx, domain.PriceTick{Symbol: "ETHUSDT", Price: 49_700, Sequence: 1})

	assert.Empty(t, f.manager.OpenIDs("ETHUSDT"))
	stored, err := f.repo.FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, stored.State)
	assert.Equal(t, domain.CloseReasonStopLoss, stored.CloseReason)

	// Protective orders were cancelled with the close.
	assert.Len(t, f.exchange.cancels, 2)
	// The heat released and the loss registered with the risk engine.
	assert.Zero(t, f.engine.Heat())
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	require.NoError(t, f.coord.Shutdown(ctx))

	_, _, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	assert.ErrorIs(t, err, ports.ErrShuttingDown)
}

func TestBootstrapRestoresHeatForAdoptedPositions(t *testing.T) {
	f := newFixture(t, func(fc *fixtureConfig) {
		// A group cap of 2 keeps the correlation gate out of the way; the
		// heat ceiling is what must stop the second entry.
		fc.risk.MaxPositionsPerGroup = 2
		fc.seeds = []domain.Position{{
			Symbol:       "ETHUSDT",
			Side:         domain.Long,
			EntryPrice:   50_000,
			StopLoss:     49_750,
			TakeProfit:   50_750,
			Quantity:     0.38,
			RemainingQty: 0.38,
			Leverage:     10,
			State:        domain.StateOpen,
			EntryTime:    time.Now(),
		}}
	})
	// The exchange still reports the position so resync sees no divergence.
	f.exchange.mu.Lock()
	f.exchange.openRisk = []*ports.PositionRisk{{Symbol: "ETHUSDT", PositionAmt: 0.38, EntryPrice: 50_000}}
	f.exchange.mu.Unlock()
	f.startStreaming(t)

	// $95 of the $100 ceiling is already at risk from the restored position.
	assert.InDelta(t, 95, f.engine.Heat(), 1e-9)

	dec, pos, err := f.coord.EvaluateAndMaybeOpen(context.Background(), candidate())
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.False(t, dec.Approved)
	assert.Equal(t, domain.RejectPortfolioHeat, dec.Reason)
	assert.Empty(t, f.exchange.marketOrders)
}

func TestBootstrapWiresQuantitySteps(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	_, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.NotNil(t, pos)

	// A partial close leaving less than the 0.001 step must finish the
	// position: the residual cannot be closed on the exchange.
	_, err = f.manager.Close(ctx, pos.ID, 50_500, pos.RemainingQty-0.0004, domain.CloseReasonTakeProfit)
	require.NoError(t, err)
	assert.Empty(t, f.manager.OpenIDs("ETHUSDT"))

	stored, err := f.repo.FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, stored.State)
}

func TestConcurrentExitSignalsPlaceOneCloseOrder(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	_, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.NotNil(t, pos)

	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	f.exchange.mu.Lock()
	f.exchange.marketOrderGate = gate
	f.exchange.marketOrderEntered = entered
	f.exchange.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- f.coord.ClosePosition(ctx, pos.ID, domain.CloseReasonManual)
	}()
	<-entered // the first close order is in flight at the exchange

	// A second exit signal for the same position must not reach the exchange:
	// each close order carries a fresh client order id, so nothing downstream
	// can deduplicate it.
	require.NoError(t, f.coord.ClosePosition(ctx, pos.ID, domain.CloseReasonManual))

	close(gate)
	require.NoError(t, <-done)

	// The entry plus exactly one close order.
	assert.Len(t, f.exchange.marketOrders, 2)
	assert.Empty(t, f.manager.OpenIDs("ETHUSDT"))
}

func TestDivergenceArchivesMissingPositions(t *testing.T) {
	f := newFixture(t)
	f.startStreaming(t)
	ctx := context.Background()

	_, pos, err := f.coord.EvaluateAndMaybeOpen(ctx, candidate())
	require.NoError(t, err)
	require.NotNil(t, pos)

	// Exchange reports nothing open: the position vanished server-side.
	f.coord.handleDivergence(ctx, nil)

	assert.Empty(t, f.manager.OpenIDs(""))
	stored, err := f.repo.FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, stored.State)
	assert.Equal(t, domain.CloseReasonDivergence, stored.CloseReason)
	assert.Zero(t, f.engine.Heat())
}
