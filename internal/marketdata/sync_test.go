package marketdata

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverbot/internal/domain"
	"leverbot/internal/ports"
	"leverbot/internal/transport"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type stubExchange struct {
	ports.ExchangeClient

	mu        sync.Mutex
	open      []*ports.PositionRisk
	balance   float64
	markPrice map[string]float64
}

func (s *stubExchange) GetOpenPositions(ctx context.Context) ([]*ports.PositionRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open, nil
}

func (s *stubExchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markPrice[symbol], nil
}

type stubStream struct {
	ticks chan domain.PriceTick
	errs  chan error
}

func newStubStream() *stubStream {
	return &stubStream{ticks: make(chan domain.PriceTick, 16), errs: make(chan error, 1)}
}

func (s *stubStream) Connect(ctx context.Context) error { return nil }
func (s *stubStream) Ticks() <-chan domain.PriceTick    { return s.ticks }
func (s *stubStream) Errs() <-chan error                { return s.errs }
func (s *stubStream) Close() error                      { return nil }

func newTestSync(t *testing.T, ex *stubExchange) *Sync {
	t.Helper()
	br, err := transport.NewBreaker(transport.BreakerConfig{
		FailureThreshold: 10, Cooldown: time.Second, Logger: nopLogger{},
	})
	require.NoError(t, err)
	exec, err := transport.NewExecutor(transport.Config{
		MaxRetries: 1, NetworkRetries: 1, BaseDelay: time.Millisecond,
		Logger: nopLogger{}, Breaker: br,
	})
	require.NoError(t, err)
	s, err := New(Config{
		Symbols:            []string{"ETHUSDT"},
		StalenessThreshold: time.Second,
	}, nopLogger{}, ex, exec, newStubStream())
	require.NoError(t, err)
	return s
}

func TestApplyAcceptsMonotonicSequences(t *testing.T) {
	s := newTestSync(t, &stubExchange{})

	assert.True(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 2000, Sequence: 10}))
	assert.True(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 2001, Sequence: 11}))

	price, ok := s.LatestPrice("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 2001.0, price)
}

func TestApplyDropsOutOfOrderMessages(t *testing.T) {
	s := newTestSync(t, &stubExchange{})

	require.True(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 2000, Sequence: 10}))

	// Lower and equal sequences must not alter the latest price.
	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 1990, Sequence: 9}))
	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 1995, Sequence: 10}))

	price, ok := s.LatestPrice("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 2000.0, price)
}

func TestApplyRejectsInvalidPrices(t *testing.T) {
	s := newTestSync(t, &stubExchange{})

	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: math.NaN(), Sequence: 1}))
	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: math.Inf(1), Sequence: 2}))
	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 0, Sequence: 3}))
	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: -5, Sequence: 4}))

	_, ok := s.LatestPrice("ETHUSDT")
	assert.False(t, ok)
}

func TestIsStale(t *testing.T) {
	s := newTestSync(t, &stubExchange{})

	// No quote and reconnecting state: stale.
	assert.True(t, s.IsStale("ETHUSDT"))

	now := time.Now()
	s.now = func() time.Time { return now }
	s.setState(StateStreaming)
	require.True(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 2000, Sequence: 1}))
	assert.False(t, s.IsStale("ETHUSDT"))

	// Quote ages out.
	now = now.Add(2 * time.Second)
	assert.True(t, s.IsStale("ETHUSDT"))

	// Reconnecting suppresses even fresh quotes.
	require.True(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 2000, Sequence: 2}))
	s.setState(StateReconnecting)
	assert.True(t, s.IsStale("ETHUSDT"))
}

func TestResyncRefreshesViewAndKeepsSequenceGate(t *testing.T) {
	ex := &stubExchange{balance: 1234.5, markPrice: map[string]float64{"ETHUSDT": 2050}}
	s := newTestSync(t, ex)

	require.True(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 2000, Sequence: 50}))
	require.NoError(t, s.Resync(context.Background()))

	price, ok := s.LatestPrice("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 2050.0, price)
	assert.Equal(t, 1234.5, s.Balance())

	// A stale pre-outage message replayed after resync is still dropped.
	assert.False(t, s.Apply(domain.PriceTick{Symbol: "ETHUSDT", Price: 1900, Sequence: 49}))
	price, _ = s.LatestPrice("ETHUSDT")
	assert.Equal(t, 2050.0, price)
}

func TestResyncInvokesDivergenceHandler(t *testing.T) {
	ex := &stubExchange{markPrice: map[string]float64{"ETHUSDT": 2000}}
	s := newTestSync(t, ex)

	// Local view believes one position is open; exchange reports none
	// (e.g., liquidated during the outage).
	s.SetOpenPositionsView(func() map[string]int64 {
		return map[string]int64{"ETHUSDT": 7}
	})
	var reported []*ports.PositionRisk
	called := false
	s.OnPositionsDiverged(func(ctx context.Context, open []*ports.PositionRisk) {
		called = true
		reported = open
	})

	require.NoError(t, s.Resync(context.Background()))
	assert.True(t, called)
	assert.Empty(t, reported)
}

func TestResyncNoDivergenceWhenSetsMatch(t *testing.T) {
	ex := &stubExchange{
		open:      []*ports.PositionRisk{{Symbol: "ETHUSDT", PositionAmt: 0.5}},
		markPrice: map[string]float64{"ETHUSDT": 2000},
	}
	s := newTestSync(t, ex)

	s.SetOpenPositionsView(func() map[string]int64 {
		return map[string]int64{"ETHUSDT": 7}
	})
	called := false
	s.OnPositionsDiverged(func(ctx context.Context, open []*ports.PositionRisk) { called = true })

	require.NoError(t, s.Resync(context.Background()))
	assert.False(t, called)
}
