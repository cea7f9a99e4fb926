// Package marketdata reconciles a streaming price feed with REST ground
// truth and presents a single consistent view to the execution core. The
// view never regresses: out-of-order stream messages are dropped, and data
// older than the staleness threshold is withheld from decision paths.
package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"leverbot/internal/domain"
	"leverbot/internal/ports"
	"leverbot/internal/transport"
)

// SyncState describes feed health.
type SyncState string

const (
	StateStreaming    SyncState = "STREAMING"
	StateReconnecting SyncState = "RECONNECTING"
)

// Config configures the sync layer.
type Config struct {
	Symbols            []string
	QuoteAsset         string        // Account asset for balance resync (e.g., "USDT")
	StalenessThreshold time.Duration // Quotes older than this are withheld
	ReconnectMinDelay  time.Duration
	ReconnectMaxDelay  time.Duration
}

// DivergenceHandler is invoked when REST-reported open positions do not match
// the in-memory set, e.g. a position liquidated while disconnected.
type DivergenceHandler func(ctx context.Context, exchangeOpen []*ports.PositionRisk)

type quote struct {
	price float64
	seq   int64
	at    time.Time
}

// Sync owns the reconciled market view.
type Sync struct {
	cfg      Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	exec     *transport.Executor
	stream   ports.StreamClient
	now      func() time.Time

	mu        sync.RWMutex
	state     SyncState
	quotes    map[string]*quote
	balance   float64
	onDiverge DivergenceHandler
	onTick    []TickHandler
	openView  func() map[string]int64 // symbol -> open position count/id marker
}

// TickHandler is invoked for every tick accepted into the view.
type TickHandler func(ctx context.Context, tick domain.PriceTick)

// New creates a market-data sync layer. REST truth calls go through the
// transport executor so they share the retry and circuit policy.
func New(cfg Config, logger ports.Logger, exchange ports.ExchangeClient, exec *transport.Executor, stream ports.StreamClient) (*Sync, error) {
	if logger == nil || exchange == nil || exec == nil || stream == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for market data sync", ports.ErrConfigurationError)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", ports.ErrConfigurationError)
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 10 * time.Second
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = time.Minute
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Sync{
		cfg:      cfg,
		logger:   logger,
		exchange: exchange,
		exec:     exec,
		stream:   stream,
		now:      time.Now,
		state:    StateReconnecting, // not trustworthy until the first resync
		quotes:   make(map[string]*quote),
	}, nil
}

// OnTick registers a callback that receives accepted ticks, e.g. the
// coordinator's reprice-and-exit path. Handlers accumulate; dropped ticks
// never reach them.
func (s *Sync) OnTick(h TickHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = append(s.onTick, h)
}

// OnPositionsDiverged registers the reconciliation callback.
func (s *Sync) OnPositionsDiverged(h DivergenceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDiverge = h
}

// SetOpenPositionsView supplies the in-memory open-position view the REST
// truth is compared against. The function must be safe for concurrent use.
func (s *Sync) SetOpenPositionsView(view func() map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openView = view
}

// Apply ingests one streamed tick. It returns false when the tick is dropped:
// non-finite or non-positive prices, unknown zero symbols, and sequence
// regressions never alter the view.
func (s *Sync) Apply(tick domain.PriceTick) bool {
	if tick.Symbol == "" || !isFinitePositive(tick.Price) {
		s.logger.Warn(context.Background(), "Dropping invalid market data", map[string]interface{}{
			"symbol": tick.Symbol, "price": tick.Price, "sequence": tick.Sequence,
		})
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[tick.Symbol]
	if ok && tick.Sequence <= q.seq {
		s.logger.Debug(context.Background(), "Dropping out-of-order tick", map[string]interface{}{
			"symbol": tick.Symbol, "sequence": tick.Sequence, "lastAccepted": q.seq,
		})
		return false
	}
	if !ok {
		q = &quote{}
		s.quotes[tick.Symbol] = q
	}
	q.price = tick.Price
	q.seq = tick.Sequence
	q.at = s.now()
	return true
}

// LatestPrice returns the latest known price for a symbol. ok is false when
// no quote exists yet.
func (s *Sync) LatestPrice(symbol string) (price float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return 0, false
	}
	return q.price, true
}

// IsStale reports whether decisions based on the symbol's quote must be
// suppressed: the feed is reconnecting, no quote exists, or the quote is
// older than the staleness threshold.
func (s *Sync) IsStale(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateStreaming {
		return true
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return true
	}
	return s.now().Sub(q.at) > s.cfg.StalenessThreshold
}

// State returns the current feed state.
func (s *Sync) State() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Balance returns the quote-asset balance captured at the last resync.
func (s *Sync) Balance() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

// Run drives the stream: connect, resync against REST truth, consume ticks,
// and on disconnect re-enter RECONNECTING with backoff. It blocks until the
// context is cancelled.
func (s *Sync) Run(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    s.cfg.ReconnectMinDelay,
		Max:    s.cfg.ReconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.stream.Connect(ctx); err != nil {
			delay := bo.Duration()
			s.logger.Warn(ctx, "Stream connection failed, retrying", map[string]interface{}{
				"error": err.Error(), "delay": delay.String(),
			})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Resync REST truth before trusting stream-driven updates again:
		// anything missed during the outage must not drive decisions.
		if err := s.Resync(ctx); err != nil {
			s.logger.Error(ctx, err, "REST resync failed after reconnect")
			_ = s.stream.Close()
			select {
			case <-time.After(bo.Duration()):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		bo.Reset()
		s.setState(StateStreaming)
		s.logger.Info(ctx, "Market data streaming", map[string]interface{}{"symbols": s.cfg.Symbols})

		s.consume(ctx)

		s.setState(StateReconnecting)
		if ctx.Err() != nil {
			_ = s.stream.Close()
			return ctx.Err()
		}
		s.logger.Warn(ctx, "Market data stream lost, reconnecting")
	}
}

// consume reads the stream until it drops or the context ends.
func (s *Sync) consume(ctx context.Context) {
	for {
		select {
		case tick, ok := <-s.stream.Ticks():
			if !ok {
				return
			}
			if s.Apply(tick) {
				for _, h := range s.tickHandlers() {
					h(ctx, tick)
				}
			}
		case err, ok := <-s.stream.Errs():
			if ok && err != nil {
				s.logger.Warn(ctx, "Stream error reported", map[string]interface{}{"error": err.Error()})
			}
		case <-ctx.Done():
			return
		}
	}
}

// Resync pulls positions, balance, and last prices from REST and refreshes
// the view. It also compares exchange-reported open positions against the
// in-memory set and invokes the divergence handler on mismatch.
func (s *Sync) Resync(ctx context.Context) error {
	var open []*ports.PositionRisk
	err := s.exec.Do(ctx, "positions", transport.CallOptions{}, func(ctx context.Context) error {
		var err error
		open, err = s.exchange.GetOpenPositions(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("resync positions: %w", err)
	}

	var balance float64
	err = s.exec.Do(ctx, "balance", transport.CallOptions{}, func(ctx context.Context) error {
		var err error
		balance, err = s.exchange.GetAccountBalance(ctx, s.cfg.QuoteAsset)
		return err
	})
	if err != nil {
		return fmt.Errorf("resync balance: %w", err)
	}

	prices := make(map[string]float64, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		var price float64
		err = s.exec.Do(ctx, "price", transport.CallOptions{}, func(ctx context.Context) error {
			var err error
			price, err = s.exchange.GetMarkPrice(ctx, symbol)
			return err
		})
		if err != nil {
			return fmt.Errorf("resync price for %s: %w", symbol, err)
		}
		prices[symbol] = price
	}

	s.mu.Lock()
	s.balance = balance
	now := s.now()
	for symbol, price := range prices {
		q, ok := s.quotes[symbol]
		if !ok {
			q = &quote{}
			s.quotes[symbol] = q
		}
		// REST truth overwrites price and freshness but keeps the stream
		// sequence so a replayed pre-outage message still gets dropped.
		q.price = price
		q.at = now
	}
	view := s.openView
	handler := s.onDiverge
	s.mu.Unlock()

	s.logger.Info(ctx, "REST resync complete", map[string]interface{}{
		"openPositions": len(open), "balance": balance,
	})

	if view != nil && handler != nil && diverged(open, view()) {
		s.logger.Warn(ctx, "Open positions diverged from exchange truth", map[string]interface{}{
			"exchangeOpen": len(open),
		})
		handler(ctx, open)
	}
	return nil
}

// diverged compares the exchange's open set against the in-memory view by
// symbol presence.
func diverged(exchangeOpen []*ports.PositionRisk, local map[string]int64) bool {
	remote := make(map[string]bool, len(exchangeOpen))
	for _, p := range exchangeOpen {
		if p.PositionAmt != 0 {
			remote[p.Symbol] = true
		}
	}
	if len(remote) != len(local) {
		return true
	}
	for symbol := range local {
		if !remote[symbol] {
			return true
		}
	}
	return false
}

func (s *Sync) tickHandlers() []TickHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onTick
}

func (s *Sync) setState(st SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
