// Package stream provides the live mark-price feed over a Binance futures
// combined websocket stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leverbot/internal/domain"
	"leverbot/internal/ports"
)

const (
	wsURLProduction = "wss://fstream.binance.com"
	wsURLTestnet    = "wss://stream.binancefuture.com"
)

// Config configures the mark-price stream.
type Config struct {
	Symbols     []string
	UseTestnet  bool
	Logger      ports.Logger
	ReadTimeout time.Duration // Connection is considered dead after this much silence
	ReadLimit   int64         // Max message size in bytes
}

// MarkPriceStream implements ports.StreamClient over the Binance futures
// markPriceUpdate combined stream. Each Connect opens a fresh connection and
// fresh channels; the ticks channel is closed when the connection drops, which
// is the reconnect signal for the consumer.
type MarkPriceStream struct {
	cfg    Config
	logger ports.Logger
	url    string

	mu    sync.Mutex
	conn  *websocket.Conn
	ticks chan domain.PriceTick
	errs  chan error
}

// New creates a mark-price stream client for the given symbols.
func New(cfg Config) (*MarkPriceStream, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for mark-price stream", ports.ErrConfigurationError)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", ports.ErrConfigurationError)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}

	base := wsURLProduction
	if cfg.UseTestnet {
		base = wsURLTestnet
	}
	streams := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		streams = append(streams, strings.ToLower(sym)+"@markPrice@1s")
	}

	return &MarkPriceStream{
		cfg:    cfg,
		logger: cfg.Logger,
		url:    base + "/stream?streams=" + strings.Join(streams, "/"),
	}, nil
}

// Connect dials the combined stream and starts the read pump. Channels from a
// previous connection are replaced; callers must re-fetch Ticks after a drop.
func (s *MarkPriceStream) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w: %w", s.url, ports.ErrConnectionFailed, err)
	}

	conn.SetReadLimit(s.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	// The exchange pings periodically; gorilla's default handler answers with
	// a pong, we only extend the deadline.
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.ticks = make(chan domain.PriceTick, 256)
	s.errs = make(chan error, 8)
	ticks, errs := s.ticks, s.errs
	s.mu.Unlock()

	s.logger.Info(ctx, "Mark-price stream connected", map[string]interface{}{"url": s.url})
	go s.readPump(ctx, conn, ticks, errs)
	return nil
}

// Ticks delivers parsed price updates for the current connection.
func (s *MarkPriceStream) Ticks() <-chan domain.PriceTick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Errs delivers asynchronous connection errors for the current connection.
func (s *MarkPriceStream) Errs() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// Close tears down the current connection. The read pump notices the closed
// socket and closes the ticks channel.
func (s *MarkPriceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// combinedEvent is the envelope of the /stream multiplexed endpoint.
type combinedEvent struct {
	Stream string          `json:"stream"`
	Data   markPriceUpdate `json:"data"`
}

// markPriceUpdate is the markPriceUpdate event payload.
type markPriceUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// readPump reads messages until the connection drops, translating
// markPriceUpdate events into price ticks. Event time doubles as the tick
// sequence: the consumer drops anything that does not advance it.
func (s *MarkPriceStream) readPump(ctx context.Context, conn *websocket.Conn, ticks chan domain.PriceTick, errs chan error) {
	defer func() {
		_ = conn.Close()
		close(ticks)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case errs <- fmt.Errorf("stream read: %w: %w", ports.ErrConnectionFailed, err):
			default:
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		var event combinedEvent
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Warn(ctx, "Dropping unparseable stream message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if event.Data.EventType != "markPriceUpdate" {
			continue
		}
		price, err := strconv.ParseFloat(event.Data.MarkPrice, 64)
		if err != nil {
			s.logger.Warn(ctx, "Dropping tick with unparseable price", map[string]interface{}{
				"symbol": event.Data.Symbol, "price": event.Data.MarkPrice,
			})
			continue
		}

		tick := domain.PriceTick{
			Symbol:    event.Data.Symbol,
			Price:     price,
			Sequence:  event.Data.EventTime,
			EventTime: time.UnixMilli(event.Data.EventTime),
		}
		select {
		case ticks <- tick:
		case <-ctx.Done():
			return
		default:
			// Slow consumer: drop the oldest buffered tick in favor of the
			// fresh one so the view converges on the latest price.
			select {
			case <-ticks:
			default:
			}
			select {
			case ticks <- tick:
			default:
			}
		}
	}
}
