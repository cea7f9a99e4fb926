package ports

import (
	"context"
	"time"

	"leverbot/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // Caller-supplied idempotency key
	Price         float64   // Price of the order (0 for market orders initially)
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string    // Order type (e.g., MARKET, STOP_MARKET)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// PositionRisk represents exchange-reported state for an open position.
// It is the REST ground truth the market-data layer reconciles against.
type PositionRisk struct {
	Symbol           string  // Symbol of the position
	PositionAmt      float64 // Signed amount (positive long, negative short)
	EntryPrice       float64 // Average entry price
	MarkPrice        float64 // Current mark price
	UnRealizedProfit float64 // Unrealized profit/loss
	LiquidationPrice float64 // Estimated liquidation price
	Leverage         int     // Current leverage
}

// SymbolFilters carries the exchange-defined precision rules for a symbol.
type SymbolFilters struct {
	Symbol      string
	QtyStep     float64 // Quantity step size (LOT_SIZE)
	PriceTick   float64 // Price tick size (PRICE_FILTER)
	MinQty      float64 // Minimum order quantity
	MinNotional float64 // Minimum order notional in quote units
}

// ExchangeClient defines the interface for interacting with a derivatives
// exchange over REST. Order submissions carry a caller-supplied client order
// id so an ambiguous retry can be recognized as a duplicate of a prior
// attempt rather than a new order.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's clock with the exchange.
	SetServerTime(ctx context.Context) error

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetMarkPrice retrieves the current mark price for a symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetAccountBalance retrieves the available balance for an asset (e.g., "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// SetLeverage sets the leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// GetSymbolFilters retrieves quantity/price precision rules for a symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)

	// PlaceMarketOrder places a market order under the given client order id.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, clientOrderID string) (*OrderResponse, error)

	// PlaceStopMarketOrder places a stop-market order.
	PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string, clientOrderID string) (*OrderResponse, error)

	// PlaceTakeProfitMarketOrder places a take-profit-market order.
	PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string, clientOrderID string) (*OrderResponse, error)

	// GetOrderByClientID looks up an order by its client order id. Used after
	// an ambiguous failure to determine whether a submission actually landed.
	// Returns nil, nil when no such order exists.
	GetOrderByClientID(ctx context.Context, symbol string, clientOrderID string) (*OrderResponse, error)

	// CancelOrder cancels an existing open order by its exchange ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// GetPositionRisk retrieves the open position for a symbol, nil if none.
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)

	// GetOpenPositions retrieves every open position on the account.
	GetOpenPositions(ctx context.Context) ([]*PositionRisk, error)
}
