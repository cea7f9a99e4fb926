package ports

import (
	"context"

	"leverbot/internal/domain"
)

// StreamClient is a live market-data connection. Implementations own the
// socket; reconnection policy lives in the market-data layer, which calls
// Connect again after a failure.
type StreamClient interface {
	// Connect dials the feed and starts delivering ticks. It returns once the
	// connection is established or fails; delivery is asynchronous.
	Connect(ctx context.Context) error
	// Ticks delivers parsed price updates. The channel is closed when the
	// connection drops.
	Ticks() <-chan domain.PriceTick
	// Errs delivers asynchronous connection errors.
	Errs() <-chan error
	// Close tears down the connection.
	Close() error
}
