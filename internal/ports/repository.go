package ports

import (
	"context"

	"leverbot/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving positions.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpen retrieves all currently open positions.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
}

// TradeStats summarizes recent realized outcomes for the sizing engine.
type TradeStats struct {
	Wins   int
	Losses int
}

// TradeRepository is the trade-history collaborator: closed positions are
// recorded through it and the risk engine reads win/loss statistics back.
type TradeRepository interface {
	// Record saves a realized trade and returns its assigned ID.
	Record(ctx context.Context, trade *domain.Trade) (int64, error)
	// RecentStats returns win/loss counts over the most recent `window` trades.
	RecentStats(ctx context.Context, window int) (TradeStats, error)
	// CountToday counts trades executed today across all symbols.
	CountToday(ctx context.Context) (int, error)
}

// RiskStateRepository persists the risk engine's aggregate account state so
// streaks and drawdown survive a restart. The engine itself only holds the
// in-memory value and exposes snapshot/restore hooks.
type RiskStateRepository interface {
	// SaveRiskState stores the serialized risk state, replacing any prior value.
	SaveRiskState(ctx context.Context, state []byte) error
	// LoadRiskState returns the stored risk state, nil if none was saved yet.
	LoadRiskState(ctx context.Context) ([]byte, error)
}
