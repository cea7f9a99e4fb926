package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"leverbot/internal/domain"
	"leverbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository, ports.TradeRepository, and
// ports.RiskStateRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/leverbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits from
	// limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		quantity REAL NOT NULL,
		remaining_quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		high_water REAL NOT NULL DEFAULT 0,
		peak_progress REAL NOT NULL DEFAULT 0,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		state TEXT NOT NULL,
		trailing TEXT NOT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		sl_order_id TEXT DEFAULT NULL,
		tp_order_id TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions (symbol, state);
	CREATE INDEX IF NOT EXISTS idx_trade_history_exit_time ON trade_history (exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, entry_price, quantity, remaining_quantity, leverage,
	                       stop_loss, take_profit, high_water, peak_progress, entry_time,
	                       state, trailing, client_order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.RemainingQty, pos.Leverage,
		pos.StopLoss, pos.TakeProfit, pos.HighWater, pos.PeakProgress, pos.EntryTime,
		pos.State, pos.Trailing, pos.ClientOrderID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET exit_price = ?, remaining_quantity = ?, stop_loss = ?, take_profit = ?,
	    high_water = ?, peak_progress = ?, exit_time = ?, state = ?, trailing = ?,
	    pnl = ?, close_reason = ?, sl_order_id = ?, tp_order_id = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}
	var closeReason sql.NullString
	if pos.CloseReason != "" {
		closeReason = sql.NullString{String: string(pos.CloseReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.ExitPrice, pos.RemainingQty, pos.StopLoss, pos.TakeProfit,
		pos.HighWater, pos.PeakProgress, exitTime, pos.State, pos.Trailing,
		pos.PNL, closeReason, nullString(pos.StopLossOrderID), nullString(pos.TakeProfitOrderID),
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "state": pos.State})
	return nil
}

const positionColumns = `
	id, symbol, side, entry_price, COALESCE(exit_price, 0), quantity, remaining_quantity,
	leverage, stop_loss, take_profit, high_water, peak_progress, entry_time, exit_time,
	state, trailing, COALESCE(pnl, 0), close_reason, client_order_id, sl_order_id, tp_order_id`

// FindOpen retrieves all currently open positions.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	const query = `SELECT` + positionColumns + ` FROM positions WHERE state = ? ORDER BY entry_time`

	rows, err := r.db.QueryContext(ctx, query, domain.StateOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindOpen: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	const query = `SELECT` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// --- TradeRepository Implementation ---

// Record saves a realized trade and returns its assigned ID.
func (r *Repository) Record(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (position_id, symbol, side, entry_price, exit_price, quantity,
	                           leverage, pnl, entry_time, exit_time, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var positionID sql.NullInt64
	if trade.PositionID != 0 {
		positionID = sql.NullInt64{Int64: trade.PositionID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		positionID, trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.Leverage, trade.PNL, trade.EntryTime, trade.ExitTime, trade.CloseReason)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade recorded", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL})
	return id, nil
}

// RecentStats returns win/loss counts over the most recent `window` trades.
func (r *Repository) RecentStats(ctx context.Context, window int) (ports.TradeStats, error) {
	const query = `
	SELECT COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END), 0)
	FROM (SELECT pnl FROM trade_history ORDER BY exit_time DESC LIMIT ?)`

	var stats ports.TradeStats
	if err := r.db.QueryRowContext(ctx, query, window).Scan(&stats.Wins, &stats.Losses); err != nil {
		return ports.TradeStats{}, fmt.Errorf("failed to query recent trade stats: %w", err)
	}
	return stats, nil
}

// CountToday counts trades executed today across all symbols.
func (r *Repository) CountToday(ctx context.Context) (int, error) {
	// Timestamps are stored as UTC, so the day boundary is UTC as well.
	const query = `SELECT COUNT(*) FROM trade_history WHERE date(exit_time) = date('now')`
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades today: %w", err)
	}
	return count, nil
}

// --- RiskStateRepository Implementation ---

// SaveRiskState stores the serialized risk state, replacing any prior value.
func (r *Repository) SaveRiskState(ctx context.Context, state []byte) error {
	const query = `
	INSERT INTO risk_state (id, state, updated_at) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query, state, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the stored risk state, nil if none was saved yet.
func (r *Repository) LoadRiskState(ctx context.Context) ([]byte, error) {
	const query = `SELECT state FROM risk_state WHERE id = 1`
	var state []byte
	err := r.db.QueryRowContext(ctx, query).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	return state, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var exitTime sql.NullTime
	var side, state, trailing string
	var closeReason, slOrderID, tpOrderID sql.NullString
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.ExitPrice, &p.Quantity, &p.RemainingQty,
		&p.Leverage, &p.StopLoss, &p.TakeProfit, &p.HighWater, &p.PeakProgress,
		&p.EntryTime, &exitTime, &state, &trailing, &p.PNL, &closeReason,
		&p.ClientOrderID, &slOrderID, &tpOrderID)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	p.Trailing = domain.TrailingState(trailing)
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	if slOrderID.Valid {
		p.StopLossOrderID = &slOrderID.String
	}
	if tpOrderID.Valid {
		p.TakeProfitOrderID = &tpOrderID.String
	}
	return p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
