// Package store persists positions, trades, and signals to SQLite so the
// engine can recover open positions after a restart and answer history
// queries. All money values are stored as float64; the position manager is
// the source of truth for the decimal math.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cnfutures-arb/internal/position"
	"cnfutures-arb/pkg/types"
)

// PositionRow mirrors position.Position for persistence.
type PositionRow struct {
	ID         string `gorm:"primaryKey"`
	Symbol     string `gorm:"index"`
	Level      int
	Quantity   int
	EntryPrice float64
	EntryTime  time.Time
	BasePrice  float64
	DropPct    float64
	VWAP       float64
	Margin     float64
	Status     string `gorm:"index"`
	ExitPrice  float64
	ExitTime   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TradeRow is one closed round trip.
type TradeRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	PositionID   string `gorm:"index"`
	Symbol       string `gorm:"index"`
	Level        int
	Quantity     int
	EntryPrice   float64
	EntryTime    time.Time
	ExitPrice    float64
	ExitTime     time.Time `gorm:"index"`
	GrossPnl     float64
	Fee          float64
	NetPnl       float64
	HoldingHours float64
	CreatedAt    time.Time
}

// SignalRow is one emitted strategy signal.
type SignalRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Type      string `gorm:"index"`
	Symbol    string `gorm:"index"`
	Price     float64
	BasePrice float64
	DropPct   float64
	VWAP      float64
	Level     int
	Quantity  int
	Timestamp time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Store wraps the gorm handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the parent directory, opens the SQLite file, and migrates.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&PositionRow{}, &TradeRow{}, &SignalRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	logger.Info("store opened", "path", path)
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// SaveOpenPosition upserts a freshly opened position.
func (s *Store) SaveOpenPosition(p *position.Position) error {
	row := PositionRow{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Level:      p.Level,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		EntryTime:  p.EntryTime,
		BasePrice:  p.BasePrice,
		DropPct:    p.DropPct,
		VWAP:       p.VWAP,
		Margin:     p.Margin,
		Status:     string(p.Status),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("store: save position %s: %w", p.ID, err)
	}
	return nil
}

// MarkClosed updates the row for a position that just closed.
func (s *Store) MarkClosed(id string, exitPrice float64, exitTime time.Time) error {
	err := s.db.Model(&PositionRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(types.StatusClosed),
		"exit_price": exitPrice,
		"exit_time":  exitTime,
	}).Error
	if err != nil {
		return fmt.Errorf("store: mark closed %s: %w", id, err)
	}
	return nil
}

// LoadOpenPositions returns every position still marked open, entry order.
func (s *Store) LoadOpenPositions() ([]position.Position, error) {
	var rows []PositionRow
	err := s.db.Where("status = ?", string(types.StatusOpen)).
		Order("entry_time asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: load open positions: %w", err)
	}

	out := make([]position.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, position.Position{
			ID:         r.ID,
			Symbol:     r.Symbol,
			Direction:  types.Long,
			Level:      r.Level,
			Quantity:   r.Quantity,
			EntryPrice: r.EntryPrice,
			EntryTime:  r.EntryTime,
			BasePrice:  r.BasePrice,
			DropPct:    r.DropPct,
			VWAP:       r.VWAP,
			Margin:     r.Margin,
			Status:     types.StatusOpen,
		})
	}
	return out, nil
}

// RecordTrade appends a closed round trip and closes its position row.
func (s *Store) RecordTrade(tr position.TradeRecord) error {
	row := TradeRow{
		PositionID:   tr.Position.ID,
		Symbol:       tr.Position.Symbol,
		Level:        tr.Position.Level,
		Quantity:     tr.Position.Quantity,
		EntryPrice:   tr.Position.EntryPrice,
		EntryTime:    tr.Position.EntryTime,
		ExitPrice:    tr.Position.ExitPrice,
		ExitTime:     tr.Position.ExitTime,
		GrossPnl:     tr.GrossPnl,
		Fee:          tr.Position.Fee,
		NetPnl:       tr.NetPnl,
		HoldingHours: tr.HoldingHours,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store: record trade %s: %w", tr.Position.ID, err)
	}
	return s.MarkClosed(tr.Position.ID, tr.Position.ExitPrice, tr.Position.ExitTime)
}

// RecordSignal appends one emitted signal.
func (s *Store) RecordSignal(sig types.Signal) error {
	row := SignalRow{
		Type:      string(sig.Type),
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		BasePrice: sig.BasePrice,
		DropPct:   sig.DropPct,
		VWAP:      sig.VWAP,
		Level:     sig.Level,
		Quantity:  sig.Quantity,
		Timestamp: sig.Timestamp,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store: record signal: %w", err)
	}
	return nil
}

// RecentTrades returns the latest closed trades, newest first.
func (s *Store) RecentTrades(limit int) ([]TradeRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []TradeRow
	err := s.db.Order("exit_time desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent trades: %w", err)
	}
	return rows, nil
}

// TradesBetween returns trades whose exit falls in [start, end), oldest first.
func (s *Store) TradesBetween(start, end time.Time) ([]TradeRow, error) {
	var rows []TradeRow
	err := s.db.Where("exit_time >= ? AND exit_time < ?", start, end).
		Order("exit_time asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: trades between: %w", err)
	}
	return rows, nil
}

// RecentSignals returns the latest signals, newest first.
func (s *Store) RecentSignals(limit int) ([]SignalRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []SignalRow
	err := s.db.Order("timestamp desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent signals: %w", err)
	}
	return rows, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
