// Package position is the authoritative ledger of open positions and closed
// trades. It computes margin, fees, and P&L from the contract specification
// table; it never validates risk, which belongs to the risk manager.
//
// Money math runs through shopspring/decimal and is converted to float64 at
// the struct boundary, so fee legs like 5840 * 200 * 0.000023 come out exact.
package position

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cnfutures-arb/pkg/types"
)

// Position is one open (or frozen, once closed) long position.
type Position struct {
	ID         string               `json:"id"`
	Symbol     string               `json:"symbol"`
	Direction  types.Direction      `json:"direction"`
	Quantity   int                  `json:"quantity"`
	EntryPrice float64              `json:"entry_price"`
	EntryTime  time.Time            `json:"entry_time"`
	Level      int                  `json:"level"`
	BasePrice  float64              `json:"base_price"`
	DropPct    float64              `json:"drop_pct"`
	VWAP       float64              `json:"vwap,omitempty"`
	ExitPrice  float64              `json:"exit_price,omitempty"`
	ExitTime   time.Time            `json:"exit_time,omitempty"`
	Status     types.PositionStatus `json:"status"`
	Pnl        float64              `json:"pnl"`    // net of fees, set on close
	Fee        float64              `json:"fee"`    // both legs, set on close
	Margin     float64              `json:"margin"` // price * multiplier * qty * marginRatio
}

// TradeRecord wraps a closed position with its P&L breakdown.
type TradeRecord struct {
	Position     Position  `json:"position"`
	GrossPnl     float64   `json:"gross_pnl"`
	NetPnl       float64   `json:"net_pnl"`
	HoldingHours float64   `json:"holding_hours"`
}

// Summary aggregates the closed-trade history.
type Summary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalGross  float64 `json:"total_gross"`
	TotalFees   float64 `json:"total_fees"`
	TotalNet    float64 `json:"total_net"`
	AvgNet      float64 `json:"avg_net"`
	AvgHolding  float64 `json:"avg_holding_hours"`
}

// Manager owns the open-positions map and the closed-trade history.
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	open    map[string]*Position
	history []TradeRecord
	seq     int
	logger  *slog.Logger
}

// NewManager creates an empty ledger.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		open:   make(map[string]*Position),
		logger: logger.With("component", "position_manager"),
	}
}

// Open creates an OPEN position. Margin is price * multiplier * quantity *
// marginRatio from the product table. quantity <= 0 or an unknown product is
// an error.
func (m *Manager) Open(symbol string, price float64, quantity, level int, basePrice, dropPct, vwap float64, ts time.Time) (*Position, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("open %s: quantity must be positive, got %d", symbol, quantity)
	}
	spec, err := types.SpecFor(symbol)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", symbol, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	pos := &Position{
		ID:         fmt.Sprintf("%s-%s-%d", symbol, ts.Format("20060102150405"), m.seq),
		Symbol:     symbol,
		Direction:  types.Long,
		Quantity:   quantity,
		EntryPrice: price,
		EntryTime:  ts,
		Level:      level,
		BasePrice:  basePrice,
		DropPct:    dropPct,
		VWAP:       vwap,
		Status:     types.StatusOpen,
		Margin: decimal.NewFromFloat(price).
			Mul(decimal.NewFromFloat(spec.Multiplier)).
			Mul(decimal.NewFromInt(int64(quantity))).
			Mul(decimal.NewFromFloat(spec.MarginRatio)).
			InexactFloat64(),
	}
	m.open[pos.ID] = pos

	m.logger.Info("position opened",
		"id", pos.ID, "symbol", symbol, "price", price,
		"quantity", quantity, "level", level, "margin", pos.Margin)
	return snapshot(pos), nil
}

// Close freezes an open position at exitPrice and appends a TradeRecord.
// Returns nil for an unknown or already-closed id.
func (m *Manager) Close(id string, exitPrice float64, ts time.Time) *TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id, exitPrice, ts)
}

func (m *Manager) closeLocked(id string, exitPrice float64, ts time.Time) *TradeRecord {
	pos, ok := m.open[id]
	if !ok {
		m.logger.Warn("close of unknown position", "id", id)
		return nil
	}
	spec, err := types.SpecFor(pos.Symbol)
	if err != nil {
		m.logger.Warn("close with unknown product", "id", id, "error", err)
		return nil
	}

	qty := decimal.NewFromInt(int64(pos.Quantity))
	mult := decimal.NewFromFloat(spec.Multiplier)

	gross := decimal.NewFromFloat(exitPrice).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(qty).Mul(mult)

	// Close-today rate applies only when the exit lands on the entry date;
	// the standard hold-overnight path pays the plain close rate.
	closeRate := spec.FeeClose
	if ts.Format("2006-01-02") == pos.EntryTime.Format("2006-01-02") {
		closeRate = spec.FeeCloseToday
	}
	openFee := decimal.NewFromFloat(pos.EntryPrice).Mul(mult).Mul(qty).Mul(decimal.NewFromFloat(spec.FeeOpen))
	closeFee := decimal.NewFromFloat(exitPrice).Mul(mult).Mul(qty).Mul(decimal.NewFromFloat(closeRate))
	fee := openFee.Add(closeFee)
	net := gross.Sub(fee)

	pos.ExitPrice = exitPrice
	pos.ExitTime = ts
	pos.Status = types.StatusClosed
	pos.Fee = fee.InexactFloat64()
	pos.Pnl = net.InexactFloat64()
	delete(m.open, id)

	rec := TradeRecord{
		Position:     *pos,
		GrossPnl:     gross.InexactFloat64(),
		NetPnl:       net.InexactFloat64(),
		HoldingHours: ts.Sub(pos.EntryTime).Hours(),
	}
	m.history = append(m.history, rec)

	m.logger.Info("position closed",
		"id", id, "symbol", pos.Symbol, "exit_price", exitPrice,
		"gross_pnl", rec.GrossPnl, "fee", pos.Fee, "net_pnl", rec.NetPnl)
	return &rec
}

// CloseAll closes every open position, optionally filtered by symbol
// (empty string means all), in entry order. Returns the resulting trades.
func (m *Manager) CloseAll(exitPrice float64, symbol string, ts time.Time) []TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.open))
	for id, pos := range m.open {
		if symbol == "" || pos.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.open[ids[i]].EntryTime.Before(m.open[ids[j]].EntryTime)
	})

	trades := make([]TradeRecord, 0, len(ids))
	for _, id := range ids {
		if rec := m.closeLocked(id, exitPrice, ts); rec != nil {
			trades = append(trades, *rec)
		}
	}
	return trades
}

// CurrentPositions returns copies of the open positions, optionally filtered
// by symbol, in entry order.
func (m *Manager) CurrentPositions(symbol string) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Position, 0, len(m.open))
	for _, pos := range m.open {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// PositionCount sums open quantities, optionally filtered by symbol.
func (m *Manager) PositionCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, pos := range m.open {
		if symbol == "" || pos.Symbol == symbol {
			total += pos.Quantity
		}
	}
	return total
}

// TotalMarginUsed sums margin across open positions.
func (m *Manager) TotalMarginUsed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, pos := range m.open {
		total = total.Add(decimal.NewFromFloat(pos.Margin))
	}
	return total.InexactFloat64()
}

// UnrealizedPnl marks a symbol's open positions to the given price.
func (m *Manager) UnrealizedPnl(symbol string, price float64) float64 {
	spec, err := types.SpecFor(symbol)
	if err != nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, pos := range m.open {
		if pos.Symbol != symbol {
			continue
		}
		total = total.Add(decimal.NewFromFloat(price).
			Sub(decimal.NewFromFloat(pos.EntryPrice)).
			Mul(decimal.NewFromInt(int64(pos.Quantity))).
			Mul(decimal.NewFromFloat(spec.Multiplier)))
	}
	return total.InexactFloat64()
}

// HasOpenPositions reports whether any position is open, optionally filtered
// by symbol.
func (m *Manager) HasOpenPositions(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.open {
		if symbol == "" || pos.Symbol == symbol {
			return true
		}
	}
	return false
}

// TradeHistory returns closed trades sorted by exit time descending,
// optionally filtered by symbol and [start, end] exit-time bounds.
// limit <= 0 means no limit.
func (m *Manager) TradeHistory(symbol string, start, end time.Time, limit int) []TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TradeRecord, 0, len(m.history))
	for _, rec := range m.history {
		if symbol != "" && rec.Position.Symbol != symbol {
			continue
		}
		if !start.IsZero() && rec.Position.ExitTime.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Position.ExitTime.After(end) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position.ExitTime.After(out[j].Position.ExitTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PnlSummary aggregates the full closed-trade history.
func (m *Manager) PnlSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{TotalTrades: len(m.history)}
	if s.TotalTrades == 0 {
		return s
	}
	var hours float64
	for _, rec := range m.history {
		if rec.NetPnl > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
		s.TotalGross += rec.GrossPnl
		s.TotalFees += rec.Position.Fee
		s.TotalNet += rec.NetPnl
		hours += rec.HoldingHours
	}
	s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	s.AvgNet = s.TotalNet / float64(s.TotalTrades)
	s.AvgHolding = hours / float64(s.TotalTrades)
	return s
}

// Restore installs recovered positions, e.g. from the relational store after
// a restart. Existing state is preserved; ids collide only on operator error.
func (m *Manager) Restore(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range positions {
		if pos.Status != types.StatusOpen {
			continue
		}
		p := pos
		m.open[p.ID] = &p
		m.seq++
	}
}

// Reset drops all open positions and history.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = make(map[string]*Position)
	m.history = nil
	m.seq = 0
}

func snapshot(p *Position) *Position {
	cp := *p
	return &cp
}
