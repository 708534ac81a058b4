// Package risk enforces the engine's safety limits: daily loss, equity
// drawdown, and position caps. Checks return a first-class *Event rather than
// acting themselves; the scheduler decides whether a breach force-closes.
// Any triggering check latches the manager until ResetDaily or Reset.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cnfutures-arb/internal/config"
	"cnfutures-arb/internal/position"
)

// EventType classifies a risk event.
type EventType string

const (
	EventPositionLimit  EventType = "POSITION_LIMIT"
	EventDailyLossLimit EventType = "DAILY_LOSS_LIMIT"
	EventDrawdownLimit  EventType = "DRAWDOWN_LIMIT"
	EventForceClose     EventType = "FORCE_CLOSE"
)

// Event records one limit breach or force-close. Append-only.
type Event struct {
	Type        EventType `json:"type"`
	Message     string    `json:"message"`
	Value       float64   `json:"value"`
	Limit       float64   `json:"limit"`
	Timestamp   time.Time `json:"timestamp"`
	ActionTaken string    `json:"action_taken,omitempty"`
}

// Status is a point-in-time snapshot for status queries.
type Status struct {
	InitialEquity float64 `json:"initial_equity"`
	CurrentEquity float64 `json:"current_equity"`
	PeakEquity    float64 `json:"peak_equity"`
	DailyPnl      float64 `json:"daily_pnl"`
	DailyTrades   int     `json:"daily_trades"`
	Drawdown      float64 `json:"drawdown"`
	Triggered     bool    `json:"triggered"`
	EventCount    int     `json:"event_count"`
}

// defaultEventLimit caps how many events an Events query returns by default.
const defaultEventLimit = 50

// Manager tracks daily P&L and equity and evaluates the limits.
// All methods are safe for concurrent use.
type Manager struct {
	cfg          config.RiskConfig
	maxPerSymbol int
	logger       *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	initialEquity float64
	currentEquity float64
	peakEquity    float64
	dailyPnl      float64
	dailyTrades   int
	currentDate   string
	triggered     bool
	events        []Event

	// One logged event per breach per day; the checks keep returning these
	// while the condition holds so callers see the latch without the event
	// log filling with duplicates.
	lossEvent *Event
	ddEvent   *Event
}

// NewManager creates a risk manager. maxPerSymbol is the per-symbol lot cap
// (from the strategy config); the total cap comes from cfg.
func NewManager(cfg config.RiskConfig, maxPerSymbol int, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		maxPerSymbol: maxPerSymbol,
		logger:       logger.With("component", "risk_manager"),
		now:          time.Now,
	}
}

// UpdateConfig replaces the limits in place. Equity tracking, the latch, and
// the event log are untouched; the next check evaluates the new caps.
func (m *Manager) UpdateConfig(cfg config.RiskConfig, maxPerSymbol int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	m.maxPerSymbol = maxPerSymbol
	m.logger.Info("risk limits updated",
		"max_daily_loss", cfg.MaxDailyLoss, "max_drawdown", cfg.MaxDrawdown,
		"max_total_position", cfg.MaxTotalPosition, "max_per_symbol", maxPerSymbol)
}

// Initialize sets the equity baselines and clears all state.
func (m *Manager) Initialize(initialEquity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialEquity = initialEquity
	m.currentEquity = initialEquity
	m.peakEquity = initialEquity
	m.dailyPnl = 0
	m.dailyTrades = 0
	m.triggered = false
	m.events = nil
	m.lossEvent = nil
	m.ddEvent = nil
	m.currentDate = m.now().Format("2006-01-02")
}

// ResetDaily zeroes the daily counters and clears the latch. Idempotent.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyLocked()
}

func (m *Manager) resetDailyLocked() {
	m.dailyPnl = 0
	m.dailyTrades = 0
	m.triggered = false
	m.lossEvent = nil
	m.ddEvent = nil
	m.currentDate = m.now().Format("2006-01-02")
}

// OnTrade folds a closed trade into the daily and equity tracking.
// A day rollover observed here resets the daily counters first.
func (m *Manager) OnTrade(trade position.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if today := m.now().Format("2006-01-02"); today != m.currentDate {
		m.resetDailyLocked()
	}

	m.dailyPnl += trade.NetPnl
	m.dailyTrades++
	m.currentEquity += trade.NetPnl
	if m.currentEquity > m.peakEquity {
		m.peakEquity = m.currentEquity
	}

	m.logger.Info("trade recorded",
		"symbol", trade.Position.Symbol, "net_pnl", trade.NetPnl,
		"daily_pnl", m.dailyPnl, "equity", m.currentEquity)
}

// CheckDailyLossLimit fires when the daily loss exceeds the cap.
// The comparison is strict: a loss exactly at the cap does not trigger.
func (m *Manager) CheckDailyLossLimit() *Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dailyPnl >= -m.cfg.MaxDailyLoss {
		return nil
	}
	if m.lossEvent != nil {
		return m.lossEvent
	}
	m.lossEvent = m.recordLocked(Event{
		Type:    EventDailyLossLimit,
		Message: fmt.Sprintf("daily loss %.2f exceeds limit %.2f", -m.dailyPnl, m.cfg.MaxDailyLoss),
		Value:   m.dailyPnl,
		Limit:   m.cfg.MaxDailyLoss,
	})
	return m.lossEvent
}

// CheckDrawdownLimit fires when (peak-current)/peak exceeds the cap.
// A non-positive peak yields no event.
func (m *Manager) CheckDrawdownLimit() *Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peakEquity <= 0 {
		return nil
	}
	dd := (m.peakEquity - m.currentEquity) / m.peakEquity
	if dd <= m.cfg.MaxDrawdown {
		return nil
	}
	if m.ddEvent != nil {
		return m.ddEvent
	}
	m.ddEvent = m.recordLocked(Event{
		Type:    EventDrawdownLimit,
		Message: fmt.Sprintf("drawdown %.4f exceeds limit %.4f", dd, m.cfg.MaxDrawdown),
		Value:   dd,
		Limit:   m.cfg.MaxDrawdown,
	})
	return m.ddEvent
}

// CheckPositionLimit fires when a new entry for symbol would be blocked:
// the per-symbol cap is checked first, then the total cap.
func (m *Manager) CheckPositionLimit(symbol string, pm *position.Manager) *Event {
	perSymbol := pm.PositionCount(symbol)
	total := pm.PositionCount("")

	m.mu.Lock()
	defer m.mu.Unlock()

	if perSymbol >= m.maxPerSymbol {
		return m.recordLocked(Event{
			Type:    EventPositionLimit,
			Message: fmt.Sprintf("%s holds %d lots, per-symbol limit %d", symbol, perSymbol, m.maxPerSymbol),
			Value:   float64(perSymbol),
			Limit:   float64(m.maxPerSymbol),
		})
	}
	if total >= m.cfg.MaxTotalPosition {
		return m.recordLocked(Event{
			Type:    EventPositionLimit,
			Message: fmt.Sprintf("total %d lots, limit %d", total, m.cfg.MaxTotalPosition),
			Value:   float64(total),
			Limit:   float64(m.cfg.MaxTotalPosition),
		})
	}
	return nil
}

// CheckAllRisks evaluates daily loss first, then drawdown. First hit wins.
func (m *Manager) CheckAllRisks(pm *position.Manager) *Event {
	if ev := m.CheckDailyLossLimit(); ev != nil {
		return ev
	}
	return m.CheckDrawdownLimit()
}

// ForceCloseAll closes every position for which a price is provided, records
// one FORCE_CLOSE event summarizing the aggregate P&L, and feeds each trade
// back through OnTrade. Symbols without a price are left open.
func (m *Manager) ForceCloseAll(pm *position.Manager, prices map[string]float64, reason string) []position.TradeRecord {
	var trades []position.TradeRecord
	ts := m.now()
	for symbol, price := range prices {
		if price <= 0 {
			continue
		}
		trades = append(trades, pm.CloseAll(price, symbol, ts)...)
	}

	var total float64
	for _, tr := range trades {
		total += tr.NetPnl
	}

	m.mu.Lock()
	m.recordLocked(Event{
		Type:        EventForceClose,
		Message:     reason,
		Value:       total,
		ActionTaken: fmt.Sprintf("closed %d positions", len(trades)),
	})
	m.mu.Unlock()

	for _, tr := range trades {
		m.OnTrade(tr)
	}

	m.logger.Warn("force close executed",
		"reason", reason, "positions", len(trades), "total_pnl", total)
	return trades
}

// recordLocked latches the manager, stamps and appends the event.
func (m *Manager) recordLocked(ev Event) *Event {
	ev.Timestamp = m.now()
	m.triggered = true
	m.events = append(m.events, ev)
	m.logger.Warn("risk event",
		"type", ev.Type, "message", ev.Message, "value", ev.Value, "limit", ev.Limit)
	return &ev
}

// Triggered reports whether any check has latched since the last reset.
func (m *Manager) Triggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered
}

// Status returns a snapshot of the equity and daily tracking.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dd float64
	if m.peakEquity > 0 {
		dd = (m.peakEquity - m.currentEquity) / m.peakEquity
	}
	return Status{
		InitialEquity: m.initialEquity,
		CurrentEquity: m.currentEquity,
		PeakEquity:    m.peakEquity,
		DailyPnl:      m.dailyPnl,
		DailyTrades:   m.dailyTrades,
		Drawdown:      dd,
		Triggered:     m.triggered,
		EventCount:    len(m.events),
	}
}

// Events returns the most recent events first, optionally filtered by type.
// limit <= 0 applies the default of 50.
func (m *Manager) Events(typ EventType, limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = defaultEventLimit
	}
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if typ != "" && m.events[i].Type != typ {
			continue
		}
		out = append(out, m.events[i])
	}
	return out
}

// Reset clears everything back to the post-Initialize state at zero equity.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialEquity = 0
	m.currentEquity = 0
	m.peakEquity = 0
	m.dailyPnl = 0
	m.dailyTrades = 0
	m.triggered = false
	m.events = nil
	m.lossEvent = nil
	m.ddEvent = nil
	m.currentDate = ""
}
