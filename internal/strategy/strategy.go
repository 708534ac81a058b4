// Package strategy implements the settlement-arbitrage signal logic for
// CFFEX stock-index futures.
//
// The idea: index futures tend to drift toward the settlement-style VWAP into
// the close. Each day between watchStart (14:30) and watchEnd (15:00) the
// strategy anchors a base price at the first bar of the window and watches for
// drops from it. A drop of threshold1 opens a first long (BUY_L1); a further
// drop to threshold2 adds on (BUY_L2). Positions are held overnight and
// flattened at the next day's open (SELL_CLOSE).
//
// Per-symbol state machine:
//
//	IDLE → WATCHING       first bar at/after watchStart anchors the base price
//	WATCHING → POSITION_L1  dropPct ≤ -threshold1
//	POSITION_L1 → POSITION_L2  dropPct ≤ -threshold2
//	POSITION_L1/L2 → CLOSING   next day's open emits SELL_CLOSE
//	CLOSING → IDLE        daily reset
//
// All threshold comparisons are non-strict. At most one ALERT, one BUY_L1,
// one BUY_L2, and one SELL_CLOSE fire per symbol per day.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cnfutures-arb/internal/config"
	"cnfutures-arb/pkg/types"
)

// State names one symbol's position in the daily lifecycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateWatching   State = "WATCHING"
	StatePositionL1 State = "POSITION_L1"
	StatePositionL2 State = "POSITION_L2"
	StateClosing    State = "CLOSING"
)

type entry struct {
	price    float64
	quantity int
	level    int
}

// symbolState is the per-symbol mutable state. basePrice is set once per day
// at the first bar of the watch window and never changes until the daily reset.
type symbolState struct {
	state        State
	basePrice    float64
	entries      []entry
	alertedToday bool
	signalsToday []types.Signal
	lastDate     string
}

func (s *symbolState) hasPosition() bool {
	return s.state == StatePositionL1 || s.state == StatePositionL2
}

func (s *symbolState) totalQuantity() int {
	total := 0
	for _, e := range s.entries {
		total += e.quantity
	}
	return total
}

func (s *symbolState) avgEntryPrice() float64 {
	var sumPQ float64
	var sumQ int
	for _, e := range s.entries {
		sumPQ += e.price * float64(e.quantity)
		sumQ += e.quantity
	}
	if sumQ == 0 {
		return 0
	}
	return sumPQ / float64(sumQ)
}

// VWAPFunc supplies the current settlement-style VWAP estimate for a symbol,
// stamped onto emitted signals. May be nil.
type VWAPFunc func(symbol string) (float64, bool)

// SymbolMonitor is the UI-facing snapshot of one symbol's state.
type SymbolMonitor struct {
	Symbol        string  `json:"symbol"`
	State         State   `json:"state"`
	BasePrice     float64 `json:"base_price"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	TotalQuantity int     `json:"total_quantity"`
	SignalsToday  int     `json:"signals_today"`
}

// Strategy runs the per-symbol state machines. Safe for concurrent use;
// OnBar is expected to be called from the data handler's callback goroutine.
type Strategy struct {
	mu         sync.Mutex
	cfg        config.StrategyConfig
	watchStart int // minutes since midnight
	watchEnd   int
	states     map[string]*symbolState
	vwapFn     VWAPFunc
	logger     *slog.Logger
}

// New builds a strategy for the configured symbols. The config must already
// be validated; the watch-window parse is re-checked here because the values
// feed directly into bar gating.
func New(cfg config.StrategyConfig, vwapFn VWAPFunc, logger *slog.Logger) (*Strategy, error) {
	ws, err := config.ParseClock(cfg.WatchStart)
	if err != nil {
		return nil, fmt.Errorf("watch start: %w", err)
	}
	we, err := config.ParseClock(cfg.WatchEnd)
	if err != nil {
		return nil, fmt.Errorf("watch end: %w", err)
	}

	s := &Strategy{
		cfg:        cfg,
		watchStart: ws,
		watchEnd:   we,
		states:     make(map[string]*symbolState),
		vwapFn:     vwapFn,
		logger:     logger.With("component", "strategy"),
	}
	for _, raw := range cfg.Symbols {
		sym, err := types.NormalizeSymbol(raw)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", raw, err)
		}
		s.states[sym] = &symbolState{state: StateIdle}
	}
	return s, nil
}

// OnBar advances the state machine for the bar's symbol and returns any
// signals it produced, in deterministic order (alert, then at most one entry).
// Bars for untracked symbols are silently ignored.
func (s *Strategy) OnBar(bar types.MinuteBar) []types.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[bar.Symbol]
	if !ok {
		return nil
	}

	// Day rollover: clear daily state, preserving any open position.
	if date := bar.Date(); st.lastDate != date {
		s.resetDailyLocked(st)
		st.lastDate = date
	}

	m := bar.MinuteOfDay()
	if m < s.watchStart {
		return nil
	}

	// First bar of the window anchors the base price. No signal.
	if st.basePrice == 0 {
		st.basePrice = bar.Close
		// Only an idle symbol starts watching; a held or just-closed
		// position keeps its state for the day.
		if st.state == StateIdle {
			st.state = StateWatching
		}
		s.logger.Info("base price anchored",
			"symbol", bar.Symbol, "base_price", st.basePrice, "bar_time", bar.Timestamp)
		return nil
	}

	// Past the window: no new entries, existing state stands.
	if m > s.watchEnd {
		return nil
	}

	dropPct := (bar.Close - st.basePrice) / st.basePrice
	var signals []types.Signal

	if st.state == StateWatching && !st.alertedToday &&
		dropPct <= -s.cfg.AlertThreshold && dropPct > -s.cfg.Threshold1 {
		st.alertedToday = true
		signals = append(signals, s.emitLocked(st, types.Signal{
			Type: types.SignalAlert, Symbol: bar.Symbol,
			Price: bar.Close, BasePrice: st.basePrice, DropPct: dropPct,
			Timestamp: bar.Timestamp,
		}))
	}

	switch {
	case st.state == StateWatching && dropPct <= -s.cfg.Threshold1:
		st.entries = append(st.entries, entry{price: bar.Close, quantity: s.cfg.PositionSize1, level: 1})
		st.state = StatePositionL1
		signals = append(signals, s.emitLocked(st, types.Signal{
			Type: types.SignalBuyL1, Symbol: bar.Symbol,
			Price: bar.Close, BasePrice: st.basePrice, DropPct: dropPct,
			Level: 1, Quantity: s.cfg.PositionSize1,
			Timestamp: bar.Timestamp,
		}))

	case st.state == StatePositionL1 && dropPct <= -s.cfg.Threshold2:
		st.entries = append(st.entries, entry{price: bar.Close, quantity: s.cfg.PositionSize2, level: 2})
		st.state = StatePositionL2
		signals = append(signals, s.emitLocked(st, types.Signal{
			Type: types.SignalBuyL2, Symbol: bar.Symbol,
			Price: bar.Close, BasePrice: st.basePrice, DropPct: dropPct,
			Level: 2, Quantity: s.cfg.PositionSize2,
			Timestamp: bar.Timestamp,
		}))
	}

	return signals
}

// emitLocked stamps the optional VWAP and records the signal in the daily log.
func (s *Strategy) emitLocked(st *symbolState, sig types.Signal) types.Signal {
	if s.vwapFn != nil {
		if v, ok := s.vwapFn(sig.Symbol); ok {
			sig.VWAP = v
		}
	}
	st.signalsToday = append(st.signalsToday, sig)
	s.logger.Info("signal emitted",
		"type", sig.Type, "symbol", sig.Symbol,
		"price", sig.Price, "drop_pct", sig.DropPct, "quantity", sig.Quantity)
	return sig
}

// OnDayOpen emits a single SELL_CLOSE for the symbol's whole position at the
// next day's opening price. Returns nil when the symbol holds no position.
func (s *Strategy) OnDayOpen(symbol string, openPrice float64, ts time.Time) *types.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[symbol]
	if !ok || !st.hasPosition() {
		return nil
	}

	sig := s.emitLocked(st, types.Signal{
		Type: types.SignalSellClose, Symbol: symbol,
		Price: openPrice, BasePrice: st.basePrice,
		Quantity:  st.totalQuantity(),
		Timestamp: ts,
	})
	st.state = StateClosing
	st.entries = nil
	return &sig
}

// resetDailyLocked clears one symbol's daily state. Open positions survive:
// their state and entries are preserved so the next day-open can close them.
func (s *Strategy) resetDailyLocked(st *symbolState) {
	st.basePrice = 0
	st.alertedToday = false
	st.signalsToday = nil
	if !st.hasPosition() {
		st.state = StateIdle
		st.entries = nil
	}
}

// ResetDaily applies the daily reset to every symbol. Called pre-market.
func (s *Strategy) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		s.resetDailyLocked(st)
	}
}

// Reset clears all symbol state entirely, including positions.
func (s *Strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym := range s.states {
		s.states[sym] = &symbolState{state: StateIdle}
	}
}

// UpdateConfig swaps in a validated config, keeping state for symbols present
// in both the old and new sets.
func (s *Strategy) UpdateConfig(cfg config.StrategyConfig) error {
	ws, err := config.ParseClock(cfg.WatchStart)
	if err != nil {
		return fmt.Errorf("watch start: %w", err)
	}
	we, err := config.ParseClock(cfg.WatchEnd)
	if err != nil {
		return fmt.Errorf("watch end: %w", err)
	}

	next := make(map[string]*symbolState, len(cfg.Symbols))
	for _, raw := range cfg.Symbols {
		sym, err := types.NormalizeSymbol(raw)
		if err != nil {
			return fmt.Errorf("symbol %q: %w", raw, err)
		}
		next[sym] = &symbolState{state: StateIdle}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sym := range next {
		if old, ok := s.states[sym]; ok {
			next[sym] = old
		}
	}
	s.cfg = cfg
	s.watchStart = ws
	s.watchEnd = we
	s.states = next
	return nil
}

// HasPosition reports whether the symbol's state machine holds a position.
func (s *Strategy) HasPosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	return ok && st.hasPosition()
}

// StateOf returns the current state for a symbol, IDLE for unknown symbols.
func (s *Strategy) StateOf(symbol string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[symbol]; ok {
		return st.state
	}
	return StateIdle
}

// MonitorData returns a per-symbol snapshot for status queries.
func (s *Strategy) MonitorData() map[string]SymbolMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]SymbolMonitor, len(s.states))
	for sym, st := range s.states {
		out[sym] = SymbolMonitor{
			Symbol:        sym,
			State:         st.state,
			BasePrice:     st.basePrice,
			AvgEntryPrice: st.avgEntryPrice(),
			TotalQuantity: st.totalQuantity(),
			SignalsToday:  len(st.signalsToday),
		}
	}
	return out
}

// TodaySignals returns all signals emitted today across symbols.
func (s *Strategy) TodaySignals() []types.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Signal
	for _, st := range s.states {
		out = append(out, st.signalsToday...)
	}
	return out
}
